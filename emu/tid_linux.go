package emu

import "golang.org/x/sys/unix"

// threadID returns the kernel id of the calling host thread. Callers must
// hold runtime.LockOSThread for the id to stay meaningful.
func threadID() int64 {
	return int64(unix.Gettid())
}
