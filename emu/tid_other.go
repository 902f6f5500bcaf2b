//go:build !linux

package emu

import (
	"bytes"
	"runtime"
	"strconv"
)

// threadID returns the id of the calling goroutine. Bound goroutines are
// locked to their host thread, so the goroutine id identifies the thread
// for as long as the binding lasts.
func threadID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}
	id, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		panic("emu: cannot parse goroutine id: " + err.Error())
	}
	return id
}
