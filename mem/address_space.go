//go:build unix && (amd64 || arm64 || ppc64 || ppc64le || riscv64 || s390x || loong64)

// Package mem provides the guest address space.
//
// The guest sees a flat 32-bit address space. The bridge reserves one host
// region large enough to cover all of it, so a guest offset g always lives
// at host address base+g and translation is a single addition.
package mem

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

const (
	// GuestRange is the size of the 32-bit guest address space.
	GuestRange = 1 << 32

	// PageSize is the host page size the bridge assumes for protection and
	// the default physical allocation alignment.
	PageSize = 0x1000

	// reserveSize adds a guard page so an 8-byte access at the very top of
	// the guest range stays inside the mapping.
	reserveSize = GuestRange + PageSize
)

// Prot describes page protection.
type Prot int

const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << (iota - 1)
	ProtWrite

	ProtReadWrite = ProtRead | ProtWrite
)

func (p Prot) unix() int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

// AddressSpace is the reserved host region backing guest memory.
//
// All multi-byte accessors store values in guest byte order (big-endian).
// On a little-endian host every access swaps bytes; on a big-endian host it
// does not. No other component handles endianness.
type AddressSpace struct {
	buf    []byte
	base   uintptr
	logger logr.Logger
}

// Option configures an AddressSpace.
type Option func(*AddressSpace)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(as *AddressSpace) {
		as.logger = logger
	}
}

// Reserve maps the guest address space and protects the null page.
func Reserve(opts ...Option) (*AddressSpace, error) {
	as := &AddressSpace{logger: logr.Discard()}
	for _, opt := range opts {
		opt(as)
	}

	buf, err := unix.Mmap(
		-1, 0,
		reserveSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve guest address space")
	}

	// Null guest pointers must fault instead of reading zeros.
	if err := unix.Mprotect(buf[:PageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(buf)
		return nil, errors.Wrap(err, "failed to protect null page")
	}

	as.buf = buf
	as.base = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	as.logger.V(1).Info("reserved guest address space",
		"base", as.base, "size", uint64(reserveSize))

	return as, nil
}

// Close unmaps the address space. Every host pointer into it becomes
// invalid.
func (as *AddressSpace) Close() error {
	if as.buf == nil {
		return nil
	}
	err := unix.Munmap(as.buf)
	as.buf = nil
	as.base = 0
	if err != nil {
		return errors.Wrap(err, "failed to unmap guest address space")
	}
	return nil
}

// Base returns the host address of guest offset 0.
func (as *AddressSpace) Base() uintptr {
	return as.base
}

// Size returns the size of the reserved region.
func (as *AddressSpace) Size() uint64 {
	return uint64(len(as.buf))
}

// Translate returns the host pointer of a guest offset.
func (as *AddressSpace) Translate(g uint32) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(as.buf)), uintptr(g))
}

// MapVirtual returns the guest offset of a host pointer into the address
// space. A nil pointer maps to 0.
func (as *AddressSpace) MapVirtual(p unsafe.Pointer) uint32 {
	if p == nil {
		return 0
	}
	return uint32(uintptr(p) - as.base)
}

// Contains reports whether p points into the guest range.
func (as *AddressSpace) Contains(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= as.base && uint64(addr-as.base) < GuestRange
}

// Protect changes the protection of the pages covering [g, g+n).
func (as *AddressSpace) Protect(g uint32, n uint64, prot Prot) error {
	if g%PageSize != 0 {
		return errors.Newf("protect: offset 0x%08X is not page aligned", g)
	}
	n = (n + PageSize - 1) &^ (PageSize - 1)
	if uint64(g)+n > GuestRange {
		return errors.Newf("protect: range 0x%08X+0x%X leaves the guest range", g, n)
	}
	if err := unix.Mprotect(as.buf[g:uint64(g)+n], prot.unix()); err != nil {
		return errors.Wrapf(err, "protect 0x%08X+0x%X", g, n)
	}
	return nil
}

// Bytes returns a view of n bytes of guest memory at g.
func (as *AddressSpace) Bytes(g uint32, n uint32) []byte {
	return as.buf[g : uint64(g)+uint64(n) : uint64(g)+uint64(n)]
}

// ReadBytes copies guest memory at g into dst.
func (as *AddressSpace) ReadBytes(g uint32, dst []byte) {
	copy(dst, as.buf[g:])
}

// WriteBytes copies src into guest memory at g.
func (as *AddressSpace) WriteBytes(g uint32, src []byte) {
	copy(as.buf[g:], src)
}

// Zero clears n bytes of guest memory at g.
func (as *AddressSpace) Zero(g uint32, n uint32) {
	clear(as.buf[g : uint64(g)+uint64(n)])
}

// Read8 reads a byte.
func (as *AddressSpace) Read8(g uint32) uint8 {
	return as.buf[g]
}

// Read16 reads a 16-bit value in guest byte order.
func (as *AddressSpace) Read16(g uint32) uint16 {
	return binary.BigEndian.Uint16(as.buf[g:])
}

// Read32 reads a 32-bit value in guest byte order.
func (as *AddressSpace) Read32(g uint32) uint32 {
	return binary.BigEndian.Uint32(as.buf[g:])
}

// Read64 reads a 64-bit value in guest byte order.
func (as *AddressSpace) Read64(g uint32) uint64 {
	return binary.BigEndian.Uint64(as.buf[g:])
}

// ReadF32 reads a single-precision float in guest byte order.
func (as *AddressSpace) ReadF32(g uint32) float32 {
	return math.Float32frombits(as.Read32(g))
}

// ReadF64 reads a double-precision float in guest byte order.
func (as *AddressSpace) ReadF64(g uint32) float64 {
	return math.Float64frombits(as.Read64(g))
}

// Write8 writes a byte.
func (as *AddressSpace) Write8(g uint32, v uint8) {
	as.buf[g] = v
}

// Write16 writes a 16-bit value in guest byte order.
func (as *AddressSpace) Write16(g uint32, v uint16) {
	binary.BigEndian.PutUint16(as.buf[g:], v)
}

// Write32 writes a 32-bit value in guest byte order.
func (as *AddressSpace) Write32(g uint32, v uint32) {
	binary.BigEndian.PutUint32(as.buf[g:], v)
}

// Write64 writes a 64-bit value in guest byte order.
func (as *AddressSpace) Write64(g uint32, v uint64) {
	binary.BigEndian.PutUint64(as.buf[g:], v)
}

// WriteF32 writes a single-precision float in guest byte order.
func (as *AddressSpace) WriteF32(g uint32, v float32) {
	as.Write32(g, math.Float32bits(v))
}

// WriteF64 writes a double-precision float in guest byte order.
func (as *AddressSpace) WriteF64(g uint32, v float64) {
	as.Write64(g, math.Float64bits(v))
}
