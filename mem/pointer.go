package mem

import (
	"bytes"
)

// Pointer is a guest pointer bound to its address space.
type Pointer struct {
	as  *AddressSpace
	off uint32
}

// Ptr binds a guest offset to an address space.
func Ptr(as *AddressSpace, g uint32) Pointer {
	return Pointer{as, g}
}

// IsNil reports whether the pointer is the guest null pointer.
func (p Pointer) IsNil() bool {
	return p.off == 0
}

// Offset returns the guest offset.
func (p Pointer) Offset() uint32 {
	return p.off
}

// Add returns the pointer advanced by n bytes.
func (p Pointer) Add(n uint32) Pointer {
	return Pointer{p.as, p.off + n}
}

// Sub returns the pointer moved back by n bytes.
func (p Pointer) Sub(n uint32) Pointer {
	return Pointer{p.as, p.off - n}
}

// Typed accessors, all in guest byte order.
func (p Pointer) Read8() uint8 { return p.as.Read8(p.off) }
func (p Pointer) Read16() uint16 { return p.as.Read16(p.off) }
func (p Pointer) Read32() uint32 { return p.as.Read32(p.off) }
func (p Pointer) Read64() uint64 { return p.as.Read64(p.off) }
func (p Pointer) ReadF32() float32 { return p.as.ReadF32(p.off) }
func (p Pointer) Write8(v uint8) { p.as.Write8(p.off, v) }
func (p Pointer) Write16(v uint16) { p.as.Write16(p.off, v) }
func (p Pointer) Write32(v uint32) { p.as.Write32(p.off, v) }
func (p Pointer) Write64(v uint64) { p.as.Write64(p.off, v) }
func (p Pointer) WriteF32(v float32) { p.as.WriteF32(p.off, v) }

// Deref reads the 32-bit guest pointer stored at p.
func (p Pointer) Deref() Pointer {
	return Pointer{p.as, p.as.Read32(p.off)}
}

// ReadCString reads a NUL-terminated string of at most limit bytes.
func (p Pointer) ReadCString(limit uint32) string {
	if uint64(p.off)+uint64(limit) > GuestRange {
		limit = uint32(GuestRange - uint64(p.off))
	}
	data := p.as.Bytes(p.off, limit)
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}
