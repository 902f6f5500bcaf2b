package heap

import (
	"github.com/cockroachdb/errors"

	"github.com/sarchlab/recompbridge/mem"
)

// Allocation flags understood by AllocMem, matching the guest XAllocMem
// attribute word.
const (
	FlagPhysical  uint32 = 0x80000000
	FlagZero      uint32 = 0x40000000
	alignShift           = 24
	alignFieldMax uint32 = 0xF
)

// User bundles the general and physical heaps behind the guest allocation
// calls.
type User struct {
	as       *mem.AddressSpace
	General  *General
	Physical *Physical
}

// NewUser creates both heaps over the given ranges.
func NewUser(as *mem.AddressSpace, general, physical mem.Region, opts ...Option) (*User, error) {
	if general.Overlaps(physical) {
		return nil, errors.Newf("heap ranges overlap: %q and %q", general.Name, physical.Name)
	}
	return &User{
		as:       as,
		General:  NewGeneral(as, general.Start, general.End, append(opts, WithName("general"))...),
		Physical: NewPhysical(as, physical.Start, physical.End, append(opts, WithName("physical"))...),
	}, nil
}

// AllocMem serves a guest allocation request. Bit 31 of flags selects the
// physical heap with an alignment of 1 << ((flags >> 24) & 0xF); bit 30
// asks for zeroed memory. It returns 0 on failure.
func (u *User) AllocMem(size, flags uint32) uint32 {
	var g uint32
	if flags&FlagPhysical != 0 {
		g = u.Physical.Alloc(size, 1<<((flags>>alignShift)&alignFieldMax))
	} else {
		g = u.General.Alloc(size)
	}
	if g != 0 && flags&FlagZero != 0 {
		u.as.Zero(g, size)
	}
	return g
}

// FreeMem frees a block from whichever heap owns it.
func (u *User) FreeMem(g uint32) {
	switch {
	case g == 0:
	case u.Physical.Owns(g):
		u.Physical.Free(g)
	default:
		u.General.Free(g)
	}
}

// SizeMem returns the usable size of a block from either heap.
func (u *User) SizeMem(g uint32) uint32 {
	if u.Physical.Owns(g) {
		return u.Physical.Size(g)
	}
	return u.General.Size(g)
}

// MustAlloc allocates from the general heap and panics on exhaustion. The
// hosted code has no recovery path for a failed allocation.
func (u *User) MustAlloc(size uint32) uint32 {
	g := u.General.Alloc(size)
	if g == 0 {
		panic(errors.Newf("general heap exhausted allocating %d bytes", size))
	}
	return g
}

// MustAllocPhysical allocates from the physical heap and panics on
// exhaustion.
func (u *User) MustAllocPhysical(size, align uint32) uint32 {
	g := u.Physical.Alloc(size, align)
	if g == 0 {
		panic(errors.Newf("physical heap exhausted allocating %d bytes aligned to 0x%X", size, align))
	}
	return g
}
