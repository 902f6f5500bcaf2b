package emu

import "math"

// Vec is one 128-bit vector register, held as four 32-bit lanes in guest
// element order.
type Vec [4]uint32

// XER holds the fixed-point exception flags.
type XER struct {
	// SO is the sticky summary-overflow flag copied into every CR update.
	SO bool
	// OV is the overflow flag.
	OV bool
	// CA is the carry flag.
	CA bool
}

// RegFile represents the PowerPC register file seen by translated code.
// It contains 32 general-purpose registers, 32 floating-point registers,
// 128 vector registers, the condition register and the link and count
// registers.
type RegFile struct {
	// R holds general-purpose registers r0-r31. r1 is the stack pointer
	// and r13 points at the processor control region.
	R [32]uint64

	// F holds floating-point registers f0-f31.
	F [32]float64

	// V holds the vector registers.
	V [128]Vec

	// CR is the 32-bit condition register, eight 4-bit fields with field 0
	// in the most significant nibble.
	CR uint32

	// LR is the link register.
	LR uint64

	// CTR is the count register.
	CTR uint64

	XER   XER
	FPSCR uint32
	VSCR  uint32
}

// Condition register bits within a field.
const (
	CRLT uint32 = 0x8
	CRGT uint32 = 0x4
	CREQ uint32 = 0x2
	CRSO uint32 = 0x1
)

// ReadReg reads a 64-bit general-purpose register.
func (r *RegFile) ReadReg(reg uint8) uint64 {
	if reg >= 32 {
		return 0
	}
	return r.R[reg]
}

// WriteReg writes a 64-bit general-purpose register. Out-of-range writes are
// ignored.
func (r *RegFile) WriteReg(reg uint8, value uint64) {
	if reg >= 32 {
		return
	}
	r.R[reg] = value
}

// ReadReg32 reads the lower 32 bits of a register.
func (r *RegFile) ReadReg32(reg uint8) uint32 {
	return uint32(r.ReadReg(reg))
}

// WriteReg32 writes to the lower 32 bits and zero-extends.
func (r *RegFile) WriteReg32(reg uint8, value uint32) {
	r.WriteReg(reg, uint64(value))
}

// CRField returns condition register field n (0-7) as a 4-bit value.
func (r *RegFile) CRField(n uint8) uint32 {
	shift := 28 - 4*uint32(n&7)
	return (r.CR >> shift) & 0xF
}

// SetCRField replaces condition register field n with the low 4 bits of v.
func (r *RegFile) SetCRField(n uint8, v uint32) {
	shift := 28 - 4*uint32(n&7)
	r.CR = r.CR&^(0xF<<shift) | (v&0xF)<<shift
}

// SetCR sets field n from a comparison outcome. The SO bit mirrors XER.SO.
func (r *RegFile) SetCR(n uint8, lt, gt, eq bool) {
	var v uint32
	if lt {
		v |= CRLT
	}
	if gt {
		v |= CRGT
	}
	if eq {
		v |= CREQ
	}
	if r.XER.SO {
		v |= CRSO
	}
	r.SetCRField(n, v)
}

// CompareSigned records a signed comparison of a and b in field n.
func (r *RegFile) CompareSigned(n uint8, a, b int64) {
	r.SetCR(n, a < b, a > b, a == b)
}

// CompareUnsigned records an unsigned comparison of a and b in field n.
func (r *RegFile) CompareUnsigned(n uint8, a, b uint64) {
	r.SetCR(n, a < b, a > b, a == b)
}

// CompareFloat records a floating-point comparison in field n. An unordered
// result sets only the SO position, which doubles as the unordered bit.
func (r *RegFile) CompareFloat(n uint8, a, b float64) {
	if math.IsNaN(a) || math.IsNaN(b) {
		r.SetCRField(n, CRSO)
		return
	}
	var v uint32
	switch {
	case a < b:
		v = CRLT
	case a > b:
		v = CRGT
	default:
		v = CREQ
	}
	r.SetCRField(n, v)
}

// AddCarry returns a+b and sets XER.CA from the 32-bit unsigned carry out.
func (r *RegFile) AddCarry(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	r.XER.CA = sum > math.MaxUint32
	return uint32(sum)
}
