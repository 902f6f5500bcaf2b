package emu

import "math"

// Guest calling convention: integer arguments in r3-r10, floating-point
// arguments in f1-f13, the rest on the stack starting at r1+0x54 in 8-byte
// slots. Results come back in r3 or f1.
const (
	firstIntArg    = 3
	intArgRegs     = 8
	firstFloatArg  = 1
	floatArgRegs   = 13
	stackArgOffset = 0x54
	stackArgStride = 8
)

// ArgInt returns integer argument i (0-based).
func (c *Context) ArgInt(i int) uint64 {
	if i < intArgRegs {
		return c.R[firstIntArg+i]
	}
	return c.as.Read64(c.stackArgAddr(i - intArgRegs))
}

// ArgInt32 returns the low 32 bits of integer argument i.
func (c *Context) ArgInt32(i int) uint32 {
	return uint32(c.ArgInt(i))
}

// SetArgInt stores integer argument i for a call into guest code.
func (c *Context) SetArgInt(i int, v uint64) {
	if i < intArgRegs {
		c.R[firstIntArg+i] = v
		return
	}
	c.as.Write64(c.stackArgAddr(i - intArgRegs), v)
}

// ArgFloat returns floating-point argument i (0-based). Arguments past the
// register set are read from the stack as doubles.
func (c *Context) ArgFloat(i int) float64 {
	if i < floatArgRegs {
		return c.F[firstFloatArg+i]
	}
	return math.Float64frombits(c.as.Read64(c.stackArgAddr(i - floatArgRegs)))
}

// SetArgFloat stores floating-point argument i for a call into guest code.
func (c *Context) SetArgFloat(i int, v float64) {
	if i < floatArgRegs {
		c.F[firstFloatArg+i] = v
		return
	}
	c.as.Write64(c.stackArgAddr(i - floatArgRegs), math.Float64bits(v))
}

// SetReturn sets the integer return value.
func (c *Context) SetReturn(v uint64) {
	c.R[RegReturn] = v
}

// SetReturnFloat sets the floating-point return value.
func (c *Context) SetReturnFloat(v float64) {
	c.F[1] = v
}

// Return returns the integer return value.
func (c *Context) Return() uint64 {
	return c.R[RegReturn]
}

func (c *Context) stackArgAddr(slot int) uint32 {
	return uint32(c.R[RegStack]) + stackArgOffset + uint32(slot)*stackArgStride
}
