package emu

// Vec128 is one 128-bit vector register, stored as four big-endian words.
type Vec128 [4]uint32

// CRField is one 4-bit condition register field.
type CRField struct {
	LT bool
	GT bool
	EQ bool
	SO bool
}

// XER holds the fixed-point exception register bits the runtime touches.
type XER struct {
	CA bool
	OV bool
	SO bool
}

// FPSCR rounding-control bits.
const (
	FPSCRRoundingMask = 0x3
	FPSCRNonIEEE      = 0x4
)

// GuestContext is the guest register block. Generated code addresses it
// through the context base register; the backend's thread context block sits
// immediately before it in memory.
type GuestContext struct {
	// R holds general-purpose registers r0-r31.
	R [32]uint64

	// F holds floating-point registers f0-f31.
	F [32]float64

	// V holds the 128 vector registers.
	V [128]Vec128

	LR  uint64
	CTR uint64
	MSR uint64
	XER XER

	// CR holds condition register fields cr0-cr7.
	CR [8]CRField

	// FPSCR is the floating-point status and control register.
	FPSCR uint32

	// VSCRNonJava mirrors the VSCR NJ bit (denormal flush for vector ops).
	VSCRNonJava bool

	// ThreadID identifies the guest hardware thread owning this block.
	ThreadID uint32

	// PC is the guest address of the next instruction.
	PC uint32
}

// ReadReg reads a general-purpose register.
func (c *GuestContext) ReadReg(reg uint8) uint64 {
	return c.R[reg&31]
}

// WriteReg writes a general-purpose register.
func (c *GuestContext) WriteReg(reg uint8, value uint64) {
	c.R[reg&31] = value
}

// ReadReg32 reads the low word of a register.
func (c *GuestContext) ReadReg32(reg uint8) uint32 {
	return uint32(c.ReadReg(reg))
}

// EffectiveAddress computes (rA|0) + disp, the guest D-form address.
func (c *GuestContext) EffectiveAddress(ra uint8, disp int16) uint32 {
	var base uint64
	if ra != 0 {
		base = c.ReadReg(ra)
	}
	return uint32(base + uint64(int64(disp)))
}

// IndexedAddress computes (rA|0) + rB, the guest X-form address.
func (c *GuestContext) IndexedAddress(ra, rb uint8) uint32 {
	var base uint64
	if ra != 0 {
		base = c.ReadReg(ra)
	}
	return uint32(base + c.ReadReg(rb))
}

// RoundingMode returns the FPSCR RN field.
func (c *GuestContext) RoundingMode() uint32 {
	return c.FPSCR & FPSCRRoundingMask
}
