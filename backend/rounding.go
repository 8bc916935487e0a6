package backend

// RoundingDomain names one of the guest's two floating-point control domains.
type RoundingDomain uint8

const (
	// DomainFPU is the scalar floating-point unit.
	DomainFPU RoundingDomain = iota
	// DomainVMX is the vector unit.
	DomainVMX
)

func (d RoundingDomain) String() string {
	if d == DomainVMX {
		return "vmx"
	}
	return "fpu"
}

// MXCSR bits.
const (
	MXCSRFlushToZero      = 0x8000
	MXCSRDenormalsAreZero = 0x0040
	MXCSRExceptionMask    = 0x1F80

	// DefaultFPUMXCSR is the host default: round to nearest, all exceptions
	// masked.
	DefaultFPUMXCSR = MXCSRExceptionMask
	// DefaultVMXMXCSR flushes denormals in and out, round to nearest.
	DefaultVMXMXCSR = MXCSRFlushToZero | MXCSRDenormalsAreZero | MXCSRExceptionMask
)

// mxcsrTable maps the guest scalar control bits (RN in bits 0-1, non-IEEE in
// bit 2) to a host control word. Guest RN 1 (toward zero) is host RC 3, guest
// RN 3 (toward -inf) is host RC 1.
var mxcsrTable = [8]uint32{
	0x1F80, 0x7F80, 0x5F80, 0x3F80,
	0x9F80, 0xFF80, 0xDF80, 0xBF80,
}

// ScalarControlWord returns the host control word for guest scalar control
// bits.
func ScalarControlWord(mode uint32) uint32 {
	return mxcsrTable[mode&7]
}

// VectorControlWord returns the host control word for the guest vector unit
// with non-Java mode on or off.
func VectorControlWord(nonJava bool) uint32 {
	if nonJava {
		return DefaultVMXMXCSR
	}
	return MXCSRExceptionMask
}

// ControlRegister is the single physical floating-point control register of
// the host thread.
type ControlRegister interface {
	Load() uint32
	Store(value uint32)
}

// SoftControlRegister is a ControlRegister held in memory. It counts reloads
// so callers can see when the physical register would have been written.
type SoftControlRegister struct {
	value   uint32
	reloads uint64
}

// NewSoftControlRegister creates a register holding the host default.
func NewSoftControlRegister() *SoftControlRegister {
	return &SoftControlRegister{value: DefaultFPUMXCSR}
}

// Load returns the current value.
func (r *SoftControlRegister) Load() uint32 {
	return r.value
}

// Store writes the register.
func (r *SoftControlRegister) Store(value uint32) {
	r.value = value
	r.reloads++
}

// Reloads returns how many times the register was written.
func (r *SoftControlRegister) Reloads() uint64 {
	return r.reloads
}

// LoadedDomain returns the domain whose control word is in the physical
// register.
func (c *ThreadContext) LoadedDomain() RoundingDomain {
	if c.flags&flagMXCSRMode != 0 {
		return DomainVMX
	}
	return DomainFPU
}

// ControlWord returns the logical control word of domain d.
func (c *ThreadContext) ControlWord(d RoundingDomain) uint32 {
	if d == DomainVMX {
		return c.mxcsrVMX
	}
	return c.mxcsrFPU
}

// SetRoundingMode updates the logical control word of domain d. For the
// scalar domain mode holds the guest RN and non-IEEE bits; for the vector
// domain bit 0 is the non-Java bit. The physical register is written only if
// d is currently loaded; otherwise the change applies at the next switch.
func (c *ThreadContext) SetRoundingMode(reg ControlRegister, d RoundingDomain, mode uint32) {
	var word uint32
	if d == DomainVMX {
		nonJava := mode&1 != 0
		word = VectorControlWord(nonJava)
		c.mxcsrVMX = word
		c.setFlag(flagNonJavaMode, nonJava)
	} else {
		word = ScalarControlWord(mode)
		c.mxcsrFPU = word
		c.setFlag(flagNonIEEEMode, mode&4 != 0)
	}
	if c.LoadedDomain() == d {
		reg.Store(word)
	}
}

// EnsureDomain loads the control word of d into the physical register if the
// other domain is loaded. It reports whether a reload happened.
func (c *ThreadContext) EnsureDomain(reg ControlRegister, d RoundingDomain) bool {
	if c.LoadedDomain() == d {
		return false
	}
	reg.Store(c.ControlWord(d))
	c.setFlag(flagMXCSRMode, d == DomainVMX)
	return true
}
