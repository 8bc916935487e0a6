package backend

import (
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Extension is a bit in the host extension mask. The bit positions match the
// x64_extension_mask setting.
type Extension uint64

const (
	ExtAVX2 Extension = 1 << iota
	ExtFMA
	ExtLZCNT
	ExtBMI1
	ExtBMI2
	ExtF16C
	ExtMOVBE
	ExtGFNI
	ExtAVX512F
	ExtAVX512VL
	ExtAVX512BW
	ExtAVX512DQ
	ExtAVX512VBMI
)

var extensionFeatures = []struct {
	ext  Extension
	id   cpuid.FeatureID
	name string
}{
	{ExtAVX2, cpuid.AVX2, "avx2"},
	{ExtFMA, cpuid.FMA3, "fma"},
	{ExtLZCNT, cpuid.LZCNT, "lzcnt"},
	{ExtBMI1, cpuid.BMI1, "bmi1"},
	{ExtBMI2, cpuid.BMI2, "bmi2"},
	{ExtF16C, cpuid.F16C, "f16c"},
	{ExtMOVBE, cpuid.MOVBE, "movbe"},
	{ExtGFNI, cpuid.GFNI, "gfni"},
	{ExtAVX512F, cpuid.AVX512F, "avx512f"},
	{ExtAVX512VL, cpuid.AVX512VL, "avx512vl"},
	{ExtAVX512BW, cpuid.AVX512BW, "avx512bw"},
	{ExtAVX512DQ, cpuid.AVX512DQ, "avx512dq"},
	{ExtAVX512VBMI, cpuid.AVX512VBMI, "avx512vbmi"},
}

// Features is the set of host capabilities generated code may rely on.
type Features struct {
	// AVX is the baseline requirement; without it no vzeroupper is emitted.
	AVX        bool
	Extensions Extension
}

// Has reports whether ext is enabled.
func (f Features) Has(ext Extension) bool {
	return f.Extensions&ext == ext
}

func (f Features) String() string {
	var names []string
	if f.AVX {
		names = append(names, "avx")
	}
	for _, e := range extensionFeatures {
		if f.Has(e.ext) {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// DetectFeatures reads the host CPU and keeps only the extensions in mask.
func DetectFeatures(mask uint64) Features {
	f := Features{AVX: cpuid.CPU.Supports(cpuid.AVX)}
	for _, e := range extensionFeatures {
		if cpuid.CPU.Supports(e.id) {
			f.Extensions |= e.ext
		}
	}
	f.Extensions &= Extension(mask)
	return f
}
