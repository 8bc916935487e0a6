package backend

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders host code placed at base, one instruction per line.
// Undecodable bytes are shown as db.
func Disassemble(code []byte, base uintptr) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "%#x: db 0x%02x\n", base+uintptr(offset), code[offset])
			offset++
			continue
		}

		hexBytes := make([]string, inst.Len)
		for i := range hexBytes {
			hexBytes[i] = fmt.Sprintf("%02x", code[offset+i])
		}
		fmt.Fprintf(&sb, "%#x: %-30s %s\n",
			base+uintptr(offset),
			strings.Join(hexBytes, " "),
			x86asm.GoSyntax(inst, uint64(base)+uint64(offset), nil))
		offset += inst.Len
	}
	return sb.String()
}

// DisassembleEmitted renders one of the backend's generated routines.
func (b *Backend) DisassembleEmitted(e EmittedCode) (string, error) {
	code, err := b.codeCache.ReadCode(e.Address, e.Size)
	if err != nil {
		return "", err
	}
	return Disassemble(code, e.Address), nil
}
