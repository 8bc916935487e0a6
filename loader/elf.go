// Package loader reads 32-bit big-endian PowerPC ELF images into guest
// memory.
package loader

import (
	"debug/elf"
	"io"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/sarchlab/xrt/emu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// DefaultStackTop is the initial guest stack pointer. The stack grows down
// from just below the trampoline range.
const DefaultStackTop = 0x70000000

// DefaultStackSize is the default stack size (1MB).
const DefaultStackSize = 1024 * 1024

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the guest address where this segment should be loaded.
	VirtAddr uint32
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint32
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Range is a half-open guest address range.
type Range struct {
	Low  uint32
	High uint32
}

// Program represents a parsed guest image.
type Program struct {
	// EntryPoint is the guest address where execution should begin.
	EntryPoint uint32
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
	// InitialSP is the initial guest stack pointer value.
	InitialSP uint32
}

// Load parses a PowerPC ELF image from path.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ELF file")
	}
	defer func() { _ = f.Close() }()

	return parse(f)
}

// LoadReader parses a PowerPC ELF image from r.
func LoadReader(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF file")
	}
	return parse(f)
}

func parse(f *elf.File) (*Program, error) {
	if f.Class != elf.ELFCLASS32 {
		return nil, errors.New("not a 32-bit ELF file")
	}
	if f.Data != elf.ELFDATA2MSB {
		return nil, errors.New("not a big-endian ELF file")
	}
	if f.Machine != elf.EM_PPC {
		return nil, errors.Newf("not a PowerPC ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{
		EntryPoint: uint32(f.Entry),
		InitialSP:  DefaultStackTop,
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, errors.Wrapf(err, "failed to read segment at 0x%x", phdr.Vaddr)
			}
			if uint64(n) != phdr.Filesz {
				return nil, errors.Newf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: uint32(phdr.Vaddr),
			Data:     data,
			MemSize:  uint32(phdr.Memsz),
			Flags:    flags,
		})
	}

	return prog, nil
}

// LoadInto copies every segment into mem and zero-fills the BSS tails.
func (p *Program) LoadInto(mem *emu.Memory) {
	for _, seg := range p.Segments {
		mem.WriteBytes(seg.VirtAddr, seg.Data)
		if seg.MemSize > uint32(len(seg.Data)) {
			mem.Zero(seg.VirtAddr+uint32(len(seg.Data)), seg.MemSize-uint32(len(seg.Data)))
		}
	}
}

// ExecutableRanges returns the address ranges of executable segments, sorted
// and with adjacent ranges merged.
func (p *Program) ExecutableRanges() []Range {
	var ranges []Range
	for _, seg := range p.Segments {
		if seg.Flags&SegmentFlagExecute == 0 || seg.MemSize == 0 {
			continue
		}
		ranges = append(ranges, Range{Low: seg.VirtAddr, High: seg.VirtAddr + seg.MemSize})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Low < ranges[j].Low })

	merged := ranges[:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.Low <= merged[n-1].High {
			merged[n-1].High = max(merged[n-1].High, r.High)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
