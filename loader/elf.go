// Package loader loads 32-bit big-endian PowerPC ELF images into the guest
// address space.
package loader

import (
	"debug/elf"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/sarchlab/recompbridge/mem"
)

// ImageRegion is the layout region segments are mapped into.
const ImageRegion = "image"

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

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the guest offset the segment is loaded at.
	VirtAddr uint32
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint32
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// End returns the guest offset one past the segment.
func (s *Segment) End() uint64 {
	return uint64(s.VirtAddr) + uint64(s.MemSize)
}

// Program represents a parsed guest image.
type Program struct {
	// EntryPoint is the guest offset of the image entry function.
	EntryPoint uint32
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
}

// Load parses a PowerPC ELF image.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ELF file")
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS32 {
		return nil, errors.New("not a 32-bit ELF file")
	}
	if f.Data != elf.ELFDATA2MSB {
		return nil, errors.New("not a big-endian ELF file")
	}
	if f.Machine != elf.EM_PPC {
		return nil, errors.Newf("not a PowerPC ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{EntryPoint: uint32(f.Entry)}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.Filesz > phdr.Memsz {
			return nil, errors.Newf("segment at 0x%x has file size 0x%x > memory size 0x%x",
				phdr.Vaddr, phdr.Filesz, phdr.Memsz)
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

// Map copies the segments into as and zero-fills their BSS tails. Every
// segment must lie inside the layout's image region; nothing is written
// if one does not.
func (p *Program) Map(as *mem.AddressSpace, layout *mem.Layout) error {
	image, ok := layout.Find(ImageRegion)
	if !ok {
		return errors.Newf("layout has no %q region", ImageRegion)
	}

	for i := range p.Segments {
		seg := &p.Segments[i]
		if seg.VirtAddr < image.Start || seg.End() > image.End {
			return errors.Newf("segment [0x%08X, 0x%09X) lies outside the image region [0x%08X, 0x%09X)",
				seg.VirtAddr, seg.End(), image.Start, image.End)
		}
	}
	if !image.Contains(p.EntryPoint) {
		return errors.Newf("entry point 0x%08X lies outside the image region", p.EntryPoint)
	}

	for i := range p.Segments {
		seg := &p.Segments[i]
		as.WriteBytes(seg.VirtAddr, seg.Data)
		if bss := seg.MemSize - uint32(len(seg.Data)); bss > 0 {
			as.Zero(seg.VirtAddr+uint32(len(seg.Data)), bss)
		}
	}
	return nil
}

// Size returns the number of guest bytes the segments occupy.
func (p *Program) Size() uint64 {
	var n uint64
	for _, seg := range p.Segments {
		n += uint64(seg.MemSize)
	}
	return n
}
