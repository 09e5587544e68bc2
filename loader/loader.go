// Package loader reads executable images into memory segments.
package loader

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// ErrUnsupportedMachine is returned for images of an unknown architecture.
var ErrUnsupportedMachine = errors.New("unsupported machine")

// Segment is a contiguous range of the image mapped at Addr.
type Segment struct {
	Name  string
	Addr  uint64
	Data  []byte
	Exec  bool
	Write bool
}

// End returns the address following the last byte of the segment.
func (s *Segment) End() uint64 { return s.Addr + uint64(len(s.Data)) }

// Contains returns true if addr lies within the segment.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.End()
}

// File is a loaded image.
type File struct {
	Path     string
	Mode     int // processor mode in bits
	Entry    uint64
	Segments []Segment
}

// Open reads the loadable segments of an ELF image.
func Open(path string) (*File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file := &File{Path: path, Entry: f.Entry}
	switch f.Machine {
	case elf.EM_X86_64:
		file.Mode = 64
	case elf.EM_386:
		file.Mode = 32
	default:
		return nil, errors.Wrapf(ErrUnsupportedMachine, "%s", f.Machine)
	}

	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, errors.Wrapf(err, "read segment %d", i)
		}
		file.Segments = append(file.Segments, Segment{
			Name:  segmentName(f, prog),
			Addr:  prog.Vaddr,
			Data:  data,
			Exec:  prog.Flags&elf.PF_X != 0,
			Write: prog.Flags&elf.PF_W != 0,
		})
	}
	return file, nil
}

// segmentName returns the name of the first section inside prog.
func segmentName(f *elf.File, prog *elf.Prog) string {
	for _, sec := range f.Sections {
		if sec.Addr != 0 && sec.Addr >= prog.Vaddr && sec.Addr < prog.Vaddr+prog.Memsz {
			return sec.Name
		}
	}
	return ""
}

// Raw returns a file holding a single executable segment.
func Raw(data []byte, addr uint64, mode int) *File {
	return &File{
		Mode:     mode,
		Entry:    addr,
		Segments: []Segment{{Name: "raw", Addr: addr, Data: data, Exec: true}},
	}
}

// Executable returns the executable segments.
func (f *File) Executable() []Segment {
	var a []Segment
	for _, s := range f.Segments {
		if s.Exec {
			a = append(a, s)
		}
	}
	return a
}

// Writable returns the writable segments.
func (f *File) Writable() []Segment {
	var a []Segment
	for _, s := range f.Segments {
		if s.Write {
			a = append(a, s)
		}
	}
	return a
}

// Search returns the address of every occurrence of pattern.
func (f *File) Search(pattern []byte) []uint64 {
	if len(pattern) == 0 {
		return nil
	}

	var a []uint64
	for _, s := range f.Segments {
		for off := 0; ; {
			i := bytes.Index(s.Data[off:], pattern)
			if i < 0 {
				break
			}
			a = append(a, s.Addr+uint64(off+i))
			off += i + 1
		}
	}
	return a
}
