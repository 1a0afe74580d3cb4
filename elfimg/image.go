// Package elfimg reads section and symbol tables straight out of a mapped
// ELF file.
package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrOpenFailed is returned when an image file can't be opened or
	// mapped.
	ErrOpenFailed = errors.New("open failed")

	// ErrMalformed is returned for data that is not a well-formed ELF image.
	ErrMalformed = errors.New("malformed ELF image")

	// ErrNoSymbolTable is returned when an image has neither .symtab nor
	// .dynsym, or its string table is missing.
	ErrNoSymbolTable = errors.New("no symbol table")

	ErrNoMiniDebugInfo = errors.New("no .gnu_debugdata section")
)

// Header is the ELF file header with both classes widened to 64 bits.
type Header struct {
	Class     elf.Class
	Data      elf.Data
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Section is one section header table entry.
type Section struct {
	Index      int
	NameOffset uint32
	Type       elf.SectionType
	Flags      elf.SectionFlag
	Addr       uint64
	Offset     uint64
	Size       uint64
	Link       uint32
	Info       uint32
	AddrAlign  uint64
	EntSize    uint64
}

// Image is a read-only view of an ELF file held in memory.
type Image struct {
	data   []byte
	order  binary.ByteOrder
	header Header
}

// Open maps the file at path read-only and calls fn with an Image over it.
// The mapping and the file are released when fn returns, so neither the
// Image nor any slice taken from it may be kept.
func Open(path string, fn func(*Image) error) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrMalformed, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %w", ErrOpenFailed, path, err)
	}
	defer func() {
		if unmapErr := unix.Munmap(data); unmapErr != nil && err == nil {
			err = fmt.Errorf("munmap %s: %w", path, unmapErr)
		}
	}()

	img, err := NewImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { img.data = nil }()

	return fn(img)
}

// NewImage parses the header of data and returns an Image over it. data is
// not copied.
func NewImage(data []byte) (*Image, error) {
	if len(data) < elf.EI_NIDENT || !bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	img := &Image{data: data}

	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		img.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrMalformed, data[elf.EI_DATA])
	}

	r := bytes.NewReader(data)
	switch elf.Class(data[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(r, img.order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
		}
		img.header = Header{
			Entry:     uint64(hdr.Entry),
			Phoff:     uint64(hdr.Phoff),
			Shoff:     uint64(hdr.Shoff),
			Type:      elf.Type(hdr.Type),
			Machine:   elf.Machine(hdr.Machine),
			Flags:     hdr.Flags,
			Ehsize:    hdr.Ehsize,
			Phentsize: hdr.Phentsize,
			Phnum:     hdr.Phnum,
			Shentsize: hdr.Shentsize,
			Shnum:     hdr.Shnum,
			Shstrndx:  hdr.Shstrndx,
		}
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(r, img.order, &hdr); err != nil {
			return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
		}
		img.header = Header{
			Entry:     hdr.Entry,
			Phoff:     hdr.Phoff,
			Shoff:     hdr.Shoff,
			Type:      elf.Type(hdr.Type),
			Machine:   elf.Machine(hdr.Machine),
			Flags:     hdr.Flags,
			Ehsize:    hdr.Ehsize,
			Phentsize: hdr.Phentsize,
			Phnum:     hdr.Phnum,
			Shentsize: hdr.Shentsize,
			Shnum:     hdr.Shnum,
			Shstrndx:  hdr.Shstrndx,
		}
	default:
		return nil, fmt.Errorf("%w: unknown class %d", ErrMalformed, data[elf.EI_CLASS])
	}
	img.header.Class = elf.Class(data[elf.EI_CLASS])
	img.header.Data = elf.Data(data[elf.EI_DATA])

	if img.header.Shnum > 0 && img.header.Shentsize < img.sectionHeaderSize() {
		return nil, fmt.Errorf("%w: section header entry size %d", ErrMalformed, img.header.Shentsize)
	}

	return img, nil
}

func (img *Image) Header() Header {
	return img.header
}

func (img *Image) sectionHeaderSize() uint16 {
	if img.header.Class == elf.ELFCLASS32 {
		return 40
	}
	return 64
}

// Section returns the i'th section header. It returns false if i is outside
// the header's section count or the entry lies past the end of the image.
func (img *Image) Section(i int) (Section, bool) {
	if i < 0 || i >= int(img.header.Shnum) {
		return Section{}, false
	}

	start := img.header.Shoff + uint64(i)*uint64(img.header.Shentsize)
	end := start + uint64(img.sectionHeaderSize())
	if end < start || end > uint64(len(img.data)) {
		return Section{}, false
	}
	buf := img.data[start:end]
	o := img.order

	if img.header.Class == elf.ELFCLASS32 {
		return Section{
			Index:      i,
			NameOffset: o.Uint32(buf[0:]),
			Type:       elf.SectionType(o.Uint32(buf[4:])),
			Flags:      elf.SectionFlag(o.Uint32(buf[8:])),
			Addr:       uint64(o.Uint32(buf[12:])),
			Offset:     uint64(o.Uint32(buf[16:])),
			Size:       uint64(o.Uint32(buf[20:])),
			Link:       o.Uint32(buf[24:]),
			Info:       o.Uint32(buf[28:]),
			AddrAlign:  uint64(o.Uint32(buf[32:])),
			EntSize:    uint64(o.Uint32(buf[36:])),
		}, true
	}

	return Section{
		Index:      i,
		NameOffset: o.Uint32(buf[0:]),
		Type:       elf.SectionType(o.Uint32(buf[4:])),
		Flags:      elf.SectionFlag(o.Uint64(buf[8:])),
		Addr:       o.Uint64(buf[16:]),
		Offset:     o.Uint64(buf[24:]),
		Size:       o.Uint64(buf[32:]),
		Link:       o.Uint32(buf[40:]),
		Info:       o.Uint32(buf[44:]),
		AddrAlign:  o.Uint64(buf[48:]),
		EntSize:    o.Uint64(buf[56:]),
	}, true
}

// Sections iterates over the section header table in order.
func (img *Image) Sections() iter.Seq[Section] {
	return func(yield func(Section) bool) {
		for i := range int(img.header.Shnum) {
			s, ok := img.Section(i)
			if !ok || !yield(s) {
				return
			}
		}
	}
}

// SectionByType returns the first section of type t.
func (img *Image) SectionByType(t elf.SectionType) (Section, bool) {
	for s := range img.Sections() {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}

// SectionByName returns the first section named name.
func (img *Image) SectionByName(name string) (Section, bool) {
	for s := range img.Sections() {
		if img.SectionName(s) == name {
			return s, true
		}
	}
	return Section{}, false
}

// SymbolSection returns .symtab if there is one, otherwise .dynsym.
func (img *Image) SymbolSection() (Section, bool) {
	if s, ok := img.SectionByType(elf.SHT_SYMTAB); ok {
		return s, true
	}
	return img.SectionByType(elf.SHT_DYNSYM)
}

// SectionData returns the contents of s, or nil if s occupies no space in
// the file or extends past its end.
func (img *Image) SectionData(s Section) []byte {
	if s.Type == elf.SHT_NOBITS {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(img.data)) {
		return nil
	}
	return img.data[s.Offset:end]
}

// SectionName looks up the name of s in the section name string table.
func (img *Image) SectionName(s Section) string {
	names, ok := img.Section(int(img.header.Shstrndx))
	if !ok {
		return ""
	}
	return cstring(img.SectionData(names), s.NameOffset)
}

func cstring(table []byte, offset uint32) string {
	if uint64(offset) >= uint64(len(table)) {
		return ""
	}
	s := table[offset:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}
