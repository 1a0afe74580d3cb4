// Package elftest builds small ELF images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is a symbol to place in a table.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Info  uint8
}

// Func returns a GLOBAL FUNC symbol.
func Func(name string, value uint64) Symbol {
	return Symbol{Name: name, Value: value, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)}
}

type section struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	entSize uint64
}

// Builder assembles a little-endian ELF image with a section header table
// and no program headers.
type Builder struct {
	class    elf.Class
	machine  elf.Machine
	sections []section
}

func NewBuilder(class elf.Class) *Builder {
	machine := elf.EM_X86_64
	if class == elf.ELFCLASS32 {
		machine = elf.EM_ARM
	}
	return &Builder{
		class:    class,
		machine:  machine,
		sections: []section{{}},
	}
}

// Symtab adds a .symtab section and its .strtab.
func (b *Builder) Symtab(syms ...Symbol) *Builder {
	return b.symbols(elf.SHT_SYMTAB, ".symtab", ".strtab", syms)
}

// Dynsym adds a .dynsym section and its .dynstr.
func (b *Builder) Dynsym(syms ...Symbol) *Builder {
	return b.symbols(elf.SHT_DYNSYM, ".dynsym", ".dynstr", syms)
}

// Section adds an arbitrary section.
func (b *Builder) Section(name string, typ elf.SectionType, data []byte) *Builder {
	b.sections = append(b.sections, section{name: name, typ: typ, data: data})
	return b
}

func (b *Builder) symbols(typ elf.SectionType, name, strName string, syms []Symbol) *Builder {
	strtab := []byte{0}
	var buf bytes.Buffer
	b.writeSym(&buf, 0, Symbol{})
	for _, s := range syms {
		off := uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
		b.writeSym(&buf, off, s)
	}

	entSize := uint64(elf.Sym64Size)
	if b.class == elf.ELFCLASS32 {
		entSize = elf.Sym32Size
	}

	b.sections = append(b.sections, section{
		name:    name,
		typ:     typ,
		data:    buf.Bytes(),
		link:    uint32(len(b.sections) + 1),
		entSize: entSize,
	})
	b.sections = append(b.sections, section{name: strName, typ: elf.SHT_STRTAB, data: strtab})
	return b
}

func (b *Builder) writeSym(buf *bytes.Buffer, name uint32, s Symbol) {
	var shndx uint16
	if s.Name != "" {
		shndx = 1
	}

	if b.class == elf.ELFCLASS32 {
		binary.Write(buf, binary.LittleEndian, elf.Sym32{
			Name:  name,
			Value: uint32(s.Value),
			Size:  uint32(s.Size),
			Info:  s.Info,
			Shndx: shndx,
		})
		return
	}
	binary.Write(buf, binary.LittleEndian, elf.Sym64{
		Name:  name,
		Info:  s.Info,
		Shndx: shndx,
		Value: s.Value,
		Size:  s.Size,
	})
}

// Bytes lays out the header, the section contents, a .shstrtab and the
// section header table, in that order.
func (b *Builder) Bytes() []byte {
	sections := append([]section(nil), b.sections...)

	shstrtab := []byte{0}
	names := make([]uint32, len(sections)+1)
	for i := 1; i < len(sections); i++ {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sections[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	names[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab})

	ehsize, shentsize := uint64(64), uint16(64)
	if b.class == elf.ELFCLASS32 {
		ehsize, shentsize = 52, 40
	}

	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	off := ehsize
	for i, s := range sections {
		offsets[i] = off
		body.Write(s.data)
		off += uint64(len(s.data))
	}
	pad := (8 - off%8) % 8
	body.Write(make([]byte, pad))
	shoff := off + pad

	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(b.class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}

	var out bytes.Buffer
	if b.class == elf.ELFCLASS32 {
		binary.Write(&out, binary.LittleEndian, elf.Header32{
			Ident:     ident,
			Type:      uint16(elf.ET_DYN),
			Machine:   uint16(b.machine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     uint32(shoff),
			Ehsize:    uint16(ehsize),
			Shentsize: shentsize,
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	} else {
		binary.Write(&out, binary.LittleEndian, elf.Header64{
			Ident:     ident,
			Type:      uint16(elf.ET_DYN),
			Machine:   uint16(b.machine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     shoff,
			Ehsize:    uint16(ehsize),
			Shentsize: shentsize,
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	}
	out.Write(body.Bytes())

	for i, s := range sections {
		if i == 0 {
			out.Write(make([]byte, shentsize))
			continue
		}
		if b.class == elf.ELFCLASS32 {
			binary.Write(&out, binary.LittleEndian, elf.Section32{
				Name:      names[i],
				Type:      uint32(s.typ),
				Off:       uint32(offsets[i]),
				Size:      uint32(len(s.data)),
				Link:      s.link,
				Addralign: 1,
				Entsize:   uint32(s.entSize),
			})
			continue
		}
		binary.Write(&out, binary.LittleEndian, elf.Section64{
			Name:      names[i],
			Type:      uint32(s.typ),
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Addralign: 1,
			Entsize:   s.entSize,
		})
	}

	return out.Bytes()
}
