package elfimg

import (
	"debug/elf"
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is one symbol table entry. Value is relative to the image's load
// address for shared objects.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Info    uint8
	Other   uint8
	Section elf.SectionIndex
}

func (s Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// SymbolFilter decides which symbols a lookup considers.
type SymbolFilter func(Symbol) bool

// BindMaskFilter accepts a symbol when its binding shares a bit with
// STT_FUNC|STB_GLOBAL. That mixes a type constant into a binding test, so in
// practice it admits GLOBAL and WEAK symbols of any type and drops LOCAL
// ones. Lookups use it unless told otherwise.
func BindMaskFilter(s Symbol) bool {
	return uint8(s.Bind())&(uint8(elf.STT_FUNC)|uint8(elf.STB_GLOBAL)) != 0
}

// ExportedFuncFilter accepts GLOBAL or WEAK functions.
func ExportedFuncFilter(s Symbol) bool {
	switch s.Bind() {
	case elf.STB_GLOBAL, elf.STB_WEAK:
		return s.Type() == elf.STT_FUNC
	}
	return false
}

// ForEachSymbol calls visit for every symbol accepted by BindMaskFilter,
// in table order, until visit returns false.
func (img *Image) ForEachSymbol(visit func(Symbol) bool) error {
	return img.ForEachSymbolFiltered(BindMaskFilter, visit)
}

// ForEachSymbolFiltered is ForEachSymbol with a caller supplied filter. A
// nil filter accepts everything, including the null symbol at index 0.
func (img *Image) ForEachSymbolFiltered(filter SymbolFilter, visit func(Symbol) bool) error {
	symtab, ok := img.SymbolSection()
	if !ok {
		return ErrNoSymbolTable
	}
	strtab, ok := img.Section(int(symtab.Link))
	if !ok {
		return fmt.Errorf("%w: string table index %d out of range", ErrNoSymbolTable, symtab.Link)
	}

	syms := img.SectionData(symtab)
	strs := img.SectionData(strtab)

	minSize := uint64(elf.Sym64Size)
	if img.header.Class == elf.ELFCLASS32 {
		minSize = elf.Sym32Size
	}
	entSize := symtab.EntSize
	if entSize == 0 {
		entSize = minSize
	}
	if entSize < minSize {
		return fmt.Errorf("%w: symbol entry size %d", ErrMalformed, entSize)
	}

	for off := uint64(0); off+entSize <= uint64(len(syms)); off += entSize {
		sym := img.decodeSymbol(syms[off:off+minSize], strs)
		if filter != nil && !filter(sym) {
			continue
		}
		if !visit(sym) {
			break
		}
	}

	return nil
}

func (img *Image) decodeSymbol(buf, strs []byte) Symbol {
	o := img.order
	if img.header.Class == elf.ELFCLASS32 {
		return Symbol{
			Name:    cstring(strs, o.Uint32(buf[0:])),
			Value:   uint64(o.Uint32(buf[4:])),
			Size:    uint64(o.Uint32(buf[8:])),
			Info:    buf[12],
			Other:   buf[13],
			Section: elf.SectionIndex(o.Uint16(buf[14:])),
		}
	}

	return Symbol{
		Name:    cstring(strs, o.Uint32(buf[0:])),
		Info:    buf[4],
		Other:   buf[5],
		Section: elf.SectionIndex(o.Uint16(buf[6:])),
		Value:   o.Uint64(buf[8:]),
		Size:    o.Uint64(buf[16:]),
	}
}

// LookupSymbolByName returns the value of the first symbol named name.
func (img *Image) LookupSymbolByName(name string) (uint64, bool) {
	return img.lookup(func(s Symbol) bool {
		return s.Name == name
	})
}

// LookupDemangled is LookupSymbolByName against demangled symbol names, so
// "ns::fn()" finds "_ZN2ns2fnEv". Names that don't demangle are compared as
// they are.
func (img *Image) LookupDemangled(name string, opts ...demangle.Option) (uint64, bool) {
	return img.lookup(func(s Symbol) bool {
		return demangle.Filter(s.Name, opts...) == name
	})
}

func (img *Image) lookup(match func(Symbol) bool) (uint64, bool) {
	var (
		value uint64
		found bool
	)
	err := img.ForEachSymbol(func(s Symbol) bool {
		if match(s) {
			value, found = s.Value, true
			return false
		}
		return true
	})
	if err != nil {
		return 0, false
	}
	return value, found
}
