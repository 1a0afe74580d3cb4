package procpatch

import (
	"errors"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/pboyd/procpatch/elfimg"
)

type symbolKey struct {
	path   string
	symbol string
}

// FindExternalSymbol returns the address of symbol in the target's mapping
// of module. The symbol's offset comes from the module's file on disk and is
// added to the module's current base address.
func (h *Handle) FindExternalSymbol(module, symbol string) (uintptr, error) {
	level.Debug(h.logger).Log("msg", "find external symbol", "module", module, "symbol", symbol)

	path, err := h.FullModulePath(module)
	if err != nil {
		return 0, err
	}

	offset, err := h.symbolOffset(path, symbol)
	if err != nil {
		h.countError("symbol", err)
		return 0, err
	}

	// Always re-read the base. The offset is stable but the mapping is not.
	base := h.ModuleBaseAddress(module)
	if base == 0 {
		err := fmt.Errorf("module %q unmapped: %w", module, ErrNotFound)
		h.countError("symbol", err)
		return 0, err
	}
	return base + uintptr(offset), nil
}

func (h *Handle) symbolOffset(path, symbol string) (uint64, error) {
	key := symbolKey{path: path, symbol: symbol}
	if h.symbols != nil {
		if offset, ok := h.symbols.Get(key); ok {
			return offset, nil
		}
	}

	var (
		offset uint64
		found  bool
	)
	err := elfimg.Open(path, func(img *elfimg.Image) error {
		var err error
		offset, found, err = h.lookupSymbol(img, symbol)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("symbol %s in %s: %w", symbol, path, err)
	}
	if !found {
		return 0, fmt.Errorf("symbol %s in %s: %w", symbol, path, ErrNotFound)
	}

	if h.symbols != nil {
		h.symbols.Add(key, offset)
	}
	return offset, nil
}

func (h *Handle) lookupSymbol(img *elfimg.Image, symbol string) (uint64, bool, error) {
	if offset, ok := img.LookupSymbolByName(symbol); ok {
		return offset, true, nil
	}

	if h.opts.DemangleOptions != nil {
		if offset, ok := img.LookupDemangled(symbol, h.opts.DemangleOptions...); ok {
			level.Debug(h.logger).Log("msg", "found demangled symbol", "symbol", symbol)
			return offset, true, nil
		}
	}

	if h.opts.MiniDebugInfo {
		var (
			offset uint64
			found  bool
		)
		err := img.MiniDebugInfo(func(debug *elfimg.Image) error {
			offset, found = debug.LookupSymbolByName(symbol)
			return nil
		})
		switch {
		case found:
			level.Debug(h.logger).Log("msg", "found symbol in minidebuginfo", "symbol", symbol)
			return offset, true, nil
		case err != nil && !errors.Is(err, elfimg.ErrNoMiniDebugInfo):
			level.Warn(h.logger).Log("msg", "unreadable minidebuginfo", "err", err)
		}
	}

	if _, ok := img.SymbolSection(); !ok {
		return 0, false, elfimg.ErrNoSymbolTable
	}
	return 0, false, nil
}
