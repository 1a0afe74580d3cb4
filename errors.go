package procpatch

import (
	"errors"
	"os"

	"github.com/pboyd/procpatch/elfimg"
)

var (
	// ErrNotFound is returned when a process, module or symbol is absent.
	ErrNotFound = errors.New("not found")

	// ErrOpenFailed is returned when a process or image channel could not
	// be opened.
	ErrOpenFailed = elfimg.ErrOpenFailed

	// ErrSeekFailed is returned when the memory channel can't be positioned
	// at an address, usually because the address is not mapped.
	ErrSeekFailed = errors.New("seek failed")

	// ErrNoSymbolTable is returned for images without .symtab or .dynsym.
	ErrNoSymbolTable = elfimg.ErrNoSymbolTable

	// ErrInsufficientSize is returned when a hook site is too small for
	// the detour, or when no cave is large enough.
	ErrInsufficientSize = errors.New("insufficient size")

	ErrMalformedSegment = errors.New("malformed maps line")
	ErrUnsupportedArch  = errors.New("unsupported architecture")
)

// errorType names err for metric labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrSeekFailed):
		return "ErrSeekFailed"
	case errors.Is(err, ErrNoSymbolTable):
		return "ErrNoSymbolTable"
	case errors.Is(err, ErrInsufficientSize):
		return "ErrInsufficientSize"
	case errors.Is(err, ErrUnsupportedArch):
		return "ErrUnsupportedArch"
	case errors.Is(err, os.ErrPermission):
		return "ErrPermission"
	case errors.Is(err, os.ErrNotExist):
		return "ErrNotExist"
	case errors.Is(err, ErrOpenFailed):
		return "ErrOpenFailed"
	}
	return "Other"
}
