package procpatch

import (
	"strconv"

	"github.com/go-kit/log"
	"github.com/ianlancetaylor/demangle"
)

const (
	defaultProcFS          = "/proc"
	defaultCmdlineWindow   = 128
	defaultSymbolCacheSize = 256
	defaultMaxBulkRead     = 64 << 20

	// MaxPayloadSize bounds how far the epilogue scanners look past a local
	// payload's entry point.
	MaxPayloadSize = 64 << 10
)

// Options configures a Handle. The zero value is usable.
type Options struct {
	// ProcFS is the mount point of the process table. Defaults to /proc.
	ProcFS string

	// CmdlineWindow is the number of leading cmdline bytes compared against
	// the process name. Defaults to 128.
	CmdlineWindow int

	// PointerSize is the size in bytes of a pointer in the target. Defaults
	// to the host word size.
	PointerSize int

	// SymbolCacheSize is the number of resolved symbol offsets to keep.
	// Zero means the default; a negative value disables the cache.
	SymbolCacheSize int

	// MaxBulkRead is the largest segment FindCave reads in one piece.
	// Larger segments are streamed.
	MaxBulkRead int

	// EpilogueScanner sizes local ARM payloads. Defaults to
	// HeuristicEpilogue.
	EpilogueScanner EpilogueScanner

	// DemangleOptions enables a second, demangled pass when an exact
	// symbol lookup misses. Any non-nil slice, even an empty one, enables
	// it.
	DemangleOptions []demangle.Option

	// MiniDebugInfo enables a lookup in .gnu_debugdata when the main
	// symbol table misses.
	MiniDebugInfo bool

	Logger  log.Logger
	Metrics *Metrics // may be nil
}

func (o Options) withDefaults() Options {
	if o.ProcFS == "" {
		o.ProcFS = defaultProcFS
	}
	if o.CmdlineWindow <= 0 {
		o.CmdlineWindow = defaultCmdlineWindow
	}
	if o.PointerSize <= 0 {
		o.PointerSize = strconv.IntSize / 8
	}
	if o.SymbolCacheSize == 0 {
		o.SymbolCacheSize = defaultSymbolCacheSize
	}
	if o.MaxBulkRead <= 0 {
		o.MaxBulkRead = defaultMaxBulkRead
	}
	if o.EpilogueScanner == nil {
		o.EpilogueScanner = HeuristicEpilogue
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}
