package procpatch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"
)

// Handle gives access to the memory of another process through
// /proc/<pid>/mem and /proc/<pid>/maps.
//
// The target keeps running while it is read and written, so a value read in
// one call may be stale by the next. See Frozen for a way to stop it.
//
// A Handle is not safe for concurrent use.
type Handle struct {
	pid     int
	mem     *os.File
	maps    *os.File
	opts    Options
	logger  log.Logger
	symbols *lru.Cache[symbolKey, uint64]
}

// FindPID returns the ID of the first process whose command line record
// matches name exactly. Only the first NUL-terminated record is compared,
// truncated to Options.CmdlineWindow bytes.
func FindPID(name string, opts Options) (int, error) {
	opts = opts.withDefaults()
	level.Debug(opts.Logger).Log("msg", "find pid", "name", name)

	if name == "" {
		return 0, fmt.Errorf("empty process name: %w", ErrNotFound)
	}

	fs, err := procfs.NewFS(opts.ProcFS)
	if err != nil {
		return 0, fmt.Errorf("%w: process table %s: %w", ErrOpenFailed, opts.ProcFS, err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("%w: process table %s: %w", ErrOpenFailed, opts.ProcFS, err)
	}

	for _, p := range procs {
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			// Exited between listing and reading, or not ours to read.
			continue
		}
		if cmdlineName(args[0], opts.CmdlineWindow) == name {
			level.Debug(opts.Logger).Log("msg", "found pid", "name", name, "pid", p.PID)
			return p.PID, nil
		}
	}

	return 0, fmt.Errorf("process %q: %w", name, ErrNotFound)
}

func cmdlineName(arg0 string, window int) string {
	if len(arg0) > window {
		return arg0[:window]
	}
	return arg0
}

// Attach opens the first process named name. See FindPID for how names are
// matched.
func Attach(name string, opts Options) (*Handle, error) {
	pid, err := FindPID(name, opts)
	if err != nil {
		if opts.Metrics != nil {
			opts.Metrics.Errors.WithLabelValues("attach", errorType(err)).Inc()
		}
		return nil, err
	}
	return AttachPID(pid, opts)
}

// AttachPID opens the memory and maps files of process pid. Both must open
// or neither stays open.
func AttachPID(pid int, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	dir := filepath.Join(opts.ProcFS, strconv.Itoa(pid))

	h := &Handle{
		pid:    pid,
		opts:   opts,
		logger: log.With(opts.Logger, "pid", pid),
	}

	var err error
	h.mem, err = os.OpenFile(filepath.Join(dir, "mem"), os.O_RDWR, 0)
	if err != nil {
		err = fmt.Errorf("%w: process memory: %w", ErrOpenFailed, err)
		h.countError("attach", err)
		return nil, err
	}

	h.maps, err = os.Open(filepath.Join(dir, "maps"))
	if err != nil {
		h.mem.Close()
		err = fmt.Errorf("%w: process maps: %w", ErrOpenFailed, err)
		h.countError("attach", err)
		return nil, err
	}

	if opts.SymbolCacheSize > 0 {
		h.symbols, err = lru.New[symbolKey, uint64](opts.SymbolCacheSize)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("symbol cache create: %w", err)
		}
	}

	level.Debug(h.logger).Log("msg", "attached")
	return h, nil
}

func (h *Handle) PID() int {
	return h.pid
}

// Close releases the memory and maps files.
func (h *Handle) Close() error {
	level.Debug(h.logger).Log("msg", "close")
	return errors.Join(h.mem.Close(), h.maps.Close())
}

// Read reads n bytes at addr. A short read, such as one that runs off the
// end of a mapping, is not an error: the returned slice holds only the bytes
// that could be read.
func (h *Handle) Read(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	got, err := h.readAt(addr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

func (h *Handle) readAt(addr uintptr, buf []byte) (int, error) {
	if _, err := h.mem.Seek(int64(addr), io.SeekStart); err != nil {
		err = fmt.Errorf("%w: read 0x%x: %w", ErrSeekFailed, addr, err)
		h.countError("read", err)
		return 0, err
	}

	n, err := io.ReadFull(h.mem, buf)
	if err != nil {
		level.Debug(h.logger).Log("msg", "short read", "addr", hexAddr(addr), "want", len(buf), "got", n, "err", err)
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.BytesRead.Add(float64(n))
	}
	return n, nil
}

// Write writes p at addr and returns the number of bytes written. Like
// Read, a partial write is not reported as an error.
func (h *Handle) Write(addr uintptr, p []byte) (int, error) {
	if _, err := h.mem.Seek(int64(addr), io.SeekStart); err != nil {
		err = fmt.Errorf("%w: write 0x%x: %w", ErrSeekFailed, addr, err)
		h.countError("write", err)
		return 0, err
	}

	n, err := h.mem.Write(p)
	if err != nil {
		level.Debug(h.logger).Log("msg", "short write", "addr", hexAddr(addr), "want", len(p), "got", n, "err", err)
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.BytesWritten.Add(float64(n))
	}
	return n, nil
}

// ReadPointer reads a little-endian pointer of Options.PointerSize bytes.
func (h *Handle) ReadPointer(addr uintptr) (uintptr, error) {
	buf, err := h.Read(addr, h.opts.PointerSize)
	if err != nil {
		return 0, err
	}
	if len(buf) < h.opts.PointerSize {
		return 0, fmt.Errorf("pointer at 0x%x: %w", addr, io.ErrUnexpectedEOF)
	}

	switch h.opts.PointerSize {
	case 4:
		return uintptr(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return uintptr(binary.LittleEndian.Uint64(buf)), nil
	default:
		return 0, fmt.Errorf("unsupported pointer size: %d", h.opts.PointerSize)
	}
}

// ResolvePointerChain follows a multi-level pointer: for each offset the
// pointer at the current address is loaded and the offset added to it.
//
// Nothing is validated along the way. An unreadable pointer counts as zero,
// so a broken chain produces a bogus address rather than an error.
func (h *Handle) ResolvePointerChain(base uintptr, offsets ...uintptr) uintptr {
	level.Debug(h.logger).Log("msg", "resolve pointer chain", "base", hexAddr(base), "levels", len(offsets))

	addr := base
	for _, offset := range offsets {
		ptr, err := h.ReadPointer(addr)
		if err != nil {
			level.Debug(h.logger).Log("msg", "unreadable pointer in chain", "addr", hexAddr(addr), "err", err)
		}
		addr = ptr + offset
	}
	return addr
}

// ModuleBaseAddress returns the start of the first segment whose path
// contains module, or 0.
//
// This is a substring match so "libc.so" finds "libc.so.6". It will also
// find "libfoo.so" when asked for "foo.so".
func (h *Handle) ModuleBaseAddress(module string) uintptr {
	level.Debug(h.logger).Log("msg", "module base address", "module", module)

	seg, ok, err := h.findModule(module)
	if err != nil || !ok {
		return 0
	}
	return seg.Start
}

// FullModulePath returns the backing path of the first segment whose path
// contains module.
func (h *Handle) FullModulePath(module string) (string, error) {
	level.Debug(h.logger).Log("msg", "full module path", "module", module)

	seg, ok, err := h.findModule(module)
	if err != nil {
		return "", err
	}
	if !ok {
		err = fmt.Errorf("module %q: %w", module, ErrNotFound)
		h.countError("module", err)
		return "", err
	}
	return seg.Path, nil
}

func (h *Handle) findModule(module string) (Segment, bool, error) {
	if module == "" {
		return Segment{}, false, nil
	}

	var (
		found Segment
		ok    bool
	)
	err := h.forEachSegment(func(seg Segment) bool {
		if strings.Contains(seg.Path, module) {
			found, ok = seg, true
			return false
		}
		return true
	})
	return found, ok, err
}

// Segments returns every segment whose protection is exactly prot, in maps
// order.
func (h *Handle) Segments(prot Protection) ([]Segment, error) {
	level.Debug(h.logger).Log("msg", "enumerate segments", "prot", prot)

	var segments []Segment
	err := h.forEachSegment(func(seg Segment) bool {
		if seg.Protection == prot {
			segments = append(segments, seg)
		}
		return true
	})
	return segments, err
}

// AllSegments returns every segment in maps order.
func (h *Handle) AllSegments() ([]Segment, error) {
	var segments []Segment
	err := h.forEachSegment(func(seg Segment) bool {
		segments = append(segments, seg)
		return true
	})
	return segments, err
}

func (h *Handle) forEachSegment(visit func(Segment) bool) error {
	if _, err := h.maps.Seek(0, io.SeekStart); err != nil {
		err = fmt.Errorf("%w: maps: %w", ErrSeekFailed, err)
		h.countError("maps", err)
		return err
	}

	if err := scanSegments(h.maps, h.logger, visit); err != nil {
		h.countError("maps", err)
		return err
	}
	return nil
}

// scanSegments parses a maps listing from r, skipping lines that don't parse.
func scanSegments(r io.Reader, logger log.Logger, visit func(Segment) bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		seg, err := ParseSegment(line)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping maps line", "err", err)
			continue
		}
		if !visit(seg) {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read maps: %w", err)
	}
	return nil
}

// LocalModuleBaseAddress is ModuleBaseAddress for the calling process. It
// locates a payload compiled into a local module so it can be copied into
// the target.
func LocalModuleBaseAddress(module string, opts Options) (uintptr, error) {
	opts = opts.withDefaults()
	level.Debug(opts.Logger).Log("msg", "local module base address", "module", module)

	if module == "" {
		return 0, fmt.Errorf("empty module name: %w", ErrNotFound)
	}

	path := filepath.Join(opts.ProcFS, "self", "maps")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: own maps: %w", ErrOpenFailed, err)
	}
	defer f.Close()

	var (
		base  uintptr
		found bool
	)
	err = scanSegments(f, opts.Logger, func(seg Segment) bool {
		if strings.Contains(seg.Path, module) {
			base, found = seg.Start, true
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("local module %q: %w", module, ErrNotFound)
	}
	return base, nil
}

func (h *Handle) countError(op string, err error) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.Errors.WithLabelValues(op, errorType(err)).Inc()
	}
}

func hexAddr(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
