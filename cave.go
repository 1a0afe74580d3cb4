package procpatch

import (
	"fmt"

	"github.com/go-kit/log/level"
)

// CaveScan selects how FindCaveWith reads segments.
type CaveScan int

const (
	// BulkScan reads each segment in one piece. Segments larger than
	// Options.MaxBulkRead are streamed anyway.
	BulkScan CaveScan = iota

	// StreamScan reads segments in fixed size chunks.
	StreamScan
)

func (s CaveScan) String() string {
	switch s {
	case BulkScan:
		return "bulk"
	case StreamScan:
		return "stream"
	}
	return fmt.Sprintf("CaveScan(%d)", int(s))
}

const (
	caveAlign   = 4
	streamChunk = 4096
)

// alignCaveSize rounds size up to a multiple of caveAlign. Zero becomes
// caveAlign. It reports false if the rounded size doesn't fit in a uintptr.
func alignCaveSize(size uintptr) (uintptr, bool) {
	if size == 0 {
		return caveAlign, true
	}
	if size > ^uintptr(0)-(caveAlign-1) {
		return 0, false
	}
	return (size + caveAlign - 1) &^ (caveAlign - 1), true
}

// FindCave returns the first aligned address, in maps order, that starts
// size consecutive zero bytes inside a single segment with protection prot.
// size is rounded up to a multiple of 4.
//
// Zero bytes are not proof that memory is unused. A cave in a data segment
// may be a buffer the target has not written yet.
func (h *Handle) FindCave(size uintptr, prot Protection) (uintptr, error) {
	return h.FindCaveWith(size, prot, BulkScan)
}

// FindCaveWith is FindCave with an explicit read strategy. Both strategies
// return the same address for the same memory.
func (h *Handle) FindCaveWith(size uintptr, prot Protection, scan CaveScan) (uintptr, error) {
	level.Debug(h.logger).Log("msg", "find cave", "size", size, "prot", prot, "scan", scan)

	aligned, ok := alignCaveSize(size)
	if !ok {
		err := fmt.Errorf("%w: %d byte cave is larger than the address space", ErrInsufficientSize, size)
		h.countError("cave", err)
		return 0, err
	}
	size = aligned

	segments, err := h.Segments(prot)
	if err != nil {
		h.countError("cave", err)
		return 0, err
	}

	for _, seg := range segments {
		if seg.Size() < size {
			continue
		}

		var (
			addr uintptr
			ok   bool
		)
		if scan == BulkScan && seg.Size() <= uintptr(h.opts.MaxBulkRead) {
			addr, ok, err = h.scanBulk(seg, size)
		} else {
			addr, ok, err = h.scanStream(seg, size)
		}
		if err != nil {
			level.Debug(h.logger).Log("msg", "skipping segment", "segment", seg, "err", err)
			continue
		}
		if ok {
			level.Debug(h.logger).Log("msg", "found cave", "addr", hexAddr(addr), "segment", seg)
			if h.opts.Metrics != nil {
				h.opts.Metrics.CavesFound.Inc()
			}
			return addr, nil
		}
	}

	err = fmt.Errorf("%w: no %d byte cave in %s segments", ErrInsufficientSize, size, prot)
	h.countError("cave", err)
	return 0, err
}

func (h *Handle) scanBulk(seg Segment, size uintptr) (uintptr, bool, error) {
	buf, err := h.Read(seg.Start, int(seg.Size()))
	if err != nil {
		return 0, false, err
	}

	run := zeroRun{size: size}
	addr, ok := run.feed(buf, seg.Start)
	return addr, ok, nil
}

func (h *Handle) scanStream(seg Segment, size uintptr) (uintptr, bool, error) {
	run := zeroRun{size: size}
	buf := make([]byte, streamChunk)

	for addr := seg.Start; addr < seg.End; {
		want := min(uintptr(len(buf)), seg.End-addr)
		n, err := h.readAt(addr, buf[:want])
		if err != nil {
			return 0, false, err
		}

		if found, ok := run.feed(buf[:n], addr); ok {
			return found, true, nil
		}
		if uintptr(n) < want {
			// The rest of the segment can't be read.
			break
		}
		addr += want
	}

	return 0, false, nil
}

// zeroRun tracks a run of zero bytes across consecutive reads of one
// segment.
type zeroRun struct {
	size  uintptr
	start uintptr // first aligned address of the current run
	open  bool
}

// feed scans buf, which holds the memory at addr, and returns the start of
// the first aligned run of z.size zero bytes.
func (z *zeroRun) feed(buf []byte, addr uintptr) (uintptr, bool) {
	for i, b := range buf {
		cur := addr + uintptr(i)
		if b != 0 {
			z.open = false
			continue
		}
		if !z.open {
			z.open = true
			z.start = (cur + caveAlign - 1) &^ (caveAlign - 1)
		}
		if cur >= z.start && cur-z.start+1 >= z.size {
			return z.start, true
		}
	}
	return 0, false
}
