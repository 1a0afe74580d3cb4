package procpatch

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/go-kit/log/level"
)

// Hook overwrites size bytes at src with a jump to dst, encoded for the host
// architecture. The bytes at src are not saved.
func (h *Handle) Hook(src, dst uintptr, size int) error {
	return h.HookArch(src, dst, size, HostArch())
}

// HookArch is Hook for an explicit architecture. size must hold the whole
// detour; anything past it is padded with INT3 on x86 and zero on ARM.
func (h *Handle) HookArch(src, dst uintptr, size int, arch Arch) error {
	level.Debug(h.logger).Log("msg", "hook", "src", hexAddr(src), "dst", hexAddr(dst), "size", size, "arch", arch)

	detour, minSize, err := EncodeDetour(src, dst, arch)
	if err != nil {
		h.countError("hook", err)
		return err
	}
	if size < minSize {
		err = fmt.Errorf("%w: %s detour needs %d bytes, hook site has %d", ErrInsufficientSize, arch, minSize, size)
		h.countError("hook", err)
		return err
	}

	site := make([]byte, size)
	copy(site, detour)
	pad := detourPadding(arch)
	for i := minSize; i < size; i++ {
		site[i] = pad
	}

	if err := h.writeAll(src, site); err != nil {
		h.countError("hook", err)
		return err
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.HooksInstalled.WithLabelValues(arch.String()).Inc()
	}
	return nil
}

// LoadPayloadAndHook copies the local ARM function at payload into a zero
// filled executable cave in the target and hooks src to it. The function's
// length is measured with Options.EpilogueScanner, so payload must end in a
// recognizable return within MaxPayloadSize bytes. It returns the cave
// address.
//
// x86 code can't be measured this way. Use LoadPayloadAndHookAt.
func (h *Handle) LoadPayloadAndHook(src, payload uintptr, length int) (uintptr, error) {
	if payload == 0 {
		return 0, errors.New("nil payload")
	}
	return h.loadPayloadAndHook(src, localCode(payload, MaxPayloadSize), length, HostArch())
}

func (h *Handle) loadPayloadAndHook(src uintptr, code []byte, length int, arch Arch) (uintptr, error) {
	level.Debug(h.logger).Log("msg", "load payload and hook", "src", hexAddr(src), "length", length, "arch", arch)

	if arch != ArchARM {
		err := fmt.Errorf("%w: can't measure %s payloads", ErrUnsupportedArch, arch)
		h.countError("payload", err)
		return 0, err
	}
	if length < armDetourSize {
		err := fmt.Errorf("%w: arm detour needs %d bytes, hook site has %d", ErrInsufficientSize, armDetourSize, length)
		h.countError("payload", err)
		return 0, err
	}

	size := min(h.opts.EpilogueScanner(code), len(code))
	if size == 0 {
		err := fmt.Errorf("%w: no return in the first %d bytes of the payload", ErrNotFound, len(code))
		h.countError("payload", err)
		return 0, err
	}

	cave, err := h.FindCave(uintptr(size), ProtReadExec)
	if err != nil {
		return 0, err
	}

	if err := h.loadPayloadAndHookAt(src, code[:size], cave, length, arch); err != nil {
		return 0, err
	}
	return cave, nil
}

// LoadPayloadAndHookAt copies payloadLen bytes of local code at payload to
// dst in the target and hooks src to dst.
func (h *Handle) LoadPayloadAndHookAt(src, payload uintptr, payloadLen int, dst uintptr, length int) error {
	if payload == 0 || payloadLen <= 0 {
		return errors.New("empty payload")
	}
	return h.loadPayloadAndHookAt(src, localCode(payload, payloadLen), dst, length, HostArch())
}

func (h *Handle) loadPayloadAndHookAt(src uintptr, code []byte, dst uintptr, length int, arch Arch) error {
	level.Debug(h.logger).Log("msg", "load payload", "dst", hexAddr(dst), "size", len(code))

	if err := h.writeAll(dst, code); err != nil {
		h.countError("payload", err)
		return err
	}
	return h.HookArch(src, dst, length, arch)
}

func (h *Handle) writeAll(addr uintptr, p []byte) error {
	n, err := h.Write(addr, p)
	if err != nil {
		return err
	}
	if n < len(p) {
		return fmt.Errorf("wrote %d of %d bytes at 0x%x: %w", n, len(p), addr, io.ErrShortWrite)
	}
	return nil
}

// localCode views n bytes of this process's memory at addr. Scanners stop at
// the first return, so the view may extend past the end of the mapping as
// long as the code inside it terminates.
func localCode(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
