package procpatch

import (
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Suspend stops the target with SIGSTOP.
func (h *Handle) Suspend() error {
	level.Debug(h.logger).Log("msg", "suspend")
	if err := unix.Kill(h.pid, unix.SIGSTOP); err != nil {
		err = fmt.Errorf("suspend %d: %w", h.pid, err)
		h.countError("suspend", err)
		return err
	}
	return nil
}

// Resume continues a stopped target with SIGCONT.
func (h *Handle) Resume() error {
	level.Debug(h.logger).Log("msg", "resume")
	if err := unix.Kill(h.pid, unix.SIGCONT); err != nil {
		err = fmt.Errorf("resume %d: %w", h.pid, err)
		h.countError("resume", err)
		return err
	}
	return nil
}

// Frozen runs fn with the target stopped, so a sequence of reads and writes
// sees a consistent image. The target is resumed even if fn fails.
//
// SIGSTOP is asynchronous. A thread may still be running for a moment after
// Suspend returns.
func (h *Handle) Frozen(fn func() error) error {
	if err := h.Suspend(); err != nil {
		return err
	}
	err := fn()
	return errors.Join(err, h.Resume())
}
