package procpatch

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
	"golang.org/x/sys/unix"
)

// Payload is machine code held in local executable memory, ready to be
// passed to LoadPayloadAndHook.
type Payload struct {
	code []byte
}

// StagePayload copies code into an executable arena shared by every
// payload in the process.
func StagePayload(code []byte) (*Payload, error) {
	if len(code) == 0 {
		return nil, errors.New("empty payload")
	}

	if err := payloadArena.BeginMutate(); err != nil {
		return nil, fmt.Errorf("unprotect payload arena: %w", err)
	}

	buf, err := payloadArena.Allocate(len(code))
	if err != nil {
		return nil, errors.Join(err, payloadArena.EndMutate())
	}
	copy(buf, code)

	if err := payloadArena.EndMutate(); err != nil {
		return nil, fmt.Errorf("protect payload arena: %w", err)
	}
	return &Payload{code: buf}, nil
}

// Addr returns the local address of the first instruction.
func (p *Payload) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p.code)))
}

func (p *Payload) Len() int {
	return len(p.code)
}

// Free releases the payload. Addr is invalid afterwards. If the arena
// can't be made writable the payload is left in place and can be freed
// again later.
func (p *Payload) Free() error {
	if p.code == nil {
		return nil
	}

	if err := payloadArena.BeginMutate(); err != nil {
		return fmt.Errorf("unprotect payload arena: %w", err)
	}
	if err := payloadArena.Free(p.code); err != nil {
		return errors.Join(err, payloadArena.EndMutate())
	}
	p.code = nil

	if err := payloadArena.EndMutate(); err != nil {
		return fmt.Errorf("protect payload arena: %w", err)
	}
	return nil
}

var errArenaProtected = errors.New("payload arena is write protected")

// arena is a malloc.Arena over executable pages. The pages are writable
// only between BeginMutate and EndMutate.
type arena struct {
	*malloc.Arena
	protect  func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *arena) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(unix.PROT_EXEC))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.protect = protBE.Protect
		} else {
			a.protect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize payload arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *arena) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Called before the first allocation, there is nothing to unprotect.
	if a.protect == nil || a.mutable {
		return nil
	}

	err := a.protect(ProtReadWriteExec.Flags())
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *arena) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable || a.protect == nil {
		return nil
	}

	err := a.protect(ProtReadExec.Flags())
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *arena) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(size); err != nil {
		return nil, fmt.Errorf("payload arena: %w", err)
	}
	if !a.mutable {
		return nil, errArenaProtected
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *arena) Free(buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return errArenaProtected
	}

	malloc.FreeSlice(a.Arena, buf)
	return nil
}

var payloadArena = &arena{}
