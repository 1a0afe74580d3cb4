package procpatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Protection is the permission field of a maps entry.
type Protection struct {
	Read    bool
	Write   bool
	Execute bool
	Shared  bool
}

var (
	ProtReadOnly      = Protection{Read: true}
	ProtReadWrite     = Protection{Read: true, Write: true}
	ProtReadExec      = Protection{Read: true, Execute: true}
	ProtReadWriteExec = Protection{Read: true, Write: true, Execute: true}
)

// ProtectionFromFlags converts mmap style PROT_* flags to a private
// protection class.
func ProtectionFromFlags(prot int) Protection {
	return Protection{
		Read:    prot&unix.PROT_READ != 0,
		Write:   prot&unix.PROT_WRITE != 0,
		Execute: prot&unix.PROT_EXEC != 0,
	}
}

// ParseProtection parses a permission field such as "r-xp".
func ParseProtection(s string) (Protection, error) {
	if len(s) != 4 {
		return Protection{}, fmt.Errorf("%w: permissions %q", ErrMalformedSegment, s)
	}

	var p Protection
	for i, want := range [...]byte{'r', 'w', 'x'} {
		switch s[i] {
		case want:
			switch i {
			case 0:
				p.Read = true
			case 1:
				p.Write = true
			case 2:
				p.Execute = true
			}
		case '-':
		default:
			return Protection{}, fmt.Errorf("%w: permissions %q", ErrMalformedSegment, s)
		}
	}

	switch s[3] {
	case 's':
		p.Shared = true
	case 'p':
	default:
		return Protection{}, fmt.Errorf("%w: permissions %q", ErrMalformedSegment, s)
	}

	return p, nil
}

// Flags returns the PROT_* flags for p.
func (p Protection) Flags() int {
	flags := unix.PROT_NONE
	if p.Read {
		flags |= unix.PROT_READ
	}
	if p.Write {
		flags |= unix.PROT_WRITE
	}
	if p.Execute {
		flags |= unix.PROT_EXEC
	}
	return flags
}

func (p Protection) String() string {
	buf := []byte("---p")
	if p.Read {
		buf[0] = 'r'
	}
	if p.Write {
		buf[1] = 'w'
	}
	if p.Execute {
		buf[2] = 'x'
	}
	if p.Shared {
		buf[3] = 's'
	}
	return string(buf)
}
