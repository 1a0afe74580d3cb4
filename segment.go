package procpatch

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one line of a /proc/<pid>/maps listing.
type Segment struct {
	Start      uintptr
	End        uintptr
	Protection Protection
	Offset     uint64
	Device     string
	Inode      uint64

	// Path is the backing file, a pseudo name like "[stack]", or empty for
	// anonymous mappings.
	Path string
}

func (s Segment) Size() uintptr {
	return s.End - s.Start
}

// Contains reports whether addr falls inside the segment.
func (s Segment) Contains(addr uintptr) bool {
	return addr >= s.Start && addr < s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("%08x-%08x %s %08x %s %d %s", s.Start, s.End, s.Protection, s.Offset, s.Device, s.Inode, s.Path)
}

// ParseSegment parses a maps line of the form:
//
//	startHex-endHex perms offsetHex dev:dev inode [path]
func ParseSegment(line string) (Segment, error) {
	var fields [5]string
	rest := strings.TrimRight(line, "\r\n")
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		fields[i], rest, _ = strings.Cut(rest, " ")
		if fields[i] == "" {
			return Segment{}, fmt.Errorf("%w: %q", ErrMalformedSegment, line)
		}
	}

	startHex, endHex, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Segment{}, fmt.Errorf("%w: address range %q", ErrMalformedSegment, fields[0])
	}
	start, err := strconv.ParseUint(startHex, 16, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: start address %q", ErrMalformedSegment, startHex)
	}
	end, err := strconv.ParseUint(endHex, 16, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: end address %q", ErrMalformedSegment, endHex)
	}
	if start > end {
		return Segment{}, fmt.Errorf("%w: start 0x%x is after end 0x%x", ErrMalformedSegment, start, end)
	}

	prot, err := ParseProtection(fields[1])
	if err != nil {
		return Segment{}, err
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: offset %q", ErrMalformedSegment, fields[2])
	}

	if !strings.Contains(fields[3], ":") {
		return Segment{}, fmt.Errorf("%w: device %q", ErrMalformedSegment, fields[3])
	}

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: inode %q", ErrMalformedSegment, fields[4])
	}

	return Segment{
		Start:      uintptr(start),
		End:        uintptr(end),
		Protection: prot,
		Offset:     offset,
		Device:     fields[3],
		Inode:      inode,
		Path:       strings.TrimSpace(rest),
	}, nil
}
