package procpatch

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Arch is the instruction set a detour is encoded for.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchARM
	ArchX86
)

func (a Arch) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchX86:
		return "x86"
	}
	return "unknown"
}

// ParseArch parses the names returned by Arch.String.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "arm":
		return ArchARM, nil
	case "x86":
		return ArchX86, nil
	case "host":
		return HostArch(), nil
	}
	return ArchUnknown, fmt.Errorf("%w: %q", ErrUnsupportedArch, s)
}

// HostArch returns the architecture this binary was built for.
func HostArch() Arch {
	return hostArch
}

const (
	opcodeJMP  = 0xe9 // JMP rel32
	opcodeINT3 = 0xcc

	x86DetourSize = 5 // 1 byte opcode + 4 byte displacement
	armDetourSize = 8 // ldr pc, [pc, #-4] + 4 byte literal
)

// armLoadPC is "ldr pc, [pc, #-4]". PC reads 8 bytes ahead on ARM, so the
// load picks up the literal word that follows the instruction.
var armLoadPC = [4]byte{0x04, 0xf0, 0x1f, 0xe5}

// EncodeDetour returns the instruction bytes that transfer control from src
// to dst, and the minimum number of bytes a hook site needs to hold them.
func EncodeDetour(src, dst uintptr, arch Arch) ([]byte, int, error) {
	switch arch {
	case ArchARM:
		if uint64(dst) > math.MaxUint32 {
			return nil, 0, fmt.Errorf("destination 0x%x does not fit in 32 bits", dst)
		}
		buf := make([]byte, armDetourSize)
		copy(buf, armLoadPC[:])
		binary.LittleEndian.PutUint32(buf[4:], uint32(dst))
		return buf, armDetourSize, nil

	case ArchX86:
		// Relative to the end of the jump. In a 32-bit address space EIP
		// wraps, so every destination is reachable.
		var rel uint32
		if uint64(src) <= math.MaxUint32 && uint64(dst) <= math.MaxUint32 {
			rel = uint32(dst) - uint32(src) - x86DetourSize
		} else {
			rel64 := int64(dst) - int64(src) - x86DetourSize
			if rel64 < math.MinInt32 || rel64 > math.MaxInt32 {
				return nil, 0, fmt.Errorf("destination 0x%x is out of rel32 range from 0x%x", dst, src)
			}
			rel = uint32(int32(rel64))
		}
		buf := make([]byte, x86DetourSize)
		buf[0] = opcodeJMP
		binary.LittleEndian.PutUint32(buf[1:], rel)
		return buf, x86DetourSize, nil
	}

	return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
}

// detourPadding is the byte that fills a hook site after the detour.
func detourPadding(arch Arch) byte {
	if arch == ArchX86 {
		return opcodeINT3
	}
	return 0
}
