package procpatch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/x86/x86asm"
)

// DisassembleDetour renders code, assumed to live at addr, one instruction
// per line. Words that don't decode are shown as data, which covers the
// literal that follows an ARM detour.
func DisassembleDetour(code []byte, addr uintptr, arch Arch) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		pc := addr + uintptr(i)

		var (
			size int
			text string
		)
		switch arch {
		case ArchX86:
			inst, err := x86asm.Decode(code[i:], 32)
			if err != nil {
				size, text = 1, fmt.Sprintf(".byte 0x%02x", code[i])
				break
			}
			size, text = inst.Len, x86asm.IntelSyntax(inst, uint64(pc), nil)
		case ArchARM:
			if len(code)-i < 4 {
				size, text = len(code)-i, fmt.Sprintf(".byte %s", hex.EncodeToString(code[i:]))
				break
			}
			inst, err := armasm.Decode(code[i:], armasm.ModeARM)
			if err != nil {
				size, text = 4, fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code[i:]))
				break
			}
			size, text = inst.Len, armasm.GNUSyntax(inst)
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
		}

		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc, hex.EncodeToString(code[i:i+size]), text)
		i += size
	}

	return buf.String(), nil
}
