package procpatch

import (
	"golang.org/x/arch/arm/armasm"
)

// EpilogueScanner returns the number of bytes of ARM code from the start of
// code through its first return sequence plus one trailing word, or 0 if
// code holds no return.
type EpilogueScanner func(code []byte) int

// bx lr
var armReturn = [4]byte{0x1e, 0xff, 0x2f, 0xe1}

// FunctionEpilogueSize is HeuristicEpilogue.
func FunctionEpilogueSize(code []byte) int {
	return HeuristicEpilogue(code)
}

// HeuristicEpilogue matches return words by their bytes: "bx lr", or a
// "pop"/"ldmia sp!" whose register list includes PC. It only looks at
// little-endian ARM mode encodings and can be fooled by data in the code.
//
// The extra word after the return covers a literal pool entry or the next
// instruction.
func HeuristicEpilogue(code []byte) int {
	for k := 0; k+4 <= len(code); k += 4 {
		word := code[k : k+4]
		if [4]byte(word) == armReturn {
			return k + 8
		}
		if word[2] == 0xbd && word[3] == 0xe8 && word[1]&0x80 != 0 {
			return k + 8
		}
	}
	return 0
}

// DisassembledEpilogue decodes each word with armasm and stops at BX LR, any
// load multiple that includes PC, or a load into PC.
func DisassembledEpilogue(code []byte) int {
	for k := 0; k+4 <= len(code); k += 4 {
		inst, err := armasm.Decode(code[k:], armasm.ModeARM)
		if err != nil {
			continue
		}
		if isReturn(inst) {
			return k + 8
		}
	}
	return 0
}

func isReturn(inst armasm.Inst) bool {
	// Conditional forms follow the _EQ form of each op.
	switch inst.Op &^ 15 {
	case armasm.BX_EQ:
		return inst.Args[0] == armasm.LR
	case armasm.POP_EQ, armasm.LDM_EQ:
		for _, arg := range inst.Args {
			if list, ok := arg.(armasm.RegList); ok && list&(1<<15) != 0 {
				return true
			}
		}
	case armasm.LDR_EQ:
		return inst.Args[0] == armasm.PC
	}
	return false
}
