package procpatch_test

import (
	"fmt"

	"github.com/pboyd/procpatch"
)

func ExampleEncodeDetour() {
	code, minSize, err := procpatch.EncodeDetour(0x1000, 0x2000, procpatch.ArchX86)
	if err != nil {
		panic(err)
	}

	fmt.Printf("% x (at least %d bytes)\n", code, minSize)
	// Output: e9 fb 0f 00 00 (at least 5 bytes)
}

func ExampleParseSegment() {
	seg, err := procpatch.ParseSegment("b6f00000-b6f21000 r-xp 00000000 08:01 524301 /usr/lib/libgame.so")
	if err != nil {
		panic(err)
	}

	fmt.Println(seg.Protection, seg.Size(), seg.Path)
	// Output: r-xp 135168 /usr/lib/libgame.so
}
