//go:build 386 || amd64

package procpatch

const hostArch = ArchX86
