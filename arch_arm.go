//go:build arm

package procpatch

const hostArch = ArchARM
