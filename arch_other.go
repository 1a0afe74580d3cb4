//go:build !arm && !386 && !amd64

package procpatch

const hostArch = ArchUnknown
