//go:build linux

package procpatch

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink keeps test buffers on the heap, where their addresses don't move.
var sink any

func attachSelf(t *testing.T) *Handle {
	t.Helper()
	h, err := AttachPID(os.Getpid(), Options{})
	if err != nil {
		t.Skipf("can't open own memory: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSelfReadWrite(t *testing.T) {
	assert := assert.New(t)
	h := attachSelf(t)

	buf := make([]byte, 64)
	sink = buf
	copy(buf, "before")
	addr := uintptr(unsafe.Pointer(&buf[0]))

	got, err := h.Read(addr, 6)
	assert.NoError(err)
	assert.Equal([]byte("before"), got)

	n, err := h.Write(addr+8, []byte("after"))
	assert.NoError(err)
	assert.Equal(5, n)
	assert.Equal("after", string(buf[8:13]))

	runtime.KeepAlive(buf)
}

type chainNode struct {
	pad  [3]uintptr
	next *chainNode
	hp   uint32
}

func TestSelfPointerChain(t *testing.T) {
	leaf := &chainNode{hp: 77}
	root := &chainNode{next: leaf}
	holder := &root
	sink = holder

	h := attachSelf(t)
	nextOff := unsafe.Offsetof(chainNode{}.next)
	hpOff := unsafe.Offsetof(chainNode{}.hp)

	addr := h.ResolvePointerChain(uintptr(unsafe.Pointer(holder)), nextOff, hpOff)
	assert.Equal(t, uintptr(unsafe.Pointer(&leaf.hp)), addr)

	buf, err := h.Read(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), binary.LittleEndian.Uint32(buf))

	runtime.KeepAlive(holder)
}

func TestSelfModules(t *testing.T) {
	assert := assert.New(t)
	h := attachSelf(t)

	exe, err := os.Executable()
	require.NoError(t, err)
	name := filepath.Base(exe)

	path, err := h.FullModulePath(name)
	require.NoError(t, err)
	assert.True(strings.HasSuffix(path, name), path)

	base := h.ModuleBaseAddress(name)
	assert.NotZero(base)

	segments, err := h.AllSegments()
	require.NoError(t, err)
	for _, seg := range segments {
		if strings.Contains(seg.Path, name) {
			assert.Equal(seg.Start, base)
			break
		}
	}

	code, err := h.Segments(ProtReadExec)
	assert.NoError(err)
	assert.NotEmpty(code)

	// The handle is attached to this process, so both views agree.
	local, err := LocalModuleBaseAddress(name, Options{})
	assert.NoError(err)
	assert.Equal(base, local)
}

func TestSelfValues(t *testing.T) {
	assert := assert.New(t)
	h := attachSelf(t)

	vals := make([]int64, 2)
	sink = vals
	vals[0] = 1 << 40
	addr := uintptr(unsafe.Pointer(&vals[0]))

	got, err := ReadValue[int64](h, addr)
	assert.NoError(err)
	assert.Equal(int64(1<<40), got)

	require.NoError(t, WriteValue(h, addr+8, int64(-3)))
	assert.Equal(int64(-3), vals[1])

	runtime.KeepAlive(vals)
}

func TestSelfFindPID(t *testing.T) {
	pid, err := FindPID(cmdlineName(os.Args[0], defaultCmdlineWindow), Options{})
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestFrozen(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary")
	}

	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	h, err := AttachPID(cmd.Process.Pid, Options{})
	if err != nil {
		t.Skipf("can't attach to child: %v", err)
	}
	defer h.Close()

	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)
	state := func() string {
		p, err := fs.Proc(cmd.Process.Pid)
		if err != nil {
			return ""
		}
		stat, err := p.Stat()
		if err != nil {
			return ""
		}
		return stat.State
	}

	err = h.Frozen(func() error {
		assert.Eventually(t, func() bool { return state() == "T" }, 5*time.Second, 10*time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return state() == "S" }, 5*time.Second, 10*time.Millisecond)
}
