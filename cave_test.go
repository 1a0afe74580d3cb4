package procpatch

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const caveMaps = `00010000-00010020 r--p 00000000 08:01 1 /opt/game/cave
00020000-00022000 r-xp 00000000 08:01 2 /opt/game/bin/game
00030000-00030010 rw-p 00000000 00:00 0
00031000-00031010 rw-p 00000000 00:00 0
`

func newCaveProc(t *testing.T) *fakeProc {
	p := newFakeProc(t, caveMaps)

	// 8 zeros, 4 non-zero, 16 zeros, non-zero.
	ro := make([]byte, 0x20)
	copy(ro[8:], []byte{1, 2, 3, 4})
	copy(ro[28:], []byte{5, 6, 7, 8})
	p.poke(t, 0x10000, ro)

	// Zeros only between 4090 and 4130, across a stream chunk boundary.
	rx := bytes.Repeat([]byte{0xff}, 0x2000)
	clear(rx[4090:4130])
	p.poke(t, 0x20000, rx)

	return p
}

func TestFindCave(t *testing.T) {
	assert := assert.New(t)

	p := newCaveProc(t)
	metrics := NewMetrics(nil)
	h := p.attach(t, Options{Metrics: metrics})

	addr, err := h.FindCave(16, ProtReadOnly)
	assert.NoError(err)
	assert.Equal(uintptr(0x1000c), addr)

	// Rounded up to 16.
	addr, err = h.FindCave(13, ProtReadOnly)
	assert.NoError(err)
	assert.Equal(uintptr(0x1000c), addr)

	addr, err = h.FindCave(8, ProtReadOnly)
	assert.NoError(err)
	assert.Equal(uintptr(0x10000), addr)

	addr, err = h.FindCave(0, ProtReadOnly)
	assert.NoError(err)
	assert.Equal(uintptr(0x10000), addr)

	addr, err = h.FindCave(20, ProtReadOnly)
	assert.ErrorIs(err, ErrInsufficientSize)
	assert.Zero(addr)

	// First aligned start inside the 4090..4130 run.
	addr, err = h.FindCave(32, ProtReadExec)
	assert.NoError(err)
	assert.Equal(uintptr(0x20000+4092), addr)

	addr, err = h.FindCave(40, ProtReadExec)
	assert.ErrorIs(err, ErrInsufficientSize)
	assert.Zero(addr)

	// Two 16 byte rw-p segments can't hold 20 bytes between them.
	addr, err = h.FindCave(16, ProtReadWrite)
	assert.NoError(err)
	assert.Equal(uintptr(0x30000), addr)
	_, err = h.FindCave(20, ProtReadWrite)
	assert.ErrorIs(err, ErrInsufficientSize)

	_, err = h.FindCave(4, ProtReadWriteExec)
	assert.ErrorIs(err, ErrInsufficientSize)

	assert.Equal(float64(6), testutil.ToFloat64(metrics.CavesFound))
	assert.Equal(float64(4), testutil.ToFloat64(metrics.Errors.WithLabelValues("cave", "ErrInsufficientSize")))
}

func TestFindCaveScansAgree(t *testing.T) {
	p := newCaveProc(t)

	cases := []struct {
		size uintptr
		prot Protection
	}{
		{16, ProtReadOnly},
		{8, ProtReadOnly},
		{20, ProtReadOnly},
		{4, ProtReadExec},
		{32, ProtReadExec},
		{36, ProtReadExec},
		{40, ProtReadExec},
		{16, ProtReadWrite},
	}

	bulk := p.attach(t, Options{})
	stream := p.attach(t, Options{})
	// Forces BulkScan to fall back to streaming for every segment.
	tiny := p.attach(t, Options{MaxBulkRead: 1})

	for _, tc := range cases {
		want, wantErr := bulk.FindCaveWith(tc.size, tc.prot, BulkScan)

		got, err := stream.FindCaveWith(tc.size, tc.prot, StreamScan)
		assert.Equal(t, want, got, "%d %s", tc.size, tc.prot)
		assert.Equal(t, wantErr, err)

		got, err = tiny.FindCaveWith(tc.size, tc.prot, BulkScan)
		assert.Equal(t, want, got, "%d %s", tc.size, tc.prot)
		assert.Equal(t, wantErr, err)
	}
}

func TestFindCaveSkipsUnreadableSegments(t *testing.T) {
	if strconv.IntSize != 64 {
		t.Skip("needs a 64-bit address space")
	}
	p := newFakeProc(t, `00010000-00010010 r--p 00000000 00:00 0
ffffffffffff0000-ffffffffffff1000 r--p 00000000 00:00 0
00020000-00020010 r--p 00000000 00:00 0
`)
	p.poke(t, 0x10000, bytes.Repeat([]byte{1}, 0x10))
	h := p.attach(t, Options{})

	addr, err := h.FindCave(16, ProtReadOnly)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x20000), addr)
}

func TestAlignCaveSize(t *testing.T) {
	cases := map[uintptr]uintptr{
		0:  4,
		1:  4,
		4:  4,
		5:  8,
		13: 16,
		16: 16,
	}
	for in, want := range cases {
		got, ok := alignCaveSize(in)
		assert.True(t, ok, "%d", in)
		assert.Equal(t, want, got, "%d", in)
	}

	for _, in := range []uintptr{^uintptr(0), ^uintptr(0) - 2} {
		_, ok := alignCaveSize(in)
		assert.False(t, ok, "%#x", in)
	}

	got, ok := alignCaveSize(^uintptr(0) - 3)
	assert.True(t, ok)
	assert.Equal(t, ^uintptr(0)-3, got)
}

func TestFindCaveLargerThanAddressSpace(t *testing.T) {
	assert := assert.New(t)

	p := newCaveProc(t)
	metrics := NewMetrics(nil)
	h := p.attach(t, Options{Metrics: metrics})

	for _, scan := range []CaveScan{BulkScan, StreamScan} {
		addr, err := h.FindCaveWith(^uintptr(0), ProtReadOnly, scan)
		assert.ErrorIs(err, ErrInsufficientSize, scan.String())
		assert.Zero(addr)
	}
	assert.Zero(testutil.ToFloat64(metrics.CavesFound))
}

func TestZeroRunAcrossFeeds(t *testing.T) {
	assert := assert.New(t)

	run := zeroRun{size: 8}
	_, ok := run.feed([]byte{0xff, 0, 0, 0}, 0x100)
	assert.False(ok)
	_, ok = run.feed([]byte{0, 0, 0, 0}, 0x104)
	assert.False(ok)
	addr, ok := run.feed([]byte{0, 0, 0, 0, 0xff}, 0x108)
	assert.True(ok)
	assert.Equal(uintptr(0x104), addr)
}
