package procpatch

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/pboyd/procpatch/internal/elftest"
)

type symbolFixture struct {
	*fakeProc
	lib string
}

func newSymbolProc(t *testing.T, image []byte) *symbolFixture {
	t.Helper()

	lib := filepath.Join(t.TempDir(), "libgame.so")
	require.NoError(t, os.WriteFile(lib, image, 0o644))

	p := newFakeProc(t, symbolMaps(0x100000, lib))
	return &symbolFixture{fakeProc: p, lib: lib}
}

func symbolMaps(base uintptr, lib string) string {
	return fmt.Sprintf(`%08x-%08x r-xp 00000000 08:01 1 %s
%08x-%08x rw-p 00001000 08:01 1 %s
`, base, base+0x1000, lib, base+0x1000, base+0x2000, lib)
}

func (f *symbolFixture) remap(t *testing.T, base uintptr) {
	t.Helper()
	path := filepath.Join(f.root, strconv.Itoa(fakePID), "maps")
	require.NoError(t, os.WriteFile(path, []byte(symbolMaps(base, f.lib)), 0o644))
}

func TestFindExternalSymbol(t *testing.T) {
	assert := assert.New(t)

	f := newSymbolProc(t, elftest.NewBuilder(elf.ELFCLASS32).
		Dynsym(elftest.Func("other_fn", 0x10), elftest.Func("target_fn", 0x1234)).
		Bytes())
	h := f.attach(t, Options{})

	addr, err := h.FindExternalSymbol("libgame.so", "target_fn")
	assert.NoError(err)
	assert.Equal(uintptr(0x101234), addr)

	_, err = h.FindExternalSymbol("libgame.so", "missing_fn")
	assert.ErrorIs(err, ErrNotFound)

	_, err = h.FindExternalSymbol("libother.so", "target_fn")
	assert.ErrorIs(err, ErrNotFound)
}

func TestFindExternalSymbolCache(t *testing.T) {
	image := elftest.NewBuilder(elf.ELFCLASS64).
		Symtab(elftest.Func("target_fn", 0x1234)).
		Bytes()

	t.Run("cached", func(t *testing.T) {
		assert := assert.New(t)

		f := newSymbolProc(t, image)
		h := f.attach(t, Options{})

		addr, err := h.FindExternalSymbol("libgame", "target_fn")
		require.NoError(t, err)
		assert.Equal(uintptr(0x101234), addr)

		// The offset is remembered, the base is not.
		require.NoError(t, os.Remove(f.lib))
		f.remap(t, 0x200000)

		addr, err = h.FindExternalSymbol("libgame", "target_fn")
		assert.NoError(err)
		assert.Equal(uintptr(0x201234), addr)
	})

	t.Run("disabled", func(t *testing.T) {
		assert := assert.New(t)

		f := newSymbolProc(t, image)
		h := f.attach(t, Options{SymbolCacheSize: -1})

		_, err := h.FindExternalSymbol("libgame", "target_fn")
		require.NoError(t, err)

		require.NoError(t, os.Remove(f.lib))
		_, err = h.FindExternalSymbol("libgame", "target_fn")
		assert.ErrorIs(err, ErrOpenFailed)
	})
}

func TestFindExternalSymbolNoBase(t *testing.T) {
	f := newSymbolProc(t, elftest.NewBuilder(elf.ELFCLASS32).
		Dynsym(elftest.Func("target_fn", 0x1234)).
		Bytes())
	// Base 0 is what a module unmapped between the path lookup and the base
	// lookup looks like.
	f.remap(t, 0)
	metrics := NewMetrics(nil)
	h := f.attach(t, Options{Metrics: metrics})

	addr, err := h.FindExternalSymbol("libgame.so", "target_fn")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, addr)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Errors.WithLabelValues("symbol", "ErrNotFound")))
}

func TestFindExternalSymbolNoSymbolTable(t *testing.T) {
	f := newSymbolProc(t, elftest.NewBuilder(elf.ELFCLASS64).
		Section(".text", elf.SHT_PROGBITS, []byte{0xc3}).
		Bytes())
	h := f.attach(t, Options{})

	_, err := h.FindExternalSymbol("libgame.so", "target_fn")
	assert.ErrorIs(t, err, ErrNoSymbolTable)
}

func TestFindExternalSymbolDemangled(t *testing.T) {
	assert := assert.New(t)

	image := elftest.NewBuilder(elf.ELFCLASS64).
		Dynsym(elftest.Func("_ZN4game6Player6damageEi", 0x4000)).
		Bytes()

	f := newSymbolProc(t, image)
	plain := f.attach(t, Options{})
	_, err := plain.FindExternalSymbol("libgame.so", "game::Player::damage(int)")
	assert.ErrorIs(err, ErrNotFound)

	demangled := f.attach(t, Options{DemangleOptions: []demangle.Option{}})
	addr, err := demangled.FindExternalSymbol("libgame.so", "game::Player::damage(int)")
	assert.NoError(err)
	assert.Equal(uintptr(0x104000), addr)

	noParams := f.attach(t, Options{DemangleOptions: []demangle.Option{demangle.NoParams}})
	addr, err = noParams.FindExternalSymbol("libgame.so", "game::Player::damage")
	assert.NoError(err)
	assert.Equal(uintptr(0x104000), addr)
}

func TestFindExternalSymbolMiniDebugInfo(t *testing.T) {
	assert := assert.New(t)

	inner := elftest.NewBuilder(elf.ELFCLASS64).
		Symtab(elftest.Func("hidden_fn", 0x5678)).
		Bytes()
	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = w.Write(inner)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f := newSymbolProc(t, elftest.NewBuilder(elf.ELFCLASS64).
		Dynsym(elftest.Func("exported_fn", 0x10)).
		Section(".gnu_debugdata", elf.SHT_PROGBITS, compressed.Bytes()).
		Bytes())

	plain := f.attach(t, Options{})
	_, err = plain.FindExternalSymbol("libgame.so", "hidden_fn")
	assert.ErrorIs(err, ErrNotFound)

	withDebug := f.attach(t, Options{MiniDebugInfo: true})
	addr, err := withDebug.FindExternalSymbol("libgame.so", "hidden_fn")
	assert.NoError(err)
	assert.Equal(uintptr(0x105678), addr)

	addr, err = withDebug.FindExternalSymbol("libgame.so", "exported_fn")
	assert.NoError(err)
	assert.Equal(uintptr(0x100010), addr)
}
