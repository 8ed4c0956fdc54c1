package vfthook

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dasaav-dsv/RTTIHook/hook"
	"github.com/Dasaav-dsv/RTTIHook/rtti"
)

// stubDemangler mirrors rtti's own test stub: strips the MSVC
// ".?AV...@@" envelope.
type stubDemangler struct{}

func (stubDemangler) Demangle(mangled []byte) string {
	s := string(mangled)
	if !strings.HasPrefix(s, "?AV") {
		return ""
	}
	s = s[3:]
	if i := strings.Index(s, "@@"); i >= 0 {
		s = s[:i]
	}
	return s
}

// arenaAllocator/noopProtector mirror hook's own test fakes: real Go memory
// standing in for VirtualAlloc'd pages, with protection changes as no-ops.
type arenaAllocator struct {
	mu    sync.Mutex
	slabs [][]byte
}

func (a *arenaAllocator) AllocExec(size uintptr) (uintptr, error) {
	buf := make([]byte, size)
	a.mu.Lock()
	a.slabs = append(a.slabs, buf)
	a.mu.Unlock()
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *arenaAllocator) FreeExec(addr uintptr) error { return nil }

type noopProtector struct{}

func (noopProtector) Protect(addr, length uintptr, newFlags hook.Protection) (hook.Protection, error) {
	return hook.ProtectExecuteReadWrite, nil
}

// buildOneClassImage writes a minimal PE image with a single recoverable
// "Foo" class whose first VFT slot holds a sentinel original value, the same
// byte-offset layout as peimage/rtti's own fixtures.
func buildOneClassImage(t *testing.T) ([]byte, uintptr) {
	t.Helper()
	const (
		textOff   = 0x1000
		textSize  = 0x1000
		dataOff   = 0x2000
		dataSize  = 0x1000
		rdataOff  = 0x3000
		rdataSize = 0x2000
		total     = 0x6000
	)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:], 0x80)

	peOff := 0x80
	binary.LittleEndian.PutUint32(buf[peOff:], 0x00004550)
	binary.LittleEndian.PutUint16(buf[peOff+0x06:], 3)
	optHdrSize := uint16(0x10)
	binary.LittleEndian.PutUint16(buf[peOff+0x14:], optHdrSize)

	sectionTable := peOff + 0x18 + int(optHdrSize)
	specs := []struct {
		name string
		off  uint32
		size uint32
	}{
		{".text", textOff, textSize},
		{".data", dataOff, dataSize},
		{".rdata", rdataOff, rdataSize},
	}
	for i, spec := range specs {
		hdr := sectionTable + i*40
		copy(buf[hdr:], []byte(spec.name))
		binary.LittleEndian.PutUint32(buf[hdr+0x08:], spec.size)
		binary.LittleEndian.PutUint32(buf[hdr+0x0C:], spec.off)
	}

	base := func() uintptr { return uintptr(unsafe.Pointer(&buf[0])) }
	addr := func(off int) uintptr { return base() + uintptr(off) }
	putU32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	putI32 := func(off int, v int32) { putU32(off, uint32(v)) }
	putPtr := func(off int, a uintptr) { binary.LittleEndian.PutUint64(buf[off:], uint64(a)) }

	cursor := rdataOff
	alloc := func(n int) int {
		off := (cursor + 7) &^ 7
		cursor = off + n
		return off
	}

	mangled := ".?AVFoo@@\x00"
	tdOff := alloc(16 + len(mangled))
	copy(buf[tdOff+16:], mangled)

	bcdOff := alloc(28)
	putI32(bcdOff, int32(tdOff))

	bcdArrOff := alloc(4)
	putI32(bcdArrOff, int32(bcdOff))

	chdOff := alloc(16)
	putU32(chdOff+0, 0)
	putU32(chdOff+4, 0)
	putU32(chdOff+8, 1)
	putI32(chdOff+12, int32(bcdArrOff))

	colOff := alloc(20)
	putU32(colOff+0, 1)
	putU32(colOff+4, 0)
	putU32(colOff+8, 0)
	putI32(colOff+12, int32(tdOff))
	putI32(colOff+16, int32(chdOff))

	vtOff := alloc(16)
	putPtr(vtOff, addr(colOff))
	putPtr(vtOff+8, addr(textOff)+0x10)

	return buf, addr(vtOff) + 8 // address of the vftable's first slot
}

func TestInstallByClassName(t *testing.T) {
	buf, vftAddr := buildOneClassImage(t)
	base := uintptr(unsafe.Pointer(&buf[0]))

	v := New(Options{
		Allocator: &arenaAllocator{},
		Protector: noopProtector{},
		Demangler: stubDemangler{},
	})

	err := v.Rescan(ModuleLocatorFunc(func() (uintptr, uintptr, error) {
		return base, uintptr(len(buf)), nil
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Foo"}, v.Classes())

	handle, err := v.Install("Foo", 0, 0xABCDEF)
	require.NoError(t, err)
	require.NotNil(t, handle)

	got := *(*uintptr)(unsafe.Pointer(vftAddr))
	assert.Equal(t, handle.VftAddr(), got)

	require.NoError(t, handle.Close())
}

func TestInstallUnknownClass(t *testing.T) {
	buf, _ := buildOneClassImage(t)
	base := uintptr(unsafe.Pointer(&buf[0]))

	v := New(Options{
		Allocator: &arenaAllocator{},
		Protector: noopProtector{},
		Demangler: stubDemangler{},
	})
	require.NoError(t, v.Rescan(ModuleLocatorFunc(func() (uintptr, uintptr, error) {
		return base, uintptr(len(buf)), nil
	})))

	_, err := v.Install("DoesNotExist", 0, 0x1)
	require.Error(t, err)
	assert.ErrorIs(t, err, rtti.ErrClassNotFound)
}
