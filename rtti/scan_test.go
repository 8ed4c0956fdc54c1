package rtti

import (
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"

	"github.com/Dasaav-dsv/RTTIHook/peimage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fxTextOff  = 0x1000
	fxTextSize = 0x1000
	fxDataOff  = 0x2000
	fxDataSize = 0x1000
	fxRdataOff = 0x3000
	fxRdataSize = 0x4000
	fxTotal    = 0x8000
)

// stubDemangler strips the MSVC ".?AV...@@" envelope, mirroring spec.md §8
// scenario 2 (".?AVFoo@@\0" -> "Foo"). A name it cannot parse yields "".
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

// fixture is a hand-built PE image with three sections and an arena cursor
// per section for laying out RTTI structures at caller-chosen offsets.
type fixture struct {
	t   *testing.T
	buf []byte

	rdataCursor int
	dataCursor  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	buf := make([]byte, fxTotal)

	binary.LittleEndian.PutUint16(buf[0:], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:], 0x80)

	peOff := 0x80
	binary.LittleEndian.PutUint32(buf[peOff:], 0x00004550)
	binary.LittleEndian.PutUint16(buf[peOff+0x06:], 3)
	optHdrSize := uint16(0x10)
	binary.LittleEndian.PutUint16(buf[peOff+0x14:], optHdrSize)

	sectionTable := peOff + 0x18 + int(optHdrSize)
	type secSpec struct {
		name string
		off  uint32
		size uint32
	}
	specs := []secSpec{
		{".text", fxTextOff, fxTextSize},
		{".data", fxDataOff, fxDataSize},
		{".rdata", fxRdataOff, fxRdataSize},
	}
	for i, spec := range specs {
		hdr := sectionTable + i*40
		copy(buf[hdr:], []byte(spec.name))
		binary.LittleEndian.PutUint32(buf[hdr+0x08:], spec.size)
		binary.LittleEndian.PutUint32(buf[hdr+0x0C:], spec.off)
	}

	return &fixture{t: t, buf: buf, rdataCursor: fxRdataOff, dataCursor: fxDataOff}
}

func (f *fixture) allocRdata(n int) int {
	off := alignUpInt(f.rdataCursor, 8)
	require.LessOrEqual(f.t, off+n, fxRdataOff+fxRdataSize)
	f.rdataCursor = off + n
	return off
}

func (f *fixture) allocData(n int) int {
	off := alignUpInt(f.dataCursor, 8)
	require.LessOrEqual(f.t, off+n, fxDataOff+fxDataSize)
	f.dataCursor = off + n
	return off
}

func alignUpInt(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func (f *fixture) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(f.buf[off:], v) }
func (f *fixture) putI32(off int, v int32)  { f.putU32(off, uint32(v)) }
func (f *fixture) putPtr(off int, addr uintptr) {
	binary.LittleEndian.PutUint64(f.buf[off:], uint64(addr))
}

func (f *fixture) base() uintptr { return uintptr(unsafe.Pointer(&f.buf[0])) }
func (f *fixture) addr(off int) uintptr { return f.base() + uintptr(off) }
func (f *fixture) ibo(off int) int32   { return int32(off) }

// classFixtureOpts lets each test variant corrupt exactly one validation
// input, per spec.md P3 ("no false positive survives when any one of
// signature/ibo_td-section/ibo_chd-section/ibo_bcd-section/nonempty-name
// fails").
type classFixtureOpts struct {
	name          string
	tdInData      bool // place TD in .data instead of .rdata
	badSignature  bool
	badIboTD      bool
	badIboCHD     bool
	badIboBCDArr  bool
	emptyName     bool
}

// addClass writes one complete COL/TD/CHD/BCD chain plus its pointer-slot
// pair in .rdata, and returns the name the scanner should (or, for a
// corrupted variant, should not) recover.
func (f *fixture) addClass(opts classFixtureOpts) string {
	mangled := ".?AV" + opts.name + "@@\x00"
	if opts.emptyName {
		mangled = ".\x00"
	}

	var tdOff int
	if opts.tdInData {
		tdOff = f.allocData(16 + len(mangled))
	} else {
		tdOff = f.allocRdata(16 + len(mangled))
	}
	copy(f.buf[tdOff+16:], mangled)

	bcdOff := f.allocRdata(28)
	tdIbo := f.ibo(tdOff)
	if opts.badIboTD {
		tdIbo = 0x7FFFFFFF // points far outside any section
	}
	f.putI32(bcdOff+0, tdIbo)

	bcdArrOff := f.allocRdata(4)
	f.putI32(bcdArrOff, f.ibo(bcdOff))
	if opts.badIboBCDArr {
		// Corrupt by redirecting the array pointer outside .rdata.
		bcdArrOff = f.allocData(4)
		f.putI32(bcdArrOff, f.ibo(bcdOff))
	}

	chdOff := f.allocRdata(16)
	f.putU32(chdOff+0, 0)
	f.putU32(chdOff+4, 0)
	f.putU32(chdOff+8, 1)
	chdIbo := f.ibo(chdOff)
	f.putI32(chdOff+12, f.ibo(bcdArrOff))

	colOff := f.allocRdata(20)
	sig := uint32(1)
	if opts.badSignature {
		sig = 2
	}
	f.putU32(colOff+0, sig)
	f.putU32(colOff+4, 0)
	f.putU32(colOff+8, 0)
	f.putI32(colOff+12, tdIbo)
	useChdIbo := chdIbo
	if opts.badIboCHD {
		useChdIbo = 0x7FFFFFFF
	}
	f.putI32(colOff+16, useChdIbo)

	vtOff := f.allocRdata(16)
	f.putPtr(vtOff, f.addr(colOff))
	f.putPtr(vtOff+8, f.addr(fxTextOff)+0x10) // a plausible .text address

	if opts.emptyName {
		return ""
	}
	return opts.name
}

func (f *fixture) imageMap(t *testing.T) *peimage.ImageMap {
	t.Helper()
	m, err := peimage.Parse(f.base(), uintptr(len(f.buf)))
	require.NoError(t, err)
	return m
}

// TestScanRecallExactN is property P3.
func TestScanRecallExactN(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Foo"})
	f.addClass(classFixtureOpts{name: "Bar"})
	f.addClass(classFixtureOpts{name: "Baz", tdInData: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, idx.Len())
	assert.ElementsMatch(t, []string{"Bar", "Baz", "Foo"}, idx.Names())

	rec, ok := idx.Get("Foo")
	require.True(t, ok)
	assert.NotZero(t, rec.VftAddr)
	assert.NotZero(t, rec.ColAddr)
}

func TestScanRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Good"})
	f.addClass(classFixtureOpts{name: "BadSig", badSignature: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	_, ok := idx.Get("BadSig")
	assert.False(t, ok)
}

func TestScanRejectsBadIboTD(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Good"})
	f.addClass(classFixtureOpts{name: "BadTD", badIboTD: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestScanRejectsBadIboCHD(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Good"})
	f.addClass(classFixtureOpts{name: "BadCHD", badIboCHD: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestScanRejectsBadBCDArray(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Good"})
	f.addClass(classFixtureOpts{name: "BadBCD", badIboBCDArr: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestScanRejectsEmptyName(t *testing.T) {
	f := newFixture(t)
	f.addClass(classFixtureOpts{name: "Good"})
	f.addClass(classFixtureOpts{name: "Empty", emptyName: true})

	idx, err := Scan(f.imageMap(t), stubDemangler{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestScanMissingSection(t *testing.T) {
	buf := make([]byte, 0x200)
	binary.LittleEndian.PutUint16(buf[0:], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:], 0x80)
	binary.LittleEndian.PutUint32(buf[0x80:], 0x00004550)
	binary.LittleEndian.PutUint16(buf[0x80+0x06:], 0)
	binary.LittleEndian.PutUint16(buf[0x80+0x14:], 0)

	m, err := peimage.Parse(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	require.NoError(t, err)

	_, err = Scan(m, stubDemangler{}, ScanOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScanInitFailed)
	assert.ErrorIs(t, err, ErrMissingSection)
}

func TestDemangleSkipLeadingDot(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf[16:], ".?AVFoo@@\x00") // name follows the 16-byte TypeDescriptor header
	addr := uintptr(unsafe.Pointer(&buf[0]))
	got := demangleTDName(addr, stubDemangler{})
	assert.Equal(t, "Foo", got)
}
