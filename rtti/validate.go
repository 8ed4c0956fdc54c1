package rtti

import (
	"unsafe"

	"github.com/Dasaav-dsv/RTTIHook/peimage"
)

// sectionSet bundles the sections a candidate is validated against.
type sectionSet struct {
	image *peimage.ImageMap
	text  []peimage.Section
	data  []peimage.Section
	rdata []peimage.Section
}

func newSectionSet(image *peimage.ImageMap) (*sectionSet, error) {
	text := image.SectionsByName(".text")
	data := image.SectionsByName(".data")
	rdata := image.SectionsByName(".rdata")
	if len(text) == 0 || len(data) == 0 || len(rdata) == 0 {
		return nil, ErrMissingSection
	}
	return &sectionSet{image: image, text: text, data: data, rdata: rdata}, nil
}

func (s *sectionSet) inText(addr uintptr) bool  { return s.image.ContainsAddr(addr, s.text) }
func (s *sectionSet) inData(addr uintptr) bool  { return s.image.ContainsAddr(addr, s.data) }
func (s *sectionSet) inRdata(addr uintptr) bool { return s.image.ContainsAddr(addr, s.rdata) }

// validateCOL runs §4.2-V against a candidate CompleteObjectLocator address
// and, on success, builds its RTTI record. It never returns an error for a
// failed candidate — callers treat a false ok as "silently reject and keep
// scanning".
func (s *sectionSet) validateCOL(base uintptr, colAddr uintptr, vftAddr uintptr, demangler Demangler) (RTTI, bool) {
	col := colAt(colAddr)
	if col.Signature != colSignatureX64 {
		return RTTI{}, false
	}

	tdAddr := peimage.IBO32(col.IboTD).ToAddr(base)
	if !s.inData(tdAddr) && !s.inRdata(tdAddr) {
		return RTTI{}, false
	}

	chdAddr := peimage.IBO32(col.IboCHD).ToAddr(base)
	if !s.inRdata(chdAddr) {
		return RTTI{}, false
	}

	chd := chdAt(chdAddr)
	bcdArrayAddr := peimage.IBO32(chd.IboBaseClassArray).ToAddr(base)
	if !s.inRdata(bcdArrayAddr) {
		return RTTI{}, false
	}
	// The base class array holds image-relative offsets (4 bytes each) in
	// x86-64 mode, not raw pointers; the first entry is this class's own
	// BaseClassDescriptor.
	firstEntryIbo := *(*int32)(unsafe.Pointer(bcdArrayAddr))
	bcdAddr := peimage.IBO32(firstEntryIbo).ToAddr(base)

	name := demangleTDName(tdAddr, demangler)
	if name == "" {
		return RTTI{}, false
	}

	return RTTI{
		VftAddr:       vftAddr,
		ColAddr:       colAddr,
		TdAddr:        tdAddr,
		ChdAddr:       chdAddr,
		BcdAddr:       bcdAddr,
		DemangledName: name,
	}, true
}
