package peimage

import (
	"unsafe"
)

const (
	imageDOSSignature = 0x5A4D     // "MZ"
	imageNTSignature   = 0x00004550 // "PE\0\0"

	dosE_lfanewOffset = 0x3C

	peSectionCountOffset    = 0x06
	peOptionalHdrSizeOffset = 0x14
	peSectionTableOffset    = 0x18

	sectionHeaderSize       = 40
	sectionNameSize         = 8
	sectionVirtualSizeOff   = 0x08
	sectionVirtualAddrOff   = 0x0C
)

// ImageMap is the ordered list of Sections for a single module, plus its
// base address and size. It is immutable after construction.
type ImageMap struct {
	Base uintptr
	Size uintptr

	sections []Section
}

func a2p(base uintptr, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(base + off)
}

func readU16(base, size uintptr, off uintptr) (uint16, error) {
	if off+2 > size {
		return 0, ErrTruncated
	}
	return *(*uint16)(a2p(base, off)), nil
}

func readU32(base, size uintptr, off uintptr) (uint32, error) {
	if off+4 > size {
		return 0, ErrTruncated
	}
	return *(*uint32)(a2p(base, off)), nil
}

func readI32(base, size uintptr, off uintptr) (int32, error) {
	u, err := readU32(base, size, off)
	return int32(u), err
}

// Parse reads the PE section table of a mapped executable image starting at
// base and spanning size bytes. The caller owns the memory at [base,
// base+size) for the duration of the call (and, since ImageMap retains only
// derived values, not beyond it).
func Parse(base uintptr, size uintptr) (*ImageMap, error) {
	magic, err := readU16(base, size, 0)
	if err != nil {
		return nil, err
	}
	if magic != imageDOSSignature {
		return nil, ErrNotAnImage
	}

	peOffU, err := readI32(base, size, dosE_lfanewOffset)
	if err != nil {
		return nil, err
	}
	if peOffU < 0 {
		return nil, ErrTruncated
	}
	peOff := uintptr(peOffU)

	sig, err := readU32(base, size, peOff)
	if err != nil {
		return nil, err
	}
	if sig != imageNTSignature {
		return nil, ErrNotAnImage
	}

	sectionCount, err := readU16(base, size, peOff+peSectionCountOffset)
	if err != nil {
		return nil, err
	}
	optionalHeaderSize, err := readU16(base, size, peOff+peOptionalHdrSizeOffset)
	if err != nil {
		return nil, err
	}

	sectionTable := peOff + peSectionTableOffset + uintptr(optionalHeaderSize)

	sections := make([]Section, 0, sectionCount)
	for i := uint16(0); i < sectionCount; i++ {
		hdr := sectionTable + uintptr(i)*sectionHeaderSize

		if hdr+sectionHeaderSize > size {
			return nil, ErrTruncated
		}
		nameBytes := unsafe.Slice((*byte)(a2p(base, hdr)), sectionNameSize)
		name := trimSectionName(nameBytes)

		virtualSize, err := readU32(base, size, hdr+sectionVirtualSizeOff)
		if err != nil {
			return nil, err
		}
		virtualAddr, err := readU32(base, size, hdr+sectionVirtualAddrOff)
		if err != nil {
			return nil, err
		}

		start := IBO32(int32(virtualAddr))
		sections = append(sections, Section{
			Name:        name,
			VirtualSize: virtualSize,
			Start:       start,
			End:         start + IBO32(int32(virtualSize)),
		})
	}

	return &ImageMap{Base: base, Size: size, sections: sections}, nil
}

func trimSectionName(raw []byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// SectionsByName returns every section sharing the given canonicalized
// name, in table encounter order, or nil if none match.
func (m *ImageMap) SectionsByName(name string) []Section {
	var out []Section
	for _, s := range m.sections {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Sections returns the full ordered section table.
func (m *ImageMap) Sections() []Section {
	return m.sections
}

// ContainsAddr reports whether addr lies inside any of the given sections,
// interpreted relative to the ImageMap's base.
func (m *ImageMap) ContainsAddr(addr uintptr, sections []Section) bool {
	for _, s := range sections {
		if s.containsAddr(addr, m.Base) {
			return true
		}
	}
	return false
}

// ContainsIbo reports whether ibo lies inside any of the given sections.
func (m *ImageMap) ContainsIbo(ibo IBO32, sections []Section) bool {
	for _, s := range sections {
		if s.containsIbo(ibo) {
			return true
		}
	}
	return false
}

// AddrToIbo converts a raw address to an IBO32 relative to the map's base.
func (m *ImageMap) AddrToIbo(addr uintptr) (IBO32, error) {
	return IboFromAddr(addr, m.Base)
}

// IboToAddr converts an IBO32 to a raw address relative to the map's base.
func (m *ImageMap) IboToAddr(ibo IBO32) uintptr {
	return ibo.ToAddr(m.Base)
}
