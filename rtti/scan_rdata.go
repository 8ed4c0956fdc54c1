package rtti

import (
	"unsafe"

	"github.com/Dasaav-dsv/RTTIHook/peimage"
	"golang.org/x/time/rate"
)

const pointerSize = unsafe.Sizeof(uintptr(0))

// scanRdataPointerSweep implements strategy (B): treat every .rdata section
// as a pointer array and probe each pointer-aligned slot as a candidate
// CompleteObjectLocator pointer. One advance per candidate — see DESIGN.md
// for the deviation this resolves relative to the double-increment stepping
// the original scanner used.
func scanRdataPointerSweep(base uintptr, image *peimage.ImageMap, sections *sectionSet, demangler Demangler, limiter *rate.Limiter, logf func(string, ...any)) map[string]RTTI {
	found := make(map[string]RTTI)

	for _, rd := range image.SectionsByName(".rdata") {
		start := rd.Start.ToAddr(base)
		end := rd.End.ToAddr(base)

		for slot := alignUp(start, pointerSize); slot+2*pointerSize <= end; slot += pointerSize {
			col := readPtr(slot)
			if !sections.inRdata(col) {
				continue
			}

			nextSlot := slot + pointerSize
			firstVftEntry := readPtr(nextSlot)
			if !sections.inText(firstVftEntry) {
				continue
			}

			rec, ok := sections.validateCOL(base, col, nextSlot, demangler)
			if !ok {
				if limiter.Allow() {
					logf("rtti: rejected rdata candidate at %#x", col)
				}
				continue
			}

			if _, exists := found[rec.DemangledName]; !exists {
				found[rec.DemangledName] = rec
			}
		}
	}
	return found
}

func alignUp(addr uintptr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
