package rtti

import (
	"encoding/binary"
	"unsafe"

	"github.com/Dasaav-dsv/RTTIHook/peimage"
	"golang.org/x/time/rate"
)

// constructorPattern is the 16-byte template from spec.md §4.2 strategy (A):
//
//	REX.W  lea  r??, [rip+disp32]
//	REX.W  mov  [r??], r??
//
// patternBytes holds the fixed bits; matchMask holds, per byte, the bits
// that must agree with patternBytes (1 = must match, 0 = don't-care).
var patternBytes = [16]byte{
	0x48, 0x8D, 0x05, 0x00, 0x00, 0x00, 0x00,
	0x48, 0x89, 0x00,
	0, 0, 0, 0, 0, 0, // unused tail, padding the window to 16 bytes
}

var matchMask = [16]byte{
	0b11111011, 0xFF, 0b11000111, 0x00, 0x00, 0x00, 0x00,
	0b11111010, 0xFF, 0b11000000,
	0, 0, 0, 0, 0, 0,
}

const patternLen = 10 // only the first 10 bytes of the window are significant

// windowMatches reports whether the first patternLen bytes of window satisfy
// the don't-care mask compare described in spec.md §4.2.
func windowMatches(window []byte) bool {
	for i := 0; i < patternLen; i++ {
		if window[i]&matchMask[i] != patternBytes[i]&matchMask[i] {
			return false
		}
	}
	return true
}

// registerConsistency applies the three post-match checks from spec.md
// §4.2: the mov ModR/M must not degenerate into a RIP-relative or SIB form,
// the REX.R bits of lea and mov must agree, and the reg fields of both
// ModR/M bytes must name the same register.
func registerConsistency(window []byte) bool {
	leaRex := window[0]
	leaModRM := window[2]
	movRex := window[7]
	movModRM := window[9]

	movMod := movModRM >> 6
	movRM := movModRM & 0x07
	if movMod == 0 && movRM == 0x05 { // RIP-relative degenerate form
		return false
	}
	if movRM == 0x04 { // SIB byte present, breaks the fixed 16-byte template
		return false
	}

	leaR := (leaRex >> 2) & 1
	movR := (movRex >> 2) & 1
	if leaR != movR {
		return false
	}

	leaReg := (leaModRM >> 3) & 0x07
	movReg := (movModRM >> 3) & 0x07
	return leaReg == movReg
}

// scanTextConstructorPattern implements strategy (A): a masked windowed scan
// over .text for the constructor vtable-store instruction pair, per
// spec.md §4.2.
func scanTextConstructorPattern(base uintptr, image *peimage.ImageMap, sections *sectionSet, demangler Demangler, limiter *rate.Limiter, logf func(string, ...any)) map[string]RTTI {
	found := make(map[string]RTTI)

	for _, txt := range image.SectionsByName(".text") {
		start := txt.Start.ToAddr(base)
		end := txt.End.ToAddr(base)
		if end < start+16 {
			continue
		}

		buf := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

		for i := 0; i+16 <= len(buf); {
			window := buf[i : i+16]

			if !windowMatches(window) {
				i++
				continue
			}

			if !registerConsistency(window) {
				i++
				continue
			}

			p := start + uintptr(i)
			disp32 := int32(binary.LittleEndian.Uint32(window[3:7]))
			vftAddr := p + 7 + uintptr(disp32)
			if !sections.inText(p) {
				i++
				continue
			}

			colPtrAddr := vftAddr - pointerSize
			if !sections.inRdata(colPtrAddr) {
				i++
				continue
			}
			colAddr := readPtr(colPtrAddr)
			if !sections.inRdata(colAddr) {
				i++
				continue
			}

			rec, ok := sections.validateCOL(base, colAddr, vftAddr, demangler)
			if !ok {
				if limiter.Allow() {
					logf("rtti: rejected text-scan candidate at %#x", p)
				}
				i++
				continue
			}
			if _, exists := found[rec.DemangledName]; !exists {
				found[rec.DemangledName] = rec
			}
			i++
		}
	}
	return found
}
