// Package peimage parses the PE section table of a mapped executable image
// and answers containment queries against it.
package peimage

import "fmt"

// IBO32 is a signed 32-bit image-base offset: a byte delta from a module's
// load base. It round-trips to a raw address given any base.
type IBO32 int32

// maxIBODelta bounds the window within which a raw address can be expressed
// as an IBO32 relative to a given base.
const maxIBODelta = 1 << 31

// IboFromAddr computes the IBO32 of addr relative to base.
func IboFromAddr(addr, base uintptr) (IBO32, error) {
	var delta int64
	if addr >= base {
		delta = int64(addr - base)
	} else {
		delta = -int64(base - addr)
	}
	if delta < -maxIBODelta || delta >= maxIBODelta {
		return 0, fmt.Errorf("peimage: address %#x is not within a 32-bit offset of base %#x", addr, base)
	}
	return IBO32(delta), nil
}

// ToAddr returns the raw address this offset names relative to base.
func (ibo IBO32) ToAddr(base uintptr) uintptr {
	if ibo >= 0 {
		return base + uintptr(ibo)
	}
	return base - uintptr(-int64(ibo))
}
