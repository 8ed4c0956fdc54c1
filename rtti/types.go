package rtti

import "unsafe"

// completeObjectLocator mirrors the Microsoft x86-64 CompleteObjectLocator
// on-disk layout exactly (20 bytes, signature==1 for image-relative mode).
type completeObjectLocator struct {
	Signature       uint32
	Offset          uint32
	ConstructorDisp uint32
	IboTD           int32 // peimage.IBO32, stored as int32 for direct memory overlay
	IboCHD          int32
}

const colSignatureX64 = 1

// classHierarchyDescriptor mirrors ClassHierarchyDescriptor (16 bytes).
type classHierarchyDescriptor struct {
	Signature           uint32
	Flags               uint32
	NumBaseClasses      uint32
	IboBaseClassArray   int32
}

// baseClassDescriptor mirrors BaseClassDescriptor (28 bytes).
type baseClassDescriptor struct {
	IboTD              int32
	NumExtendedClasses uint32
	Displacements      [3]int32
	Flags              uint32
	IboCHD             int32
}

// typeDescriptorHeader is the fixed-size prefix of a TypeDescriptor; the
// mangled name follows as nul-terminated bytes immediately after.
type typeDescriptorHeader struct {
	TypeInfoVftablePtr uintptr
	Spare              uintptr
}

func colAt(addr uintptr) *completeObjectLocator {
	return (*completeObjectLocator)(unsafe.Pointer(addr))
}

func chdAt(addr uintptr) *classHierarchyDescriptor {
	return (*classHierarchyDescriptor)(unsafe.Pointer(addr))
}

func bcdAt(addr uintptr) *baseClassDescriptor {
	return (*baseClassDescriptor)(unsafe.Pointer(addr))
}

func tdHeaderAt(addr uintptr) *typeDescriptorHeader {
	return (*typeDescriptorHeader)(unsafe.Pointer(addr))
}

// tdNameBytes returns the raw (still-mangled) name bytes of a TypeDescriptor
// at addr, up to maxLen bytes, stopping at the first NUL.
func tdNameBytes(addr uintptr, maxLen int) []byte {
	nameAddr := addr + unsafe.Sizeof(typeDescriptorHeader{})
	raw := unsafe.Slice((*byte)(unsafe.Pointer(nameAddr)), maxLen)
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	out := make([]byte, n)
	copy(out, raw[:n])
	return out
}

func readPtr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// RTTI is the public, immutable record recovered for one C++ class.
type RTTI struct {
	VftAddr      uintptr
	ColAddr      uintptr
	TdAddr       uintptr
	ChdAddr      uintptr
	BcdAddr      uintptr
	DemangledName string
}
