package winapi

import (
	"sync"
	"syscall"
	"unsafe"
)

var (
	dbghelp                 = syscall.NewLazyDLL("dbghelp.dll")
	procUnDecorateSymbolName = dbghelp.NewProc("UnDecorateSymbolName")
)

// UnDecorateSymbolName flags per spec.md §6: strip everything down to the
// bare class name so the demangled string is usable as the RTTI index's key.
const (
	undnameNoLeadingUnderscores = 0x0001
	undnameNoMSKeywords         = 0x0002
	undname32BitDecode          = 0x0800
	undnameNameOnly             = 0x1000
	undnameNoArguments          = 0x2000

	undnameDemangleFlags = undnameNoArguments | undnameNameOnly | undnameNoMSKeywords |
		undnameNoLeadingUnderscores | undname32BitDecode
)

// SymDemangler implements rtti.Demangler using dbghelp's
// UnDecorateSymbolName, the same DLL the MSVC toolchain itself uses to turn
// mangled type names back into source-level class names.
type SymDemangler struct {
	mu sync.Mutex
}

func (d *SymDemangler) Demangle(mangled []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := make([]byte, len(mangled)+1)
	copy(name, mangled)

	out := make([]byte, 1024)
	ret, _, _ := procUnDecorateSymbolName.Call(
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(unsafe.Pointer(&out[0])),
		uintptr(len(out)),
		undnameDemangleFlags,
	)
	if ret == 0 {
		return ""
	}
	return string(out[:ret])
}
