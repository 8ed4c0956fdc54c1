package winapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ModuleInfo is the base address and mapped size of a loaded PE image, the
// pair peimage.Parse needs.
type ModuleInfo struct {
	Base uintptr
	Size uintptr
}

// CurrentModule locates the main executable module of the calling process,
// the usual target for self-hooking (spec.md §7's example flow).
func CurrentModule() (ModuleInfo, error) {
	return moduleByHandle(0)
}

// ModuleByName locates a loaded module by its file name (e.g. "user32.dll"),
// following the GetModuleHandleEx pattern the teacher uses in
// hookRtlPcToFileHeader.
func ModuleByName(name string) (ModuleInfo, error) {
	var h windows.Handle
	err := windows.GetModuleHandleEx(0, windows.StringToUTF16Ptr(name), &h)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
	}
	return moduleByHandle(h)
}

func moduleByHandle(h windows.Handle) (ModuleInfo, error) {
	if h == 0 {
		mod, err := windows.GetModuleHandle("")
		if err != nil {
			return ModuleInfo{}, fmt.Errorf("%w: %v", ErrModuleNotFound, err)
		}
		h = mod
	}
	base := uintptr(h)

	var info windows.ModuleInfo
	process, err := windows.GetCurrentProcess()
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("GetCurrentProcess: %w", err)
	}
	if err := windows.K32GetModuleInformation(process, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return ModuleInfo{}, fmt.Errorf("K32GetModuleInformation: %w", err)
	}
	return ModuleInfo{Base: base, Size: uintptr(info.SizeOfImage)}, nil
}
