package winapi

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/Dasaav-dsv/RTTIHook/hook"
)

// VirtualExecAllocator implements hook.ExecAllocator on top of
// VirtualAlloc/VirtualFree, following the allocation pattern the teacher's
// memmod.LoadLibrary uses to reserve and commit module image memory.
type VirtualExecAllocator struct{}

func (VirtualExecAllocator) AllocExec(size uintptr) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("VirtualAlloc: %w", err)
	}
	return addr, nil
}

func (VirtualExecAllocator) FreeExec(addr uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree: %w", err)
	}
	return nil
}

// VirtualProtector implements hook.Protector on top of VirtualProtect, the
// same call the teacher's finalizeSection uses to flip section permissions
// after copying a module's sections into memory.
//
// hook.Protection values round-trip as raw PAGE_* constants: Protect only
// translates hook's two named flags (ProtectReadWrite/
// ProtectExecuteReadWrite) to their Win32 equivalents and passes any other
// value straight through as an already-Win32 flag. This lets rdataWrite's
// restore call hand back exactly the oldProtect VirtualProtect reported —
// PAGE_READONLY or PAGE_EXECUTE_READ on a mapped .rdata page included —
// instead of collapsing it to one of the two named flags, matching the
// teacher's finalizeSection, which restores the exact oldProtect it read.
type VirtualProtector struct{}

var protectionToWin32 = map[hook.Protection]uint32{
	hook.ProtectReadWrite:        windows.PAGE_READWRITE,
	hook.ProtectExecuteReadWrite: windows.PAGE_EXECUTE_READWRITE,
}

func (VirtualProtector) Protect(addr, length uintptr, newFlags hook.Protection) (hook.Protection, error) {
	win32Flags, ok := protectionToWin32[newFlags]
	if !ok {
		win32Flags = uint32(newFlags)
	}
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, length, win32Flags, &oldProtect); err != nil {
		return 0, fmt.Errorf("VirtualProtect: %w", err)
	}
	return hook.Protection(oldProtect), nil
}
