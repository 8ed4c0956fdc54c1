package hook

// Protection is an OS-agnostic page protection flag set, mapped by a
// Protector implementation onto real platform constants (e.g. the
// windows.PAGE_* values the teacher's memmod package already juggles).
type Protection uint32

const (
	ProtectReadWrite Protection = iota
	ProtectExecuteReadWrite
)

// ExecAllocator allocates and frees executable memory for trampolines. A
// fresh call to AllocExec must never colocate two live trampolines in the
// same page range (spec.md §4.3 step 1).
type ExecAllocator interface {
	AllocExec(size uintptr) (uintptr, error)
	FreeExec(addr uintptr) error
}

// Protector changes and restores page protection around a pointer-sized
// store into memory that may be read-only (the VFT slot itself, or a
// neighboring hook's header field).
type Protector interface {
	Protect(addr uintptr, length uintptr, newFlags Protection) (old Protection, err error)
}

// rdataWrite performs the protect/fence/store/restore sequence of
// spec.md §4.3: change protection to RWX, fence, perform the pointer-sized
// store, then restore the original protection. A failure changing
// protection aborts without retry and without performing the store.
func rdataWrite(protector Protector, dest uintptr, value uintptr) error {
	old, err := protector.Protect(dest, pointerSize, ProtectExecuteReadWrite)
	if err != nil {
		return joinProtectFailed(err)
	}
	storeUintptrFenced(dest, value)
	if _, err := protector.Protect(dest, pointerSize, old); err != nil {
		return joinProtectFailed(err)
	}
	return nil
}

const pointerSize = 8
