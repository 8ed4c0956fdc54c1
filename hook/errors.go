package hook

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// ErrAllocFailed is returned when executable page allocation fails.
var ErrAllocFailed = errors.New("hook: executable page allocation failed")

// ErrProtectFailed is returned when a page protection change fails; the
// caller aborts the install/uninstall and does not retry.
var ErrProtectFailed = errors.New("hook: page protection change failed")

func joinAllocFailed(cause error) error   { return &wrapped{ErrAllocFailed, cause} }
func joinProtectFailed(cause error) error { return &wrapped{ErrProtectFailed, cause} }

type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string   { return w.sentinel.Error() + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() []error { return []error{w.sentinel, w.cause} }

func storeUintptrFenced(dest uintptr, value uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(dest)), value)
}

func loadUintptrFenced(addr uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))
}
