// Package vfthook wires peimage, rtti, and hook together behind the
// conceptual public surface of spec.md §6: scan a module once, then install
// or remove hooks by class name or raw VFT pointer.
package vfthook

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/Dasaav-dsv/RTTIHook/hook"
	"github.com/Dasaav-dsv/RTTIHook/peimage"
	"github.com/Dasaav-dsv/RTTIHook/rtti"
)

// ModuleLocator resolves a PE module's base address and mapped size, the
// minimal capability this package needs from the host process. On Windows,
// winapi.CurrentModule/ModuleByName return the same base and size as a
// winapi.ModuleInfo; wrap one in a ModuleLocatorFunc to use it here.
type ModuleLocator interface {
	Locate() (base uintptr, size uintptr, err error)
}

// ModuleLocatorFunc adapts a plain function to ModuleLocator.
type ModuleLocatorFunc func() (uintptr, uintptr, error)

func (f ModuleLocatorFunc) Locate() (uintptr, uintptr, error) { return f() }

// VftHook is the process-wide facade: one image scan backing any number of
// Install calls, each producing an independently removable HookHandle.
type VftHook struct {
	alloc    hook.ExecAllocator
	protect  hook.Protector
	template hook.TrampolineTemplate
	demangle rtti.Demangler
	scanOpts rtti.ScanOptions

	mu    sync.RWMutex
	image *peimage.ImageMap
	index *rtti.RttiIndex
}

// Options configures a VftHook. Template defaults to hook.EntryHookTemplate().
type Options struct {
	Allocator  hook.ExecAllocator
	Protector  hook.Protector
	Template   hook.TrampolineTemplate
	Demangler  rtti.Demangler
	ScanOpts   rtti.ScanOptions
}

// New constructs a VftHook without scanning; call Rescan before looking up
// classes by name. Install does not scan on its own and returns an error
// until a Rescan has succeeded.
func New(opts Options) *VftHook {
	template := opts.Template
	if template.Bytes == nil {
		template = hook.EntryHookTemplate()
	}
	return &VftHook{
		alloc:    opts.Allocator,
		protect:  opts.Protector,
		template: template,
		demangle: opts.Demangler,
		scanOpts: opts.ScanOpts,
	}
}

// Rescan parses the module located by locator and rebuilds the RTTI index.
// Per spec.md §5, a rebuild is an atomic swap: in-flight lookups against the
// previous index continue to see it until this call returns.
func (v *VftHook) Rescan(locator ModuleLocator) error {
	base, size, err := locator.Locate()
	if err != nil {
		return fmt.Errorf("vfthook: locate module: %w", err)
	}
	image, err := peimage.Parse(base, size)
	if err != nil {
		return fmt.Errorf("vfthook: parse image: %w", err)
	}
	index, err := rtti.Scan(image, v.demangle, v.scanOpts)
	if err != nil {
		return fmt.Errorf("vfthook: scan rtti: %w", err)
	}

	v.mu.Lock()
	v.image = image
	v.index = index
	v.mu.Unlock()
	return nil
}

// Classes returns every recovered class name from the last scan.
func (v *VftHook) Classes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.index == nil {
		return nil
	}
	return v.index.Names()
}

// Install hooks the vftIndex'th slot of className's virtual function table
// with fnNew, chaining onto any hook already installed there.
func (v *VftHook) Install(className string, vftIndex int, fnNew uintptr) (*hook.HookHandle, error) {
	v.mu.RLock()
	index := v.index
	v.mu.RUnlock()
	if index == nil {
		return nil, errors.New("vfthook: no scan performed yet")
	}

	rec, ok := index.Get(className)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rtti.ErrClassNotFound, className)
	}
	slot := rec.VftAddr + uintptr(vftIndex)*unsafe.Sizeof(uintptr(0))
	return v.InstallRaw(slot, fnNew)
}

// InstallRaw hooks an arbitrary VFT slot address directly, bypassing the
// class-name index (spec.md §6's VftHook.InstallRaw).
func (v *VftHook) InstallRaw(vftSlotPtr uintptr, fnNew uintptr) (*hook.HookHandle, error) {
	chain := hook.NewHookChain(v.alloc, v.protect, v.template)
	return chain.Install(vftSlotPtr, fnNew)
}
