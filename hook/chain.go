package hook

import (
	"sync"
	"unsafe"
)

// contextSize is the size of the per-hook register-save area a context hook
// trampoline variant would use; the entry-hook floor variant never touches
// it, but every hook still gets one allocated so a caller can swap
// templates without changing the header layout.
const contextSize = 0x100

// pinned keeps the Go-managed objects a hook's raw header fields point at
// alive: writing a *sync.Mutex's address into unmanaged trampoline memory
// as a bare uintptr does not, by itself, stop the garbage collector from
// reclaiming it, since the GC never scans VirtualAlloc'd pages for roots.
type pinned struct {
	mutex   *sync.Mutex
	context []byte
}

var (
	registryMu sync.Mutex
	registry   = map[uintptr]*pinned{}
)

func registerPinned(header hookHeader, mtx *sync.Mutex, ctx []byte) {
	registryMu.Lock()
	registry[uintptr(header)] = &pinned{mutex: mtx, context: ctx}
	registryMu.Unlock()
}

func rebindPinnedMutex(header hookHeader, mtx *sync.Mutex) {
	registryMu.Lock()
	if p, ok := registry[uintptr(header)]; ok {
		p.mutex = mtx
	}
	registryMu.Unlock()
}

func unregisterPinned(header hookHeader) {
	registryMu.Lock()
	delete(registry, uintptr(header))
	registryMu.Unlock()
}

func mutexAt(addr uintptr) *sync.Mutex {
	return (*sync.Mutex)(unsafe.Pointer(addr))
}

// HookChain allocates trampolines and installs/uninstalls hooks into VFT
// slots, chaining multiple installs to the same slot (possibly from
// independent HookChain instances, in-process or across cooperating
// libraries) by recognizing the magic-tagged headers already linked into the
// slot. The process-wide registry above only keeps each hook's Go-side mutex
// and context alive; it plays no part in finding a chain.
type HookChain struct {
	alloc    ExecAllocator
	protect  Protector
	template TrampolineTemplate
}

// NewHookChain builds a HookChain using the given capabilities and
// trampoline shape (spec.md Design Notes §9: "the installer takes a
// template by parameter").
func NewHookChain(alloc ExecAllocator, protect Protector, template TrampolineTemplate) *HookChain {
	return &HookChain{alloc: alloc, protect: protect, template: template}
}

// HookHandle owns one trampoline allocation. Close uninstalls it and frees
// the page; it must only be called once.
type HookHandle struct {
	chain  *HookChain
	header hookHeader
}

func writeMagic(h hookHeader) {
	*(*uint64)(unsafe.Pointer(uintptr(h) + offMagic)) = hookMagic
}

// Install installs fnNew into the slot at vftSlotPtr, chaining onto
// whatever was already there (spec.md §4.3).
func (c *HookChain) Install(vftSlotPtr uintptr, fnNew uintptr) (*HookHandle, error) {
	size := c.template.Size()
	addr, err := c.alloc.AllocExec(size)
	if err != nil {
		return nil, joinAllocFailed(err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), c.template.Bytes)

	header := hookHeader(addr)
	writeMagic(header)

	fnHooked := loadUintptrFenced(vftSlotPtr)
	header.storeFnNew(fnNew)
	header.storeFnHooked(fnHooked)
	header.storePrevious(vftSlotPtr) // anchor; this header is the new head regardless of chaining below

	mtx := &sync.Mutex{}
	ctx := make([]byte, contextSize)
	registerPinned(header, mtx, ctx)
	header.storeContext(uintptr(unsafe.Pointer(&ctx[0])))
	header.storeExtra(0)

	rollback := func(cause error) (*HookHandle, error) {
		unregisterPinned(header)
		c.alloc.FreeExec(addr)
		return nil, cause
	}

	if prevHeader, ok := isHook(fnHooked); ok {
		prevMutex := mutexAt(prevHeader.loadChainLock())
		prevMutex.Lock()

		cur := loadUintptrFenced(vftSlotPtr)
		if cur != fnHooked {
			fnHooked = cur
			header.storeFnHooked(fnHooked)
			if newer, ok2 := isHook(fnHooked); ok2 {
				prevHeader = newer
				prevMutex.Unlock()
				prevMutex = mutexAt(prevHeader.loadChainLock())
				prevMutex.Lock()
			}
		}

		header.storeChainLock(uintptr(unsafe.Pointer(prevMutex)))
		rebindPinnedMutex(header, prevMutex)

		if err := rdataWrite(c.protect, prevHeader.previousFieldAddr(), header.bodyAddr()); err != nil {
			prevMutex.Unlock()
			return rollback(err)
		}
		if err := rdataWrite(c.protect, vftSlotPtr, header.bodyAddr()); err != nil {
			prevMutex.Unlock()
			return rollback(err)
		}
		prevMutex.Unlock()
	} else {
		header.storeChainLock(uintptr(unsafe.Pointer(mtx)))
		if err := rdataWrite(c.protect, vftSlotPtr, header.bodyAddr()); err != nil {
			return rollback(err)
		}
	}

	return &HookHandle{chain: c, header: header}, nil
}

// traverseToHead walks forward-chain previous pointers from an arbitrary
// chain member to the current head (spec.md §4.3 uninstall step 1).
func traverseToHead(header hookHeader) hookHeader {
	node := header
	for {
		prevVal := node.loadPrevious()
		h, ok := isHook(prevVal)
		if !ok {
			return node
		}
		node = h
	}
}

// Uninstall removes a single hook from anywhere in its chain — middle,
// head, or bottom — without corrupting its neighbors (spec.md §4.3, P5).
func (c *HookChain) Uninstall(handle *HookHandle) error {
	header := handle.header
	head := traverseToHead(header)
	mtx := mutexAt(head.loadChainLock())
	mtx.Lock()

	if next, ok := isHook(header.loadFnHooked()); ok {
		if err := rdataWrite(c.protect, next.previousFieldAddr(), header.loadPrevious()); err != nil {
			mtx.Unlock()
			return err
		}
	}

	prevVal := header.loadPrevious()
	if prevHook, ok := isHook(prevVal); ok {
		if err := rdataWrite(c.protect, prevHook.fnHookedFieldAddr(), header.loadFnHooked()); err != nil {
			mtx.Unlock()
			return err
		}
	} else {
		if err := rdataWrite(c.protect, prevVal, header.loadFnHooked()); err != nil {
			mtx.Unlock()
			return err
		}
	}
	mtx.Unlock()

	unregisterPinned(header)
	return c.alloc.FreeExec(uintptr(header))
}

// Close is equivalent to h's owning HookChain calling Uninstall(h); it
// matches the "dropping a HookHandle uninstalls and frees" ownership model
// of spec.md §3.
func (h *HookHandle) Close() error {
	return h.chain.Uninstall(h)
}

// VftAddr returns the address of this hook's trampoline body — what the
// VFT slot points at while this hook is the chain head.
func (h *HookHandle) VftAddr() uintptr {
	return h.header.bodyAddr()
}
