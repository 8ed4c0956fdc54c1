package rtti

// Demangler turns a mangled MSVC type-descriptor name into a human-readable
// class name. It is consumed as a boxed capability; the core never talks to
// dbghelp or any other OS facility directly. An empty return means "could
// not demangle" and causes the candidate to be rejected.
type Demangler interface {
	Demangle(mangled []byte) string
}

// demangleTDName resolves the class name for a TypeDescriptor at tdAddr,
// skipping one leading '.' byte per spec.md §3 before handing the name to
// the demangler.
func demangleTDName(tdAddr uintptr, demangler Demangler) string {
	name := tdNameBytes(tdAddr, 4096)
	if len(name) > 0 && name[0] == '.' {
		name = name[1:]
	}
	if len(name) == 0 {
		return ""
	}
	return demangler.Demangle(name)
}
