// Package winapi binds the capability interfaces declared by rtti and hook
// to real Win32 calls, and looks up the loaded module that peimage.Parse
// reads, following the teacher's memmod package's style of thin wrappers
// over golang.org/x/sys/windows.
package winapi

import "errors"

// ErrModuleNotFound is returned when a requested module is not loaded in
// the current process.
var ErrModuleNotFound = errors.New("winapi: module not found")
