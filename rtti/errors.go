package rtti

import "errors"

// ErrMissingSection is returned when .text, .data, or .rdata is absent from
// the image being scanned.
var ErrMissingSection = errors.New("rtti: required section missing from image")

// ErrScanInitFailed is returned by Scan, wrapping ErrMissingSection, when a
// scan cannot start at all. Scan takes an already-parsed image, so PE-parse
// failures are not wrapped in it; they are the errors peimage.Parse returns.
var ErrScanInitFailed = errors.New("rtti: scan initialization failed")

// ErrClassNotFound is returned by callers building on top of RttiIndex.Get
// (install-by-name) when no record matches the requested class name.
var ErrClassNotFound = errors.New("rtti: class not found")
