package peimage

import "errors"

// ErrNotAnImage is returned when the MZ/PE signature check fails.
var ErrNotAnImage = errors.New("peimage: not a PE image")

// ErrTruncated is returned when a computed header offset falls outside the
// bounds supplied to Parse.
var ErrTruncated = errors.New("peimage: image buffer is truncated")
