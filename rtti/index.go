package rtti

import (
	"log"

	"github.com/Dasaav-dsv/RTTIHook/peimage"
	"github.com/google/btree"
	"golang.org/x/time/rate"
)

type classEntry struct {
	name string
	rtti RTTI
}

func lessClassEntry(a, b *classEntry) bool {
	return a.name < b.name
}

// RttiIndex is the process-wide name→RTTI table produced by a scan. It is
// read-only after construction: rebuilding means calling Scan again and
// replacing the value a caller holds, which is not safe to do concurrently
// with readers still using the old one (spec.md §5 — callers serialize
// rebuild against lookups themselves, e.g. via vfthook's atomic swap).
type RttiIndex struct {
	tree *btree.BTreeG[*classEntry]
}

// ScanOptions selects which recovery strategies a Scan runs.
type ScanOptions struct {
	// UseConstructorPatternScan enables strategy (A), the .text instruction
	// pattern scan. Strategy (B), the .rdata pointer sweep, always runs.
	UseConstructorPatternScan bool

	// Logf receives CandidateRejected diagnostics, rate-limited to at most
	// one message per second. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Scan builds an RttiIndex for image. Individual candidate rejections are
// silent (logged at most, never returned); only section-table failures
// (ErrMissingSection) abort the scan with ErrScanInitFailed.
func Scan(image *peimage.ImageMap, demangler Demangler, opts ScanOptions) (*RttiIndex, error) {
	sections, err := newSectionSet(image)
	if err != nil {
		return nil, joinScanInitFailed(err)
	}

	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	limiter := rate.NewLimiter(rate.Limit(1), 1)

	tree := btree.NewG(32, lessClassEntry)

	merge := func(found map[string]RTTI) {
		for name, rec := range found {
			entry := &classEntry{name: name, rtti: rec}
			if _, exists := tree.Get(entry); !exists {
				tree.ReplaceOrInsert(entry)
			}
		}
	}

	merge(scanRdataPointerSweep(image.Base, image, sections, demangler, limiter, logf))
	if opts.UseConstructorPatternScan {
		merge(scanTextConstructorPattern(image.Base, image, sections, demangler, limiter, logf))
	}

	return &RttiIndex{tree: tree}, nil
}

func joinScanInitFailed(cause error) error {
	return &scanInitError{cause: cause}
}

type scanInitError struct{ cause error }

func (e *scanInitError) Error() string { return ErrScanInitFailed.Error() + ": " + e.cause.Error() }
func (e *scanInitError) Unwrap() []error { return []error{ErrScanInitFailed, e.cause} }

// Get returns the RTTI record for a demangled class name.
func (idx *RttiIndex) Get(className string) (RTTI, bool) {
	entry, ok := idx.tree.Get(&classEntry{name: className})
	if !ok {
		return RTTI{}, false
	}
	return entry.rtti, true
}

// Names returns every recovered class name in lexical order.
func (idx *RttiIndex) Names() []string {
	names := make([]string, 0, idx.tree.Len())
	idx.tree.Ascend(func(e *classEntry) bool {
		names = append(names, e.name)
		return true
	})
	return names
}

// Len returns the number of recovered classes.
func (idx *RttiIndex) Len() int {
	return idx.tree.Len()
}
