// Package resource implements the per-runtime handle table: a process-local,
// mutex-guarded table of typed, short-lived host objects (contexts, storage
// facets, iterators, signer/transaction handles) used inside a single
// execution tree.
//
// A single shared table may back many concurrent call trees so long as the
// lock is only held for the duration of one push/get/drop.
package resource

import "sync"

// Handle is an opaque reference returned by Push. It is only meaningful to
// the Table that issued it.
type Handle uint64

// Kind tags the concrete Go type stored behind a Handle, so callers can
// sanity-check before type-asserting.
type Kind int

const (
	KindProcContext Kind = iota
	KindViewContext
	KindFallContext
	KindCoreContext
	KindProcStorage
	KindViewStorage
	KindKeys
	KindSigner
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindProcContext:
		return "ProcContext"
	case KindViewContext:
		return "ViewContext"
	case KindFallContext:
		return "FallContext"
	case KindCoreContext:
		return "CoreContext"
	case KindProcStorage:
		return "ProcStorage"
	case KindViewStorage:
		return "ViewStorage"
	case KindKeys:
		return "Keys"
	case KindSigner:
		return "Signer"
	case KindTransaction:
		return "Transaction"
	default:
		return "Unknown"
	}
}

// Closer is implemented by resources that own something which must be
// released when the handle is dropped (a Keys iterator cancels its
// underlying cursor).
type Closer interface {
	Close()
}

type entry struct {
	kind  Kind
	value any
}

// Table is a mutex-guarded handle table. The zero value is not usable; use
// New.
type Table struct {
	mu      sync.Mutex
	next    uint64
	entries map[Handle]entry
}

// New constructs an empty Table.
func New() *Table {
	return &Table{entries: make(map[Handle]entry)}
}

// Push stores value under a freshly minted handle and returns it. Pushing
// never blocks on anything but the table's own short-lived lock.
func (t *Table) Push(kind Kind, value any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := Handle(t.next)
	t.entries[h] = entry{kind: kind, value: value}
	return h
}

// Get returns the value and kind stored under h, or ok=false if h is not
// valid for this table (including after it has been dropped).
func (t *Table) Get(h Handle) (value any, kind Kind, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[h]
	if !found {
		return nil, 0, false
	}
	return e.value, e.kind, true
}

// Drop removes h from the table. If the stored value implements Closer, its
// Close method is invoked after the handle is removed so a concurrent
// Get cannot observe a half-closed resource. Dropping an already-dropped or
// never-issued handle is a silent no-op.
func (t *Table) Drop(h Handle) {
	t.mu.Lock()
	e, found := t.entries[h]
	if found {
		delete(t.entries, h)
	}
	t.mu.Unlock()
	if found {
		if c, ok := e.value.(Closer); ok {
			c.Close()
		}
	}
}

// Len reports the number of live handles, for diagnostics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
