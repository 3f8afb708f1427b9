// Package tree implements a single named DAG namespace inside an ordered
// KV store (spec.md §4.1): key encoding, the write contract, head
// tracking, conflict flagging and lookups by identity/version/insertion
// index.
//
// It is grounded on the teacher's dag.go
// (_examples/aghassemi-go.ref/services/syncbase/sync/dag.go), generalized
// from the teacher's file-scoped heads/nodes tables sharing one DAG per
// process to spec.md's requirement of many independently named Trees
// (local, stage, one per perspective) sharing a single backing store, and
// from the teacher's ≤2-parent, in-process graft bookkeeping to the
// explicit multi-index key layout spec.md §4.1.1 mandates so that Tree
// state survives restart without replaying a sync session.
package tree

import "fmt"

// Header mirrors spec.md §3.1's h: {id, v?, pa?, pe?, i?, d?, c?}. Deleted
// and Conflict are optional bools in the spec (d? / c?); their zero value
// (false) is exactly "absent", so no separate presence tracking is needed.
type Header struct {
	ID          []byte   // h.id: opaque document identity, <=255 bytes.
	V           []byte   // h.v: version id, exactly vSize bytes.
	Parents     [][]byte // h.pa: ordered set of parent versions; nil for a root.
	Perspective string   // h.pe: name of the perspective the version came from; "" for a local change.
	Index       []byte   // h.i: insertion index, assigned by the Tree, never by callers.
	Deleted     bool     // h.d: tombstone.
	Conflict    bool     // h.c: marked conflicting.
}

// Item is a complete version (spec.md §3.1's {h, m?, b?}).
type Item struct {
	Header Header
	Meta   map[string]interface{} // m: opaque metadata, not hashed.
	Body   interface{}            // b: document body; absent (nil) on tombstones.
}

func (i Item) String() string {
	return fmt.Sprintf("%x@%x<-%v", i.Header.V, i.Header.ID, i.Header.Parents)
}

// HeadsOptions filters getHeads (spec.md §4.1.3).
type HeadsOptions struct {
	SkipConflicts bool
	SkipDeletes   bool
}

// IterOptions configures iterateInsertionOrder / createReadStream
// (spec.md §4.1.3, §4.4.1).
type IterOptions struct {
	ID           []byte // restrict to one document identity; nil for all.
	First, Last  []byte // version bounds, inclusive by default.
	ExcludeFirst bool
	ExcludeLast  bool
	Reverse      bool
}

// Options configures a Tree at open time.
type Options struct {
	// VSize is the exact byte width of a version id. Default 6, range 1..6.
	VSize int
	// ISize is the exact byte width of the insertion index. Default 6.
	ISize int
}

const (
	defaultVSize = 6
	defaultISize = 6
	maxSize      = 6
)

func (o Options) withDefaults() (Options, error) {
	if o.VSize == 0 {
		o.VSize = defaultVSize
	}
	if o.ISize == 0 {
		o.ISize = defaultISize
	}
	if o.VSize < 1 || o.VSize > maxSize {
		return o, fmt.Errorf("%w: vSize %d", ErrSizeOutOfRange, o.VSize)
	}
	if o.ISize < 1 || o.ISize > maxSize {
		return o, fmt.Errorf("%w: iSize %d", ErrSizeOutOfRange, o.ISize)
	}
	return o, nil
}
