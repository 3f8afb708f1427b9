package tree

import "errors"

// Error taxonomy per spec.md §7. Each is a package-level sentinel, in the
// style of the teacher's errBadDAG, rather than v.io/v23/verror — verror is
// wired to the vanadium RPC context.T, which is out of scope here (see
// DESIGN.md).
var (
	// ErrInvalidHeader covers malformed input headers (spec.md §4.1.2):
	// an empty or over-255-byte id, a v of the wrong width, or (from
	// mergetree.LocalWrite) a missing id or pa present on a local write.
	ErrInvalidHeader = errors.New("tree: invalid header")

	// ErrMissingParent is returned when a write names a parent version
	// that the parent-existence check cannot find (spec.md §4.1.2 step
	// 2). Write checks this Tree alone; WriteChecked lets callers widen
	// the check to other Trees sharing the same store.
	ErrMissingParent = errors.New("tree: missing parent")

	// ErrDuplicateVersion is returned when h.v already exists in the Tree
	// (spec.md §4.1.2 step 3).
	ErrDuplicateVersion = errors.New("tree: duplicate version")

	// ErrSizeOutOfRange is returned for vSize/iSize outside 1..6.
	ErrSizeOutOfRange = errors.New("tree: size out of range")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("tree: not found")

	// ErrClosed names the closed state. No Tree operation returns it;
	// calls made after Close are not rejected.
	ErrClosed = errors.New("tree: closed")

	// ErrStorageError wraps failures surfaced by the backing KV store.
	ErrStorageError = errors.New("tree: storage error")
)
