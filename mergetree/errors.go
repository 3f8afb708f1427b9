package mergetree

import "errors"

// Error taxonomy per spec.md §7, the MergeTree-level portion (tree-level
// errors live in package tree and are returned unwrapped where they
// surface directly).
var (
	// ErrLocalForkDetected is returned when the local tree has more than
	// one non-conflicting head for an id at a point the algorithm
	// requires exactly one (spec.md §4.2.1 step 2a, §4.2.4 step 1a).
	ErrLocalForkDetected = errors.New("mergetree: local fork detected")

	// ErrUnknownPerspective is returned when an operation names a
	// perspective that was not configured at Open time.
	ErrUnknownPerspective = errors.New("mergetree: unknown perspective")

	// ErrNameCollision is returned when a perspective name equals the
	// reserved local or stage tree name (spec.md §4.2.2).
	ErrNameCollision = errors.New("mergetree: name collision with local/stage")

	// ErrHookError wraps an error returned by a hook in the remote-write
	// chain (spec.md §4.6); the triggering item is dropped from that
	// write.
	ErrHookError = errors.New("mergetree: hook error")

	// ErrClosed names the closed state. No operation of this package
	// returns it; calls made after Close are not rejected.
	ErrClosed = errors.New("mergetree: closed")

	// ErrAckBodyMismatch is returned by LocalWrite when the caller
	// acknowledges a staged merge (h.v already present in stage) with a
	// body that does not match the staged one (spec.md §4.2.1 step 1).
	ErrAckBodyMismatch = errors.New("mergetree: ack body does not match staged merge")
)
