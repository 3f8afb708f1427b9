package tree

import (
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
)

// ItemIterator is a finite, restartable cursor over a Tree's insertion
// order (spec.md §4.1.3's iterateInsertionOrder / §4.4.1's read stream
// contract, minus tailing which lives in package stream).
type ItemIterator struct {
	tree   *Tree
	opts   IterOptions
	inner  kvstore.Iterator
	cur    Item
	err    error
	closed bool
}

// IterateInsertionOrder returns a cursor bounded by opts.First/Last
// (spec.md §4.1.3). Bounds are resolved to insertion indices once, up
// front, so the scan itself stays a contiguous dsKey range.
func (t *Tree) IterateInsertionOrder(opts IterOptions) (*ItemIterator, error) {
	return t.iterateInsertionOrder(t.store, opts)
}

// IterateInsertionOrderFrom is IterateInsertionOrder resolved against a
// point-in-time Snapshot (see GetByVersionFrom).
func (t *Tree) IterateInsertionOrderFrom(snap kvstore.Snapshot, opts IterOptions) (*ItemIterator, error) {
	return t.iterateInsertionOrder(snap, opts)
}

func (t *Tree) iterateInsertionOrder(r reader, opts IterOptions) (*ItemIterator, error) {
	rng := kvstore.Prefix(withDisc(t.name, discData))

	if opts.First != nil {
		idx, err := r.Get(vKey(t.name, opts.First))
		if err != nil {
			return nil, fmt.Errorf("%w: first version %x: %v", ErrNotFound, opts.First, err)
		}
		start := idx
		if opts.ExcludeFirst {
			start = incIndex(idx, t.opts.ISize)
		}
		rng.Start = dsKey(t.name, start)
	}
	if opts.Last != nil {
		idx, err := r.Get(vKey(t.name, opts.Last))
		if err != nil {
			return nil, fmt.Errorf("%w: last version %x: %v", ErrNotFound, opts.Last, err)
		}
		limit := idx
		if !opts.ExcludeLast {
			limit = incIndex(idx, t.opts.ISize)
		}
		rng.Limit = dsKey(t.name, limit)
	}

	return &ItemIterator{
		tree:  t,
		opts:  opts,
		inner: r.Iterate(rng, opts.Reverse),
	}, nil
}

// Next advances the cursor. It returns false at end-of-stream or on error
// (check Err() to distinguish the two).
func (it *ItemIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for it.inner.Next() {
		item, err := decodeItem(it.inner.Value())
		if err != nil {
			it.err = fmt.Errorf("%w: decode: %v", ErrStorageError, err)
			return false
		}
		if it.opts.ID != nil && !bytesEqual(item.Header.ID, it.opts.ID) {
			continue
		}
		it.cur = item
		return true
	}
	if err := it.inner.Err(); err != nil {
		it.err = fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return false
}

// Item returns the current item; valid only after Next returns true.
func (it *ItemIterator) Item() Item { return it.cur }

// Err returns the first error encountered, if any.
func (it *ItemIterator) Err() error { return it.err }

// Close releases the underlying KV iterator. Safe to call multiple times;
// cancels any further iteration (spec.md §5 "close(tree)").
func (it *ItemIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.inner.Close()
}

func incIndex(idx []byte, size int) []byte {
	out := make([]byte, len(idx))
	copy(out, idx)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	// overflow: all bytes wrapped to 0, meaning there is no larger index
	// representable at this width; returning the all-zero key with this
	// tree's data prefix makes the range empty in practice since real
	// indices are monotonically increasing from 0.
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
