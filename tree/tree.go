package tree

import (
	"fmt"
	"sync"
	"sync/atomic"

	"v.io/x/lib/vlog"
	"v.io/x/ref/lib/stats"

	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
)

// Tree owns one named DAG namespace inside store (spec.md §4.1). Multiple
// Trees (local, stage, one per perspective) can share the same backing
// store: the name is folded into every key, exactly as the teacher folds
// object id into a single DAG file's keys, generalized to many named DAGs.
type Tree struct {
	name  string
	store kvstore.Store
	opts  Options

	// TracksOffsets is true only for the local tree: per spec.md §4.1.2
	// step 6, only the local tree records usKey[pe] on write.
	TracksOffsets bool

	mu      sync.Mutex // serializes counter assignment + the write batch
	counter uint64

	numNodes     *stats.Integer
	numConflicts *stats.Integer

	// Plain in-process counters mirroring numNodes/numConflicts. The
	// stats.Integer values are exported for the teacher's debug-stats
	// tree convention but aren't meant to be read back in-process, so
	// NumNodes/NumConflicts track the same counts independently for
	// mergetree.Stats() (see SPEC_FULL.md §6 supplement).
	liveNodes     int64
	liveConflicts int64
}

// Open opens or creates the named Tree inside store.
func Open(name string, store kvstore.Store, opts Options, tracksOffsets bool) (*Tree, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	t := &Tree{
		name:          name,
		store:         store,
		opts:          opts,
		TracksOffsets: tracksOffsets,
		numNodes:      stats.NewInteger(statsName(name, "nodes")),
		numConflicts:  stats.NewInteger(statsName(name, "conflicts")),
	}

	v, err := store.Get(counterKey(name))
	switch err {
	case nil:
		t.counter = decodeIndex(v)
	case kvstore.ErrNotFound:
		t.counter = 0
	default:
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return t, nil
}

func statsName(tree, metric string) string {
	return fmt.Sprintf("perspectivedb/tree/%s/%s", tree, metric)
}

// Close releases the Tree's stats counters. The backing store outlives the
// Tree (it may be shared by others) and is not closed here.
func (t *Tree) Close() {
	stats.Delete(statsName(t.name, "nodes"))
	stats.Delete(statsName(t.name, "conflicts"))
}

// VSize and ISize expose the configured widths.
func (t *Tree) VSize() int { return t.opts.VSize }
func (t *Tree) ISize() int { return t.opts.ISize }

// Name returns the Tree's namespace, e.g. "local", "stage", or a
// perspective name.
func (t *Tree) Name() string { return t.name }

// Write implements the write contract of spec.md §4.1.2 as a single
// atomic batch. On success, w.Header.Index is filled in with the assigned
// insertion index. Parent existence is checked against this Tree alone;
// use WriteChecked for the stage tree's cross-tree parent references.
func (t *Tree) Write(w Item) (Item, error) {
	return t.WriteChecked(w, t.HasVersion)
}

// WriteChecked is Write with the parent-existence predicate overridden.
// mergetree uses this for the stage tree, whose items may legitimately
// name a parent that has already been promoted to local and pruned from
// stage (spec.md §4.2.1 step 1b's transfer, §4.2.4's merge-result
// parents) — ordinary Write's same-tree check would otherwise reject
// them (see DESIGN.md).
func (t *Tree) WriteChecked(w Item, parentExists func(v []byte) bool) (Item, error) {
	if len(w.Header.ID) == 0 || len(w.Header.ID) > 255 {
		return Item{}, fmt.Errorf("%w: id length %d", ErrInvalidHeader, len(w.Header.ID))
	}
	if len(w.Header.V) != t.opts.VSize {
		return Item{}, fmt.Errorf("%w: v must be %d bytes, got %d", ErrInvalidHeader, t.opts.VSize, len(w.Header.V))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Step 3: h.v must not already exist.
	if _, err := t.store.Get(vKey(t.name, w.Header.V)); err == nil {
		return Item{}, fmt.Errorf("%w: %x", ErrDuplicateVersion, w.Header.V)
	} else if err != kvstore.ErrNotFound {
		return Item{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	// Step 2: every parent must exist.
	for _, p := range w.Header.Parents {
		if !parentExists(p) {
			return Item{}, fmt.Errorf("%w: %x references missing parent %x", ErrMissingParent, w.Header.V, p)
		}
	}

	// Step 1: assign insertion index.
	idx := t.counter
	t.counter++
	w.Header.Index = encodeIndex(idx, t.opts.ISize)

	ops := make([]kvstore.Op, 0, 6+len(w.Header.Parents))
	ops = append(ops, kvstore.Op{Kind: kvstore.OpPut, Key: counterKey(t.name), Value: encodeIndex(t.counter, t.opts.ISize)})

	enc, err := encodeItem(w)
	if err != nil {
		t.counter = idx // roll back the in-memory counter; nothing was persisted
		return Item{}, fmt.Errorf("%w: encode: %v", ErrInvalidHeader, err)
	}
	ops = append(ops,
		kvstore.Op{Kind: kvstore.OpPut, Key: dsKey(t.name, w.Header.Index), Value: enc},
		kvstore.Op{Kind: kvstore.OpPut, Key: vKey(t.name, w.Header.V), Value: w.Header.Index},
		kvstore.Op{Kind: kvstore.OpPut, Key: ikKey(t.name, w.Header.ID, w.Header.V), Value: w.Header.Index},
		kvstore.Op{Kind: kvstore.OpPut, Key: headKey(t.name, w.Header.ID, w.Header.V), Value: encodeFlags(w.Header.Conflict, w.Header.Deleted)},
	)
	for _, p := range w.Header.Parents {
		ops = append(ops, kvstore.Op{Kind: kvstore.OpDelete, Key: headKey(t.name, w.Header.ID, p)})
	}
	if t.TracksOffsets && w.Header.Perspective != "" {
		ops = append(ops, kvstore.Op{Kind: kvstore.OpPut, Key: offsetKey(t.name, w.Header.Perspective), Value: w.Header.V})
	}

	if err := t.store.WriteBatch(ops...); err != nil {
		t.counter = idx
		return Item{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	t.numNodes.Incr(1)
	atomic.AddInt64(&t.liveNodes, 1)
	if w.Header.Conflict {
		t.numConflicts.Incr(1)
		atomic.AddInt64(&t.liveConflicts, 1)
	}
	vlog.VI(2).Infof("tree %s: wrote %x@%x parents=%v", t.name, w.Header.V, w.Header.ID, w.Header.Parents)
	return w, nil
}

// NumNodes and NumConflicts return this Tree's live, in-process version
// and conflict counts (SPEC_FULL.md §6 supplement's Stats()).
func (t *Tree) NumNodes() int64     { return atomic.LoadInt64(&t.liveNodes) }
func (t *Tree) NumConflicts() int64 { return atomic.LoadInt64(&t.liveConflicts) }

// GetByVersion implements spec.md §4.1.3's getByVersion: vKey -> i -> dsKey.
func (t *Tree) GetByVersion(v []byte) (Item, error) {
	return t.getByVersion(t.store, v)
}

// GetByVersionFrom is GetByVersion resolved against a point-in-time
// Snapshot rather than the live store, so a long-lived reader (package
// stream's non-tailing scan) isn't perturbed by concurrent writes
// (grounded on the teacher's server/watchable/snapshot.go).
func (t *Tree) GetByVersionFrom(snap kvstore.Snapshot, v []byte) (Item, error) {
	return t.getByVersion(snap, v)
}

func (t *Tree) getByVersion(r reader, v []byte) (Item, error) {
	idx, err := r.Get(vKey(t.name, v))
	if err == kvstore.ErrNotFound {
		return Item{}, ErrNotFound
	} else if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	enc, err := r.Get(dsKey(t.name, idx))
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return decodeItem(enc)
}

// reader is the read-only subset of kvstore.Store that kvstore.Snapshot
// also implements, letting Tree's lookups run against either the live
// store or a frozen point-in-time view with the same code path.
type reader interface {
	Get(key []byte) ([]byte, error)
	Iterate(rng kvstore.Range, reverse bool) kvstore.Iterator
}

// Snapshot opens a point-in-time read view of this Tree's backing store
// (spec.md §4.4's Projection Stream isolation requirement).
func (t *Tree) Snapshot() kvstore.Snapshot {
	return t.store.Snapshot()
}

// HasVersion reports whether v exists in the tree without fetching the
// full record.
func (t *Tree) HasVersion(v []byte) bool {
	_, err := t.store.Get(vKey(t.name, v))
	return err == nil
}

// GetHeads implements spec.md §4.1.3's getHeads: a range scan of headKey
// for id, filtered by flags.
func (t *Tree) GetHeads(id []byte, opts HeadsOptions) ([]Item, error) {
	it := t.store.Iterate(kvstore.Prefix(headPrefix(t.name, id)), false)
	defer it.Close()

	var heads []Item
	prefix := headPrefix(t.name, id)
	for it.Next() {
		key := it.Key()
		v := append([]byte(nil), key[len(prefix):]...)
		conflict, deleted := decodeFlags(it.Value())
		if opts.SkipConflicts && conflict {
			continue
		}
		if opts.SkipDeletes && deleted {
			continue
		}
		item, err := t.GetByVersion(v)
		if err != nil {
			continue // pruned concurrently; skip
		}
		heads = append(heads, item)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return heads, nil
}

// AnyWithIDPrefix implements spec.md §6.2's prefixExists control query:
// whether any version exists whose id starts with prefix. It returns the
// first match found, in no particular order — the control channel only
// needs existence, not a canonical choice among matches.
func (t *Tree) AnyWithIDPrefix(prefix []byte) (Item, bool, error) {
	base := withDisc(t.name, discByID)
	it := t.store.Iterate(kvstore.Prefix(base), false)
	defer it.Close()

	for it.Next() {
		id, v := splitByIDKey(it.Key(), len(base))
		if len(id) >= len(prefix) && bytesEqual(id[:len(prefix)], prefix) {
			item, err := t.GetByVersion(v)
			if err != nil {
				continue // pruned concurrently; skip
			}
			return item, true, nil
		}
	}
	if err := it.Err(); err != nil {
		return Item{}, false, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return Item{}, false, nil
}

func splitByIDKey(key []byte, prefixLen int) (id, v []byte) {
	rest := key[prefixLen:]
	idLen := int(rest[0])
	return rest[1 : 1+idLen], rest[1+idLen:]
}

// LastByPerspective implements spec.md §4.1.3's lastByPerspective: a usKey
// lookup. Returns (nil, nil) if no offset has ever been recorded.
func (t *Tree) LastByPerspective(pe string) ([]byte, error) {
	v, err := t.store.Get(offsetKey(t.name, pe))
	if err == kvstore.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return v, nil
}

// SetConflictByVersion flips the headKey flag byte for v if it is still a
// head, and records the flag on the stored version header (spec.md
// §4.1.3's setConflictByVersion). It is the sole permitted in-place
// mutation of an already-written version (spec.md §3.3).
func (t *Tree) SetConflictByVersion(v []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, err := t.GetByVersion(v)
	if err != nil {
		return err
	}
	if item.Header.Conflict {
		return nil
	}
	item.Header.Conflict = true

	enc, err := encodeItem(item)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorageError, err)
	}
	ops := []kvstore.Op{
		{Kind: kvstore.OpPut, Key: dsKey(t.name, item.Header.Index), Value: enc},
	}
	hk := headKey(t.name, item.Header.ID, v)
	if _, err := t.store.Get(hk); err == nil {
		ops = append(ops, kvstore.Op{Kind: kvstore.OpPut, Key: hk, Value: encodeFlags(true, item.Header.Deleted)})
	}
	if err := t.store.WriteBatch(ops...); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	t.numConflicts.Incr(1)
	atomic.AddInt64(&t.liveConflicts, 1)
	return nil
}

// Delete physically removes a single version's records (dsKey, vKey,
// ikKey, headKey) from the Tree; a perspective offset recorded under
// offsetKey is left unchanged. It does not touch any other version's parent
// list, so callers must only delete versions no longer referenced as a
// parent — as the stage-to-local transfer of an acknowledged merge does
// (mergetree.LocalWrite). Grounded on the teacher's removeNode
// (dag.go), simplified since this tree has no separate log-record store
// to garbage collect alongside the node.
func (t *Tree) Delete(v []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, err := t.GetByVersion(v)
	if err != nil {
		return err
	}

	ops := []kvstore.Op{
		{Kind: kvstore.OpDelete, Key: dsKey(t.name, item.Header.Index)},
		{Kind: kvstore.OpDelete, Key: vKey(t.name, v)},
		{Kind: kvstore.OpDelete, Key: ikKey(t.name, item.Header.ID, v)},
		{Kind: kvstore.OpDelete, Key: headKey(t.name, item.Header.ID, v)},
	}
	if err := t.store.WriteBatch(ops...); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	t.numNodes.Incr(-1)
	atomic.AddInt64(&t.liveNodes, -1)
	if item.Header.Conflict {
		t.numConflicts.Incr(-1)
		atomic.AddInt64(&t.liveConflicts, -1)
	}
	return nil
}

// Compact asks the backing store to reclaim space freed by pruned or
// overwritten keys within this Tree's namespace, if the store supports it
// (spec.md §9 "supplemented features"; grounded on the teacher's
// dag.compact()). It is a no-op against stores that don't implement
// kvstore.Compactor, such as the in-memory store used in tests.
func (t *Tree) Compact() error {
	c, ok := t.store.(kvstore.Compactor)
	if !ok {
		return nil
	}
	return c.CompactRange(kvstore.Prefix(namePrefix(t.name)))
}
