// Package mergetree composes one local tree, one stage tree, and any
// number of named perspective trees into the write pipelines and
// reconciliation loop of spec.md §4.2/§4.5/§4.6/§5: local writes, remote
// writes, copy-missing-to-stage, and merge-stage-with-local.
//
// Grounded on the teacher's syncService composition root
// (_examples/aghassemi-go.ref/services/syncbase/vsync/sync.go), whose
// "closed chan struct{} + pending sync.WaitGroup" goroutine-lifecycle
// idiom this package reuses for its auto-merge loop.
package mergetree

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

const (
	localName = "local"
	stageName = "stage"

	defaultAutoMergeInterval = 2 * time.Second
)

// Transform is the user-supplied function copy-missing-to-stage applies
// to each candidate item before it is staged (spec.md §4.2.3). Returning
// ok=false skips the item.
type Transform func(item tree.Item) (out tree.Item, ok bool)

// Options configures a MergeTree at Open time.
type Options struct {
	TreeOptions tree.Options

	// Perspectives names every peer tree to create.
	Perspectives []string

	// Filters holds the per-perspective conjunctive equality filter
	// applied during RemoteWrite (spec.md §4.2.2). A perspective absent
	// from this map matches everything.
	Filters map[string]Filter

	// RemoteHooks holds the per-perspective hook chain run during
	// RemoteWrite, after the filter.
	RemoteHooks map[string]HookChain
	HooksOpts   HooksOpts

	// StageTransform is applied by CopyMissingToStage (spec.md §4.2.3).
	// A nil Transform passes every item through unchanged.
	StageTransform Transform

	MergeHandler      MergeHandler
	ConflictHandler   ConflictHandler
	AutoMergeInterval time.Duration // 0 means 2s; a negative value disables the background loop.
}

// MergeTree is the composition root: one local tree, one stage tree, N
// perspective trees, all sharing a single backing store, plus the
// write-serialization and reconciliation machinery of spec.md §4.2/§5.
type MergeTree struct {
	store        kvstore.Store
	local        *tree.Tree
	stage        *tree.Tree
	perspectives map[string]*tree.Tree
	opts         Options
	rng          *rand.Rand

	idMu    sync.Mutex
	idLocks map[string]*sync.Mutex

	updatedMu  sync.Mutex
	updatedPes map[string]bool

	closed    chan struct{}
	closeOnce sync.Once
	pending   sync.WaitGroup
}

// Open creates or reopens a MergeTree over store.
func Open(store kvstore.Store, opts Options) (*MergeTree, error) {
	local, err := tree.Open(localName, store, opts.TreeOptions, true)
	if err != nil {
		return nil, fmt.Errorf("mergetree: open local: %w", err)
	}
	// Keep the widths tree.Open settled on (defaults filled in), so
	// generated and content-derived versions have the tree's vSize.
	opts.TreeOptions = tree.Options{VSize: local.VSize(), ISize: local.ISize()}
	stage, err := tree.Open(stageName, store, opts.TreeOptions, false)
	if err != nil {
		return nil, fmt.Errorf("mergetree: open stage: %w", err)
	}

	perspectives := make(map[string]*tree.Tree, len(opts.Perspectives))
	for _, pe := range opts.Perspectives {
		if pe == localName || pe == stageName {
			return nil, fmt.Errorf("%w: %q", ErrNameCollision, pe)
		}
		pt, err := tree.Open(pe, store, opts.TreeOptions, false)
		if err != nil {
			return nil, fmt.Errorf("mergetree: open perspective %q: %w", pe, err)
		}
		perspectives[pe] = pt
	}

	if opts.MergeHandler == nil {
		opts.MergeHandler = MergeHandlerFunc(func(context.Context, tree.Item, *tree.Item) error {
			return nil
		})
	}
	if opts.ConflictHandler == nil {
		opts.ConflictHandler = DefaultConflictHandler
	}
	if opts.AutoMergeInterval == 0 {
		opts.AutoMergeInterval = defaultAutoMergeInterval
	}

	mt := &MergeTree{
		store:        store,
		local:        local,
		stage:        stage,
		perspectives: perspectives,
		opts:         opts,
		rng:          rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
		idLocks:      make(map[string]*sync.Mutex),
		updatedPes:   make(map[string]bool),
		closed:       make(chan struct{}),
	}

	if opts.AutoMergeInterval > 0 {
		mt.pending.Add(1)
		go mt.autoMergeLoop()
	}
	return mt, nil
}

// Close stops the auto-merge loop and waits for the in-flight tick to
// drain (spec.md §5's "close(MergeTree) sets a stop flag and waits
// until the current tick drains"). The backing store is left open; it
// may be shared.
func (mt *MergeTree) Close() {
	mt.closeOnce.Do(func() { close(mt.closed) })
	mt.pending.Wait()
	mt.local.Close()
	mt.stage.Close()
	for _, pt := range mt.perspectives {
		pt.Close()
	}
}

// Local, Stage and Perspective expose the underlying trees for read
// access (e.g. by package stream's projection over Local()).
func (mt *MergeTree) Local() *tree.Tree { return mt.local }
func (mt *MergeTree) Stage() *tree.Tree { return mt.stage }
func (mt *MergeTree) Perspective(pe string) (*tree.Tree, bool) {
	pt, ok := mt.perspectives[pe]
	return pt, ok
}

// TreeStats is a point-in-time snapshot of one tree's live counts.
type TreeStats struct {
	Nodes     int64
	Conflicts int64
}

// Stats aggregates live node/conflict counts across local, stage and
// every perspective tree (supplemented feature; see SPEC_FULL.md §6 and
// DESIGN.md — this was not in spec.md's original scope but mirrors the
// teacher's per-database stats enumeration).
func (mt *MergeTree) Stats() map[string]TreeStats {
	out := make(map[string]TreeStats, 2+len(mt.perspectives))
	out[localName] = TreeStats{Nodes: mt.local.NumNodes(), Conflicts: mt.local.NumConflicts()}
	out[stageName] = TreeStats{Nodes: mt.stage.NumNodes(), Conflicts: mt.stage.NumConflicts()}
	for pe, pt := range mt.perspectives {
		out[pe] = TreeStats{Nodes: pt.NumNodes(), Conflicts: pt.NumConflicts()}
	}
	return out
}

// Perspectives lists configured peer names (supplemented feature, not in
// spec.md's original scope; see SPEC_FULL.md §6 and DESIGN.md).
func (mt *MergeTree) Perspectives() []string {
	names := make([]string, 0, len(mt.perspectives))
	for pe := range mt.perspectives {
		names = append(names, pe)
	}
	sort.Strings(names)
	return names
}

func (mt *MergeTree) lockID(id []byte) func() {
	key := string(id)
	mt.idMu.Lock()
	lk, ok := mt.idLocks[key]
	if !ok {
		lk = &sync.Mutex{}
		mt.idLocks[key] = lk
	}
	mt.idMu.Unlock()

	lk.Lock()
	return lk.Unlock
}

func (mt *MergeTree) markUpdated(pe string) {
	mt.updatedMu.Lock()
	mt.updatedPes[pe] = true
	mt.updatedMu.Unlock()
}

func (mt *MergeTree) drainUpdated() []string {
	mt.updatedMu.Lock()
	defer mt.updatedMu.Unlock()
	pes := make([]string, 0, len(mt.updatedPes))
	for pe, v := range mt.updatedPes {
		if v {
			pes = append(pes, pe)
		}
	}
	sort.Strings(pes)
	return pes
}

func (mt *MergeTree) clearUpdated(pe string) {
	mt.updatedMu.Lock()
	mt.updatedPes[pe] = false
	mt.updatedMu.Unlock()
}

func (mt *MergeTree) generateVersion() []byte {
	v := make([]byte, mt.opts.TreeOptions.VSize)
	mt.rng.Read(v)
	return v
}

// LocalWrite implements spec.md §4.2.1: either an acknowledgment of a
// previously staged merge, or the registration of a brand-new local
// change. Writes are serialized per id.
func (mt *MergeTree) LocalWrite(ctx context.Context, w tree.Item) (tree.Item, error) {
	if len(w.Header.Parents) != 0 {
		return tree.Item{}, fmt.Errorf("%w: local write must not set parents", tree.ErrInvalidHeader)
	}
	if len(w.Header.ID) == 0 {
		return tree.Item{}, fmt.Errorf("%w: id required", tree.ErrInvalidHeader)
	}

	unlock := mt.lockID(w.Header.ID)
	defer unlock()

	if len(w.Header.V) != 0 && mt.stage.HasVersion(w.Header.V) {
		return mt.ackStagedMerge(w)
	}
	return mt.newLocalChange(w)
}

func (mt *MergeTree) ackStagedMerge(w tree.Item) (tree.Item, error) {
	staged, err := mt.stage.GetByVersion(w.Header.V)
	if err != nil {
		return tree.Item{}, err
	}
	if !canon.Equal(staged.Body, w.Body) {
		return tree.Item{}, ErrAckBodyMismatch
	}
	staged.Meta = w.Meta
	staged.Body = w.Body

	it, err := mt.stage.IterateInsertionOrder(tree.IterOptions{ID: staged.Header.ID})
	if err != nil {
		return tree.Item{}, err
	}
	defer it.Close()

	for it.Next() {
		item := it.Item()
		if bytesEqualTree(item.Header.V, staged.Header.V) {
			item = staged
		}
		if _, err := mt.local.Write(item); err != nil && !errors.Is(err, tree.ErrDuplicateVersion) {
			return tree.Item{}, fmt.Errorf("mergetree: ack transfer: %w", err)
		}
		if err := mt.stage.Delete(item.Header.V); err != nil {
			return tree.Item{}, fmt.Errorf("mergetree: ack transfer delete: %w", err)
		}
		if bytesEqualTree(item.Header.V, staged.Header.V) {
			return item, it.Err()
		}
	}
	if err := it.Err(); err != nil {
		return tree.Item{}, err
	}
	return staged, nil
}

func (mt *MergeTree) newLocalChange(w tree.Item) (tree.Item, error) {
	heads, err := mt.local.GetHeads(w.Header.ID, tree.HeadsOptions{SkipConflicts: true})
	if err != nil {
		return tree.Item{}, err
	}
	if len(heads) > 1 {
		return tree.Item{}, ErrLocalForkDetected
	}

	parents := make([][]byte, 0, len(heads))
	for _, h := range heads {
		parents = append(parents, h.Header.V)
	}
	v := w.Header.V
	if len(v) == 0 {
		v = mt.generateVersion()
	}
	item := tree.Item{
		Header: tree.Header{
			ID:      w.Header.ID,
			V:       v,
			Parents: parents,
			Deleted: w.Header.Deleted,
		},
		Meta: w.Meta,
		Body: w.Body,
	}
	return mt.local.Write(item)
}

// RemoteWrite implements spec.md §4.2.2: per-perspective filter + hook
// chain, then write into pe's tree. Items are stored under the ids they
// carry; no upstream-id translation is done here, that is left to the
// caller.
func (mt *MergeTree) RemoteWrite(ctx context.Context, pe string, items []tree.Item) error {
	pt, ok := mt.perspectives[pe]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPerspective, pe)
	}

	filter := mt.opts.Filters[pe]
	chain := mt.opts.RemoteHooks[pe]

	for _, item := range items {
		item.Header.Perspective = pe

		if !filter.Match(item.Body) {
			continue
		}

		out, ok, err := chain.Run(mt, item, mt.opts.HooksOpts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHookError, err)
		}
		if !ok {
			continue
		}

		unlock := mt.lockID(out.Header.ID)
		_, err = pt.Write(out)
		unlock()
		if err != nil && !errors.Is(err, tree.ErrDuplicateVersion) {
			return err
		}
		mt.markUpdated(pe)
	}
	return nil
}

// Local implements HookDB for hooks run from RemoteWrite.
var _ HookDB = (*MergeTree)(nil)

// CopyMissingToStage implements spec.md §4.2.3: starting strictly after
// pe's offset recorded on local, stage every item pe has produced since.
// It reads that offset but does not change it; local records it when
// the staged items are later acknowledged into local.
func (mt *MergeTree) CopyMissingToStage(ctx context.Context, pe string) error {
	pt, ok := mt.perspectives[pe]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPerspective, pe)
	}

	last, err := mt.local.LastByPerspective(pe)
	if err != nil {
		return err
	}

	opts := tree.IterOptions{}
	if last != nil {
		opts.First, opts.ExcludeFirst = last, true
	}
	it, err := pt.IterateInsertionOrder(opts)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		item := it.Item()

		if mt.stage.HasVersion(item.Header.V) {
			continue
		}
		out := item
		if mt.opts.StageTransform != nil {
			var ok bool
			out, ok = mt.opts.StageTransform(item)
			if !ok {
				continue
			}
		}
		out.Header.Perspective = pe

		unlock := mt.lockID(out.Header.ID)
		parentExists := func(p []byte) bool { return mt.stage.HasVersion(p) || mt.local.HasVersion(p) }
		_, err := mt.stage.WriteChecked(out, parentExists)
		unlock()
		if err != nil && !errors.Is(err, tree.ErrDuplicateVersion) {
			return err
		}
	}
	return it.Err()
}

func bytesEqualTree(a, b []byte) bool {
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
