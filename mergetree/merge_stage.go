package mergetree

import (
	"context"
	"fmt"
	"time"

	"v.io/x/lib/vlog"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/merge"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// MergeStageWithLocal implements spec.md §4.2.4: walk stage in insertion
// order. A version whose id has no local head yet is handed to the merge
// handler as a first appearance, whether or not it is still a stage
// head; otherwise, for every version still a live (non-conflicting) head
// in stage, reconcile it against the matching local head via the merge
// engine.
//
// The spec describes the engine's result as a (smerge, lmerge) pair;
// this implementation maps that directly onto merge.Outcome (see
// DESIGN.md for the chosen correspondence): FastForward toward the
// stage side means the stage version becomes the pending merged head
// (mergeHandler fires, nothing new is written since it is already
// staged); FastForward toward the local side, and Equal, both mean
// local already holds the answer, so there is nothing to do.
func (mt *MergeTree) MergeStageWithLocal(ctx context.Context) error {
	it, err := mt.stage.IterateInsertionOrder(tree.IterOptions{})
	if err != nil {
		return err
	}
	defer it.Close()

	fetcher := &stageThenLocal{stage: mt.stage, local: mt.local}

	for it.Next() {
		sitem := it.Item()
		if err := mt.reconcileOne(ctx, fetcher, sitem); err != nil {
			return fmt.Errorf("mergetree: merge-stage-with-local: id %x: %w", sitem.Header.ID, err)
		}
	}
	return it.Err()
}

func (mt *MergeTree) reconcileOne(ctx context.Context, fetcher *stageThenLocal, sitem tree.Item) error {
	unlock := mt.lockID(sitem.Header.ID)
	defer unlock()

	lheads, err := mt.local.GetHeads(sitem.Header.ID, tree.HeadsOptions{SkipConflicts: true, SkipDeletes: true})
	if err != nil {
		return err
	}
	if len(lheads) > 1 {
		return ErrLocalForkDetected
	}
	if len(lheads) == 0 {
		return mt.opts.MergeHandler.HandleMerge(ctx, sitem, nil)
	}

	sheads, err := mt.stage.GetHeads(sitem.Header.ID, tree.HeadsOptions{SkipConflicts: true})
	if err != nil {
		return err
	}
	if !isAmongHeads(sitem.Header.V, sheads) {
		return nil // superseded by a later stage version; nothing to do
	}
	lhead := lheads[0]

	outcome, err := merge.Resolve(fetcher, sitem.Header.V, lhead.Header.V, sitem.Body, lhead.Body)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case merge.KindEqual:
		return nil
	case merge.KindFastForward:
		if outcome.FFDirection == merge.DirX {
			return mt.opts.MergeHandler.HandleMerge(ctx, sitem, &lhead)
		}
		return nil // local already carries the answer
	case merge.KindConflict:
		return mt.resolveConflict(ctx, sitem, lhead, outcome.ConflictKeys)
	case merge.KindMerge:
		return mt.stageMerged(ctx, sitem, lhead, outcome.MergedBody, true)
	default:
		return fmt.Errorf("mergetree: unexpected outcome kind %d", outcome.Kind)
	}
}

func (mt *MergeTree) resolveConflict(ctx context.Context, sitem, lhead tree.Item, attrs []string) error {
	resolved, ok, err := mt.opts.ConflictHandler.HandleConflict(ctx, attrs, sitem.Body, lhead.Body)
	if err != nil {
		return err
	}
	if !ok {
		return mt.stage.SetConflictByVersion(sitem.Header.V)
	}
	return mt.stageMerged(ctx, sitem, lhead, resolved, false)
}

// stageMerged writes the synthesized merge version to stage (spec.md
// §4.2.4.d/.e): parents sorted, version content-derived, sort-first-
// hash-last per spec.md §9.
func (mt *MergeTree) stageMerged(ctx context.Context, sitem, lhead tree.Item, body canon.Body, invokeHandler bool) error {
	parents := [][]byte{sitem.Header.V, lhead.Header.V}
	canon.SortByteSlices(parents)

	h := canon.Header{ID: sitem.Header.ID, Parents: parents}
	v, err := canon.ContentHash(h, body, mt.opts.TreeOptions.VSize)
	if err != nil {
		return fmt.Errorf("mergetree: content hash: %w", err)
	}

	if mt.stage.HasVersion(v) {
		if invokeHandler {
			merged, err := mt.stage.GetByVersion(v)
			if err != nil {
				return err
			}
			return mt.opts.MergeHandler.HandleMerge(ctx, merged, &lhead)
		}
		return nil
	}

	merged := tree.Item{
		Header: tree.Header{
			ID:      sitem.Header.ID,
			V:       v,
			Parents: parents,
		},
		Body: body,
	}
	parentExists := func(p []byte) bool { return mt.stage.HasVersion(p) || mt.local.HasVersion(p) }
	if _, err := mt.stage.WriteChecked(merged, parentExists); err != nil {
		return err
	}
	mt.markUpdated(sitem.Header.Perspective)

	if invokeHandler {
		return mt.opts.MergeHandler.HandleMerge(ctx, merged, &lhead)
	}
	return nil
}

func isAmongHeads(v []byte, heads []tree.Item) bool {
	for _, h := range heads {
		if bytesEqualTree(h.Header.V, v) {
			return true
		}
	}
	return false
}

// autoMergeLoop is the periodic reconciliation job of spec.md §5:
// for every perspective flagged updated since the last tick, run
// copy-missing-to-stage then merge-stage-with-local, then clear the
// flag. It is grounded on the teacher's syncService goroutine lifecycle
// (vsync/sync.go's closed channel + pending.Wait shutdown).
func (mt *MergeTree) autoMergeLoop() {
	defer mt.pending.Done()

	ticker := time.NewTicker(mt.opts.AutoMergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mt.closed:
			return
		case <-ticker.C:
			mt.runTick()
		}
	}
}

func (mt *MergeTree) runTick() {
	ctx := context.Background()
	for _, pe := range mt.drainUpdated() {
		if err := mt.CopyMissingToStage(ctx, pe); err != nil {
			vlog.Errorf("mergetree: copy-missing-to-stage(%q): %v", pe, err)
			continue
		}
		if err := mt.MergeStageWithLocal(ctx); err != nil {
			vlog.Errorf("mergetree: merge-stage-with-local (triggered by %q): %v", pe, err)
			continue
		}
		mt.clearUpdated(pe)
	}
}
