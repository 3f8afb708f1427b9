package mergetree

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

func v1(b byte) []byte { return []byte{b} }

// recordingMergeHandler captures every HandleMerge call in the order
// they were made, for asserting against spec.md §8.4's scenarios.
type recordingMergeHandler struct {
	calls []tree.Item
}

func (r *recordingMergeHandler) HandleMerge(ctx context.Context, merged tree.Item, localHead *tree.Item) error {
	r.calls = append(r.calls, merged)
	return nil
}

func newScenarioMergeTree(t *testing.T, store kvstore.Store, perspectives []string, mh MergeHandler) *MergeTree {
	t.Helper()
	mt, err := Open(store, Options{
		TreeOptions:       tree.Options{VSize: 1, ISize: 1},
		Perspectives:      perspectives,
		MergeHandler:      mh,
		AutoMergeInterval: -1, // tests drive copy-missing-to-stage/merge-stage-with-local directly
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return mt
}

// TestScenarioLinearReplication is spec.md §8.4 S1: two remote writes
// from one perspective are staged, fast-forwarded one at a time (no
// local head exists for either yet), and once the host acknowledges
// both in order the local tree holds them in insertion order with a
// single head.
func TestScenarioLinearReplication(t *testing.T) {
	ctx := context.Background()
	mh := &recordingMergeHandler{}
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), []string{"P"}, mh)
	defer mt.Close()

	id := []byte("x")
	a := tree.Item{Header: tree.Header{ID: id, V: v1(0x01)}, Body: map[string]interface{}{"a": int64(1)}}
	b := tree.Item{Header: tree.Header{ID: id, V: v1(0x02), Parents: [][]byte{v1(0x01)}}, Body: map[string]interface{}{"a": int64(2)}}

	if err := mt.RemoteWrite(ctx, "P", []tree.Item{a, b}); err != nil {
		t.Fatalf("RemoteWrite: %v", err)
	}
	if err := mt.CopyMissingToStage(ctx, "P"); err != nil {
		t.Fatalf("CopyMissingToStage: %v", err)
	}
	if err := mt.MergeStageWithLocal(ctx); err != nil {
		t.Fatalf("MergeStageWithLocal: %v", err)
	}

	if len(mh.calls) != 2 {
		t.Fatalf("expected 2 merge-handler calls, got %d", len(mh.calls))
	}
	if !bytes.Equal(mh.calls[0].Header.V, v1(0x01)) || !bytes.Equal(mh.calls[1].Header.V, v1(0x02)) {
		t.Fatalf("expected A then B, got %x then %x", mh.calls[0].Header.V, mh.calls[1].Header.V)
	}

	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: v1(0x01)}, Body: a.Body}); err != nil {
		t.Fatalf("ack A: %v", err)
	}
	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: v1(0x02)}, Body: b.Body}); err != nil {
		t.Fatalf("ack B: %v", err)
	}

	heads, err := mt.Local().GetHeads(id, tree.HeadsOptions{})
	if err != nil || len(heads) != 1 || !bytes.Equal(heads[0].Header.V, v1(0x02)) {
		t.Fatalf("expected sole local head v2, got %v %v", heads, err)
	}

	it, err := mt.Local().IterateInsertionOrder(tree.IterOptions{ID: id})
	if err != nil {
		t.Fatalf("IterateInsertionOrder: %v", err)
	}
	defer it.Close()
	var order [][]byte
	for it.Next() {
		order = append(order, it.Item().Header.V)
	}
	if len(order) != 2 || !bytes.Equal(order[0], v1(0x01)) || !bytes.Equal(order[1], v1(0x02)) {
		t.Fatalf("expected A then B in local insertion order, got %x", order)
	}
}

// scenarioConcurrentEdit seeds a shared ancestor C in both local and P's
// tree (representing a version local already pushed out to P earlier),
// then diverges: local advances to H, P advances to R. It returns the
// MergeTree plus every version/body needed to drive merge-stage-with-local.
func scenarioConcurrentEdit(t *testing.T, ctx context.Context, mt *MergeTree, id []byte, baseBody, localBody, remoteBody canon.Body) (c, h, r tree.Item) {
	t.Helper()

	var err error
	c, err = mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id}, Body: baseBody})
	if err != nil {
		t.Fatalf("seed base: %v", err)
	}

	pt, ok := mt.Perspective("P")
	if !ok {
		t.Fatalf("perspective P not configured")
	}
	if _, err := pt.Write(tree.Item{Header: tree.Header{ID: id, V: c.Header.V}, Body: baseBody}); err != nil {
		t.Fatalf("seed base into P: %v", err)
	}

	h, err = mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id}, Body: localBody})
	if err != nil {
		t.Fatalf("local edit: %v", err)
	}

	r = tree.Item{Header: tree.Header{ID: id, V: v1(0x11), Parents: [][]byte{c.Header.V}}, Body: remoteBody}
	if err := mt.RemoteWrite(ctx, "P", []tree.Item{r}); err != nil {
		t.Fatalf("remote edit: %v", err)
	}
	if err := mt.CopyMissingToStage(ctx, "P"); err != nil {
		t.Fatalf("CopyMissingToStage: %v", err)
	}
	return c, h, r
}

// TestScenarioConcurrentEditNoConflict is spec.md §8.4 S2: local and a
// perspective each independently extend a shared ancestor on disjoint
// attributes; the engine three-way-merges them into a single new head.
func TestScenarioConcurrentEditNoConflict(t *testing.T) {
	ctx := context.Background()
	mh := &recordingMergeHandler{}
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), []string{"P"}, mh)
	defer mt.Close()

	id := []byte("x")
	base := map[string]interface{}{"a": int64(1), "b": int64(1)}
	local := map[string]interface{}{"a": int64(1), "b": int64(1)} // unchanged
	remote := map[string]interface{}{"a": int64(1), "b": int64(2)} // changed b

	_, h, r := scenarioConcurrentEdit(t, ctx, mt, id, base, local, remote)

	if err := mt.MergeStageWithLocal(ctx); err != nil {
		t.Fatalf("MergeStageWithLocal: %v", err)
	}

	if len(mh.calls) != 1 {
		t.Fatalf("expected exactly one merge-handler call, got %d", len(mh.calls))
	}
	merged := mh.calls[0]
	body := merged.Body.(map[string]interface{})
	if !canon.Equal(body["a"], int64(1)) || !canon.Equal(body["b"], int64(2)) {
		t.Fatalf("expected merged body {a:1,b:2}, got %+v", body)
	}

	wantParents := [][]byte{r.Header.V, h.Header.V}
	canon.SortByteSlices(wantParents)
	if len(merged.Header.Parents) != 2 ||
		!bytes.Equal(merged.Header.Parents[0], wantParents[0]) ||
		!bytes.Equal(merged.Header.Parents[1], wantParents[1]) {
		t.Fatalf("expected parents sorted([r,h]) = %x, got %x", wantParents, merged.Header.Parents)
	}

	wantV, err := canon.ContentHash(canon.Header{ID: id, Parents: wantParents}, merged.Body, 1)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if !bytes.Equal(merged.Header.V, wantV) {
		t.Fatalf("expected content-derived v %x, got %x", wantV, merged.Header.V)
	}

	heads, err := mt.Stage().GetHeads(id, tree.HeadsOptions{SkipConflicts: true})
	if err != nil || len(heads) != 1 || !bytes.Equal(heads[0].Header.V, merged.Header.V) {
		t.Fatalf("expected merged version as sole stage head, got %v %v", heads, err)
	}
}

// TestScenarioConcurrentEditConflict exercises spec.md §8.3's conflict
// law directly (a documented, internally-consistent stand-in for §8.4
// S3, whose literal body values do not actually trigger a three-way
// conflict under spec.md §4.3.2's rule — see DESIGN.md): an attribute
// changed to different values on both sides of a shared ancestor must
// land in the conflict set, and the default conflict handler leaves the
// peer version marked conflicting without ever calling mergeHandler.
func TestScenarioConcurrentEditConflict(t *testing.T) {
	ctx := context.Background()
	mh := &recordingMergeHandler{}
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), []string{"P"}, mh)
	defer mt.Close()

	id := []byte("x")
	base := map[string]interface{}{"a": int64(1)}
	local := map[string]interface{}{"a": int64(2)}  // local changes a
	remote := map[string]interface{}{"a": int64(3)} // peer changes a differently

	_, h, r := scenarioConcurrentEdit(t, ctx, mt, id, base, local, remote)

	if err := mt.MergeStageWithLocal(ctx); err != nil {
		t.Fatalf("MergeStageWithLocal: %v", err)
	}

	if len(mh.calls) != 0 {
		t.Fatalf("expected no merge-handler call on conflict, got %d", len(mh.calls))
	}

	staged, err := mt.Stage().GetByVersion(r.Header.V)
	if err != nil {
		t.Fatalf("GetByVersion(r): %v", err)
	}
	if !staged.Header.Conflict {
		t.Fatalf("expected the peer version to be marked conflicting")
	}

	localHeads, err := mt.Local().GetHeads(id, tree.HeadsOptions{})
	if err != nil || len(localHeads) != 1 || !bytes.Equal(localHeads[0].Header.V, h.Header.V) {
		t.Fatalf("expected local head to remain h, got %v %v", localHeads, err)
	}
}

// TestScenarioAckOfStagedMerge is spec.md §8.4 S4: once the host
// acknowledges a staged merge via LocalWrite, the merge (and everything
// staged before it for the same id) moves to local in order and is
// removed from stage.
func TestScenarioAckOfStagedMerge(t *testing.T) {
	ctx := context.Background()
	mh := &recordingMergeHandler{}
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), []string{"P"}, mh)
	defer mt.Close()

	id := []byte("x")
	base := map[string]interface{}{"a": int64(1), "b": int64(1)}
	local := map[string]interface{}{"a": int64(1), "b": int64(1)}
	remote := map[string]interface{}{"a": int64(1), "b": int64(2)}

	scenarioConcurrentEdit(t, ctx, mt, id, base, local, remote)
	if err := mt.MergeStageWithLocal(ctx); err != nil {
		t.Fatalf("MergeStageWithLocal: %v", err)
	}
	if len(mh.calls) != 1 {
		t.Fatalf("expected one merge-handler call, got %d", len(mh.calls))
	}
	m := mh.calls[0]

	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: m.Header.V}, Body: m.Body}); err != nil {
		t.Fatalf("ack merge: %v", err)
	}

	if mt.Stage().HasVersion(m.Header.V) {
		t.Fatalf("expected merged version removed from stage after ack")
	}
	got, err := mt.Local().GetByVersion(m.Header.V)
	if err != nil {
		t.Fatalf("expected merged version present in local after ack: %v", err)
	}
	if !canon.Equal(got.Body, m.Body) {
		t.Fatalf("expected acked body to match staged body")
	}
}

// TestScenarioRestartDurability is spec.md §8.4 S5: after a committed
// write, reopening a Tree/MergeTree over the same store must see it.
func TestScenarioRestartDurability(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemStore()
	mh := &recordingMergeHandler{}
	mt := newScenarioMergeTree(t, store, []string{"P"}, mh)

	id := []byte("x")
	base := map[string]interface{}{"a": int64(1), "b": int64(1)}
	local := map[string]interface{}{"a": int64(1), "b": int64(1)}
	remote := map[string]interface{}{"a": int64(1), "b": int64(2)}

	scenarioConcurrentEdit(t, ctx, mt, id, base, local, remote)
	if err := mt.MergeStageWithLocal(ctx); err != nil {
		t.Fatalf("MergeStageWithLocal: %v", err)
	}
	m := mh.calls[0]
	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: m.Header.V}, Body: m.Body}); err != nil {
		t.Fatalf("ack merge: %v", err)
	}
	mt.Close()

	reopened := newScenarioMergeTree(t, store, []string{"P"}, &recordingMergeHandler{})
	defer reopened.Close()

	got, err := reopened.Local().GetByVersion(m.Header.V)
	if err != nil || !canon.Equal(got.Body, m.Body) {
		t.Fatalf("expected merged version to survive reopen, got %v %v", got, err)
	}
	last, err := reopened.Local().LastByPerspective("P")
	if err != nil || !bytes.Equal(last, v1(0x11)) {
		t.Fatalf("expected lastByPerspective(P) == 0x11 to survive reopen, got %x %v", last, err)
	}
}

// TestScenarioResumeNoDuplicate is spec.md §8.4 S6's no-echo half: a
// peer retransmitting a version the local perspective tree already holds
// must not create a duplicate.
func TestScenarioResumeNoDuplicate(t *testing.T) {
	ctx := context.Background()
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), []string{"P"}, &recordingMergeHandler{})
	defer mt.Close()

	id := []byte("x")
	item := tree.Item{Header: tree.Header{ID: id, V: v1(0x11)}, Body: "a"}

	if err := mt.RemoteWrite(ctx, "P", []tree.Item{item}); err != nil {
		t.Fatalf("first RemoteWrite: %v", err)
	}
	if err := mt.RemoteWrite(ctx, "P", []tree.Item{item}); err != nil {
		t.Fatalf("retransmitted RemoteWrite should be tolerated, got: %v", err)
	}

	pt, _ := mt.Perspective("P")
	it, err := pt.IterateInsertionOrder(tree.IterOptions{ID: id})
	if err != nil {
		t.Fatalf("IterateInsertionOrder: %v", err)
	}
	defer it.Close()
	var count int
	for it.Next() {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one stored copy of a retransmitted version, got %d", count)
	}
}

func TestLocalWriteRejectsForkedLocalHeads(t *testing.T) {
	ctx := context.Background()
	mt := newScenarioMergeTree(t, kvstore.NewMemStore(), nil, &recordingMergeHandler{})
	defer mt.Close()

	id := []byte("x")
	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: v1(0x01)}, Body: "a"}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: v1(0x02)}, Body: "b"}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	// Force a fork directly on the local tree (LocalWrite itself always
	// serializes onto the single current head).
	if _, err := mt.Local().Write(tree.Item{Header: tree.Header{ID: id, V: v1(0x03), Parents: [][]byte{v1(0x01)}}, Body: "c"}); err != nil {
		t.Fatalf("fork write: %v", err)
	}

	if _, err := mt.LocalWrite(ctx, tree.Item{Header: tree.Header{ID: id, V: v1(0x04)}, Body: "d"}); !errors.Is(err, ErrLocalForkDetected) {
		t.Fatalf("expected ErrLocalForkDetected, got %v", err)
	}
}

func TestRemoteWriteAppliesFilter(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemStore()
	mt, err := Open(store, Options{
		TreeOptions:       tree.Options{VSize: 1, ISize: 1},
		Perspectives:      []string{"P"},
		Filters:           map[string]Filter{"P": {Equals: map[string]interface{}{"kind": "keep"}}},
		AutoMergeInterval: -1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mt.Close()

	id := []byte("x")
	keep := tree.Item{Header: tree.Header{ID: id, V: v1(0x01)}, Body: map[string]interface{}{"kind": "keep"}}
	drop := tree.Item{Header: tree.Header{ID: []byte("y"), V: v1(0x02)}, Body: map[string]interface{}{"kind": "drop"}}

	if err := mt.RemoteWrite(ctx, "P", []tree.Item{keep, drop}); err != nil {
		t.Fatalf("RemoteWrite: %v", err)
	}

	pt, _ := mt.Perspective("P")
	if !pt.HasVersion(v1(0x01)) {
		t.Fatalf("expected the matching item to be written")
	}
	if pt.HasVersion(v1(0x02)) {
		t.Fatalf("expected the non-matching item to be dropped")
	}
}
