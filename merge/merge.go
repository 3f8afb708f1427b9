// Package merge implements the pure recursive three-way merge algorithm
// over two streams of DAG ancestors (spec.md §4.3): lowest-common-ancestor
// discovery by round-robin BFS, per-key three-way body merge, and the
// recursive reduction used when more than one LCA is found.
//
// It is grounded on the teacher's graft/hasConflict bookkeeping
// (_examples/aghassemi-go.ref/services/syncbase/sync/dag.go), generalized
// from the teacher's "at most 2 parents, one graft point" shape to
// spec.md's requirement of arbitrary-fan-in DAGs reached through repeated
// three-way merges.
package merge

import (
	"errors"
	"sort"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
)

// ErrNoCommonAncestor is returned when two ancestor streams share no
// version at all (spec.md §4.3.1).
var ErrNoCommonAncestor = errors.New("merge: no common ancestor")

// Node is the minimal shape an ancestor stream yields: a version and its
// direct parents, exactly the edges dagNode.Parents records in the
// teacher.
type Node struct {
	V       []byte
	Parents [][]byte
}

// Stream is a lazy, child-to-root (leaf-first) sequence of ancestor Nodes.
type Stream interface {
	// Next returns the next Node in the walk, or ok=false once exhausted.
	Next() (Node, bool, error)
}

// sliceStream adapts a precomputed slice to Stream; FromSlice exposes it.
type sliceStream struct {
	nodes []Node
	idx   int
}

func FromSlice(nodes []Node) Stream { return &sliceStream{nodes: nodes, idx: -1} }

func (s *sliceStream) Next() (Node, bool, error) {
	s.idx++
	if s.idx >= len(s.nodes) {
		return Node{}, false, nil
	}
	return s.nodes[s.idx], true, nil
}

// concatStream exhausts each underlying stream in order before moving to
// the next, implementing the "streamX = stage.ancestors(sitem.v) ++
// local.ancestors(lhead.v)" composition from spec.md §4.2.4.c.
type concatStream struct {
	streams []Stream
	idx     int
}

// Concat chains streams so that the first is fully drained before the
// next is consulted.
func Concat(streams ...Stream) Stream {
	return &concatStream{streams: streams}
}

func (c *concatStream) Next() (Node, bool, error) {
	for c.idx < len(c.streams) {
		n, ok, err := c.streams[c.idx].Next()
		if err != nil {
			return Node{}, false, err
		}
		if ok {
			return n, true, nil
		}
		c.idx++
	}
	return Node{}, false, nil
}

// Fetcher lets the merge engine pull fresh ancestor streams and bodies on
// demand — needed both for the initial two-way merge and for the §4.3.3
// recursive reduction over LCA sets of size > 1, which merges LCAs
// pairwise using themselves as roots of brand new ancestor streams.
type Fetcher interface {
	Ancestors(v []byte) Stream
	Body(v []byte) (canon.Body, error)
}

// OutcomeKind discriminates the four possible merge results (spec.md
// §4.3.4).
type OutcomeKind int

const (
	KindEqual OutcomeKind = iota
	KindFastForward
	KindMerge
	KindConflict
)

// Direction identifies which side advanced in a FastForward outcome.
type Direction int

const (
	DirX Direction = iota
	DirY
)

// Outcome is the result of Resolve.
type Outcome struct {
	Kind OutcomeKind

	// KindEqual
	EqualV []byte

	// KindFastForward
	FFDirection Direction
	FFHead      []byte

	// KindMerge
	MergedBody canon.Body

	// KindConflict
	ConflictKeys []string
}

// Resolve runs the full recursive three-way merge between version xV (body
// xBody) and version yV (body yBody) using f to fetch ancestor streams and
// historical bodies on demand.
func Resolve(f Fetcher, xV, yV []byte, xBody, yBody canon.Body) (Outcome, error) {
	if bytesEqual(xV, yV) {
		return Outcome{Kind: KindEqual, EqualV: xV}, nil
	}

	lcas, err := FindLCA(f.Ancestors(xV), f.Ancestors(yV))
	if err != nil {
		return Outcome{}, err
	}
	if len(lcas) == 0 {
		return Outcome{}, ErrNoCommonAncestor
	}

	if len(lcas) == 1 {
		switch {
		case bytesEqual(lcas[0], xV):
			return Outcome{Kind: KindFastForward, FFDirection: DirY, FFHead: yV}, nil
		case bytesEqual(lcas[0], yV):
			return Outcome{Kind: KindFastForward, FFDirection: DirX, FFHead: xV}, nil
		}
	}

	baseBody, err := reduceBase(f, lcas)
	if err != nil {
		return Outcome{}, err
	}

	merged, conflicts := Merge3(baseBody, xBody, yBody)
	if len(conflicts) > 0 {
		return Outcome{Kind: KindConflict, ConflictKeys: conflicts}, nil
	}
	return Outcome{Kind: KindMerge, MergedBody: merged}, nil
}

// reduceBase folds a set of >=1 LCAs into a single synthetic base body
// (spec.md §4.3.3). With one LCA the base is simply its body. With more,
// LCAs are merged pairwise, in sorted order for determinism, each pairwise
// step recursing into Resolve using fresh ancestor streams rooted at the
// two LCAs being combined. Recursion terminates because each step strictly
// reduces the working LCA set by one.
//
// If a pairwise reduction step itself reports a Conflict (two LCAs
// diverged on the same attribute), the base accumulated so far is kept
// unchanged (for the first step, the body of the LCA with the smallest
// version id) — an explicit, documented tie-break
// (see DESIGN.md) since spec.md does not define nested-conflict semantics
// inside base construction, only that reduction must be deterministic.
func reduceBase(f Fetcher, lcas [][]byte) (canon.Body, error) {
	sorted := make([][]byte, len(lcas))
	copy(sorted, lcas)
	sort.Slice(sorted, func(i, j int) bool { return canon.LessBytes(sorted[i], sorted[j]) })

	baseV := sorted[0]
	baseBody, err := f.Body(baseV)
	if err != nil {
		return nil, err
	}
	for _, nextV := range sorted[1:] {
		nextBody, err := f.Body(nextV)
		if err != nil {
			return nil, err
		}
		out, err := Resolve(f, baseV, nextV, baseBody, nextBody)
		if err != nil {
			return nil, err
		}
		switch out.Kind {
		case KindEqual:
			// identical LCAs, nothing to do.
		case KindFastForward:
			if out.FFDirection == DirY {
				baseV, baseBody = nextV, nextBody
			}
		case KindMerge:
			baseBody = out.MergedBody
		case KindConflict:
			// Deterministic tie-break; baseV/baseBody keep the base
			// accumulated so far.
		}
	}
	return baseBody, nil
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
