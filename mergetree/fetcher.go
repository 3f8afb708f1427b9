package mergetree

import (
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/merge"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// stageThenLocal implements merge.Fetcher by looking a version up in
// stage first, falling through to local. A version's parents are
// intrinsic to its content-derived identity, so whichever tree currently
// holds the record yields the same edges; walking this way generalizes
// spec.md §4.2.4's literal "streamX = stage.ancestors(sitem.v) ++
// local.ancestors(lhead.v)" into a single lookup rule applied uniformly
// to both sides, so the common base is found whether it still lives in
// stage or has already been promoted to local (see DESIGN.md).
type stageThenLocal struct {
	stage, local *tree.Tree
}

func (f *stageThenLocal) get(v []byte) (tree.Item, error) {
	if item, err := f.stage.GetByVersion(v); err == nil {
		return item, nil
	}
	return f.local.GetByVersion(v)
}

func (f *stageThenLocal) Ancestors(start []byte) merge.Stream {
	return &combinedAncestorStream{f: f, queue: [][]byte{start}, seen: map[string]bool{}}
}

func (f *stageThenLocal) Body(v []byte) (canon.Body, error) {
	item, err := f.get(v)
	if err != nil {
		return nil, err
	}
	return item.Body, nil
}

type combinedAncestorStream struct {
	f     *stageThenLocal
	queue [][]byte
	seen  map[string]bool
	err   error
}

func (s *combinedAncestorStream) Next() (merge.Node, bool, error) {
	if s.err != nil {
		return merge.Node{}, false, s.err
	}
	for len(s.queue) > 0 {
		v := s.queue[0]
		s.queue = s.queue[1:]
		key := string(v)
		if s.seen[key] {
			continue
		}
		s.seen[key] = true

		item, err := s.f.get(v)
		if err != nil {
			s.err = fmt.Errorf("mergetree: ancestors: %w", err)
			return merge.Node{}, false, s.err
		}
		s.queue = append(s.queue, item.Header.Parents...)
		return merge.Node{V: item.Header.V, Parents: item.Header.Parents}, true, nil
	}
	return merge.Node{}, false, nil
}
