package tree

import (
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub005/merge"
)

// ancestorStream is a lazy, on-demand BFS walk from a set of starting
// versions back through Parents, generalizing the teacher's ancestorIter
// (dag.go) from a single DAG to any Tree and yielding merge.Node values
// directly so it can feed merge.FindLCA / merge.Resolve without an
// intermediate buffer.
type ancestorStream struct {
	t       *Tree
	queue   [][]byte
	visited map[string]bool
	err     error
}

// Ancestors returns a merge.Stream that walks backwards from start,
// inclusive, in BFS order. It implements merge.Fetcher.Ancestors.
func (t *Tree) Ancestors(start []byte) merge.Stream {
	return &ancestorStream{t: t, queue: [][]byte{start}, visited: make(map[string]bool)}
}

func (s *ancestorStream) Next() (merge.Node, bool, error) {
	if s.err != nil {
		return merge.Node{}, false, s.err
	}
	for len(s.queue) > 0 {
		v := s.queue[0]
		s.queue = s.queue[1:]
		key := string(v)
		if s.visited[key] {
			continue
		}
		s.visited[key] = true

		item, err := s.t.GetByVersion(v)
		if err != nil {
			s.err = fmt.Errorf("tree: ancestors: %w", err)
			return merge.Node{}, false, s.err
		}
		s.queue = append(s.queue, item.Header.Parents...)
		return merge.Node{V: item.Header.V, Parents: item.Header.Parents}, true, nil
	}
	return merge.Node{}, false, nil
}

// Body implements merge.Fetcher.Body.
func (t *Tree) Body(v []byte) (interface{}, error) {
	item, err := t.GetByVersion(v)
	if err != nil {
		return nil, err
	}
	return item.Body, nil
}
