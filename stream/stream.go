// Package stream implements the Projection Stream of spec.md §4.4: a
// filtered, hook-projected view over a Tree's insertion order, with
// parents rewritten to the nearest ancestors that still pass the same
// filter + hook chain, and an optional tailing mode that keeps emitting
// as new local writes land.
//
// Grounded on the teacher's server/watchable/stream.go (cursor/Advance
// shape, generalized here to tree.Tree's insertion-order cursor) and
// server/watchable/snapshot.go (the non-tailing scan runs against a
// kvstore.Snapshot so a long-lived reader isn't perturbed by writes that
// land after it opened).
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
	"github.com/Netsend/PerspectiveDB-sub005/mergetree"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// defaultTailRetry is the poll interval for the tailing mode of spec.md
// §4.4.2 when Options.TailRetry is left zero.
const defaultTailRetry = 200 * time.Millisecond

// Options configures a Stream (spec.md §4.4.1).
type Options struct {
	First, Last               []byte
	ExcludeFirst, ExcludeLast bool
	Reverse                   bool

	Filter    mergetree.Filter
	Hooks     mergetree.HookChain
	HooksOpts mergetree.HooksOpts

	// Tail keeps the Stream alive past the initial range, polling for
	// new writes (spec.md §4.4.2).
	Tail bool
	// TailRetry is the poll interval while tailing; defaults to 200ms.
	TailRetry time.Duration

	// Raw disables filter/hook projection and parent rewriting,
	// emitting every candidate item unchanged (supplemented convenience
	// for callers that want the plain insertion-order feed; see
	// DESIGN.md).
	Raw bool
}

type localDB struct{ t *tree.Tree }

func (d localDB) Local() *tree.Tree { return d.t }

// Stream is a restartable, optionally-tailing cursor produced by Open.
type Stream struct {
	t    *tree.Tree
	opts Options
	db   mergetree.HookDB

	snap kvstore.Snapshot
	it   *tree.ItemIterator

	cur   tree.Item
	err   error
	lastV []byte
	memo  map[string][][]byte

	closeOnce sync.Once
	stopCh    chan struct{}
}

// Open starts a Stream over t per opts. The non-tailing portion of the
// scan runs against a point-in-time Snapshot; a caller with Tail=true
// transparently falls back to live reads once that Snapshot is
// exhausted, since a frozen view can never see the new writes tailing
// is meant to surface.
func Open(t *tree.Tree, opts Options) (*Stream, error) {
	if opts.TailRetry <= 0 {
		opts.TailRetry = defaultTailRetry
	}
	snap := t.Snapshot()
	it, err := t.IterateInsertionOrderFrom(snap, tree.IterOptions{
		First:        opts.First,
		Last:         opts.Last,
		ExcludeFirst: opts.ExcludeFirst,
		ExcludeLast:  opts.ExcludeLast,
		Reverse:      opts.Reverse,
	})
	if err != nil {
		snap.Close()
		return nil, err
	}
	return &Stream{
		t:      t,
		opts:   opts,
		db:     localDB{t},
		snap:   snap,
		it:     it,
		memo:   make(map[string][][]byte),
		stopCh: make(chan struct{}),
	}, nil
}

// Next advances the cursor, applying the filter + hook chain and parent
// rewrite to each candidate until one survives (spec.md §4.4.1). It
// blocks, subject to ctx and Close, while tailing an exhausted range.
func (s *Stream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for {
		if s.it.Next() {
			item := s.it.Item()
			s.lastV = item.Header.V

			if s.opts.Raw {
				s.cur = item
				return true
			}

			ok, out, err := s.passes(item)
			if err != nil {
				s.err = err
				return false
			}
			if !ok {
				continue
			}
			parents, err := s.unionConnectedParents(item.Header.Parents)
			if err != nil {
				s.err = err
				return false
			}
			out.Header.Parents = parents
			out.Header.Perspective = ""
			out.Header.Index = nil
			out.Meta = nil
			s.cur = out
			return true
		}
		if err := s.it.Err(); err != nil {
			s.err = err
			return false
		}
		if !s.opts.Tail {
			return false
		}
		if !s.waitForMore(ctx) {
			return false
		}
		if err := s.reopenLive(); err != nil {
			s.err = err
			return false
		}
	}
}

// passes reports whether item survives the filter + hook chain, and
// returns the hook-transformed item to emit when it does.
func (s *Stream) passes(item tree.Item) (bool, tree.Item, error) {
	if !s.opts.Filter.Match(item.Body) {
		return false, tree.Item{}, nil
	}
	out, ok, err := s.opts.Hooks.Run(s.db, item, s.opts.HooksOpts)
	if err != nil {
		return false, tree.Item{}, err
	}
	return ok, out, nil
}

// connectedParents implements spec.md §4.4.1 step 3: if v itself passes
// the filter + hook chain, its connected-parent set is {v}; otherwise it
// is the union of its own parents' connected-parent sets. Memoized per v
// for the lifetime of one Stream.
func (s *Stream) connectedParents(v []byte) ([][]byte, error) {
	key := string(v)
	if cached, ok := s.memo[key]; ok {
		return cached, nil
	}
	item, err := s.lookup(v)
	if err != nil {
		return nil, err
	}
	ok, _, err := s.passes(item)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	if ok {
		out = [][]byte{v}
	} else {
		out, err = s.unionConnectedParents(item.Header.Parents)
		if err != nil {
			return nil, err
		}
	}
	s.memo[key] = out
	return out, nil
}

func (s *Stream) unionConnectedParents(parents [][]byte) ([][]byte, error) {
	seen := map[string]bool{}
	var out [][]byte
	for _, p := range parents {
		sub, err := s.connectedParents(p)
		if err != nil {
			return nil, err
		}
		for _, v := range sub {
			k := string(v)
			if !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return canon.LessBytes(out[i], out[j]) })
	return out, nil
}

// lookup fetches v through the live tree once the Snapshot has been
// retired (tailing past its end), and through the Snapshot otherwise, so
// a parent rewrite computed mid-scan stays consistent with the items it
// was derived from.
func (s *Stream) lookup(v []byte) (tree.Item, error) {
	if s.snap != nil {
		return s.t.GetByVersionFrom(s.snap, v)
	}
	return s.t.GetByVersion(v)
}

// waitForMore blocks up to TailRetry, or until ctx is done or Close is
// called, whichever comes first (spec.md §4.4.2's bounded-time close).
func (s *Stream) waitForMore(ctx context.Context) bool {
	timer := time.NewTimer(s.opts.TailRetry)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reopenLive retires the Snapshot (its range is exhausted and a frozen
// view can never see new writes) and resumes scanning the live store
// strictly after the last item seen.
func (s *Stream) reopenLive() error {
	next := tree.IterOptions{
		Reverse:     s.opts.Reverse,
		Last:        s.opts.Last,
		ExcludeLast: s.opts.ExcludeLast,
	}
	if s.lastV != nil {
		next.First, next.ExcludeFirst = s.lastV, true
	} else {
		next.First, next.ExcludeFirst = s.opts.First, s.opts.ExcludeFirst
	}

	it, err := s.t.IterateInsertionOrder(next)
	if err != nil {
		return err
	}
	s.it.Close()
	s.it = it
	if s.snap != nil {
		s.snap.Close()
		s.snap = nil
	}
	return nil
}

// Item returns the current item; valid only after Next returns true.
func (s *Stream) Item() tree.Item { return s.cur }

// Err returns the first error encountered, if any.
func (s *Stream) Err() error { return s.err }

// Close terminates any pending tail wait and releases the underlying
// cursor and Snapshot. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	if s.snap != nil {
		s.snap.Close()
	}
	return s.it.Close()
}
