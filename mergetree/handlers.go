package mergetree

import (
	"context"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// MergeHandler is invoked once per newly created merged version, whether
// produced by fast-forward or a genuine three-way merge (spec.md §4.5).
// The host is expected to eventually call LocalWrite with a header
// carrying merged.Header.V once it has durably committed the merged body
// into its own user-visible store; the MergeTree tolerates arbitrary
// delay and may redeliver the same version after restart.
//
// Expressed as a capability interface per spec.md §9's design note so
// hosts can implement it with whatever concurrency primitive (channel,
// callback, queue) fits their runtime.
type MergeHandler interface {
	HandleMerge(ctx context.Context, merged tree.Item, localHead *tree.Item) error
}

// MergeHandlerFunc adapts a plain function to MergeHandler.
type MergeHandlerFunc func(ctx context.Context, merged tree.Item, localHead *tree.Item) error

func (f MergeHandlerFunc) HandleMerge(ctx context.Context, merged tree.Item, localHead *tree.Item) error {
	return f(ctx, merged, localHead)
}

// ConflictHandler is invoked synchronously during merge-stage-with-local
// when the merge engine reports Conflict (spec.md §4.5). It may return a
// resolved body (ok=true) or decline (ok=false), in which case the
// staged item is marked conflicting instead.
type ConflictHandler interface {
	HandleConflict(ctx context.Context, attrs []string, sideBody, localBody canon.Body) (resolved canon.Body, ok bool, err error)
}

// ConflictHandlerFunc adapts a plain function to ConflictHandler.
type ConflictHandlerFunc func(ctx context.Context, attrs []string, sideBody, localBody canon.Body) (canon.Body, bool, error)

func (f ConflictHandlerFunc) HandleConflict(ctx context.Context, attrs []string, sideBody, localBody canon.Body) (canon.Body, bool, error) {
	return f(ctx, attrs, sideBody, localBody)
}

// DefaultConflictHandler always declines, leaving the item marked
// conflicting in stage (spec.md §4.5's stated default).
var DefaultConflictHandler ConflictHandler = ConflictHandlerFunc(
	func(context.Context, []string, canon.Body, canon.Body) (canon.Body, bool, error) {
		return nil, false, nil
	},
)

// HookDB is the read-only auxiliary handle a hook may consult (spec.md
// §4.6: "hooks... may read auxiliary data passed through opts.db"). It
// exposes only the local tree, not the full MergeTree, so hooks have no
// access to the write pipelines; the *tree.Tree it returns still has
// Write, and nothing stops a hook from calling it.
type HookDB interface {
	Local() *tree.Tree
}

// HooksOpts configures a hook chain invocation; Hide triggers the
// synthesized built-in "hide" hook (spec.md §4.6).
type HooksOpts struct {
	Hide []string
}

// Hook transforms or drops an item while it passes through a write or
// read pipeline (spec.md §4.6). Returning ok=false drops the item; the
// remainder of the chain is skipped.
type Hook func(db HookDB, item tree.Item, opts HooksOpts) (out tree.Item, ok bool, err error)

// HookChain runs an ordered list of Hooks head-to-tail.
type HookChain []Hook

// Run executes the chain, short-circuiting on the first drop or error.
func (c HookChain) Run(db HookDB, item tree.Item, opts HooksOpts) (tree.Item, bool, error) {
	cur := item
	for _, h := range c {
		out, ok, err := h(db, cur, opts)
		if err != nil {
			return tree.Item{}, false, err
		}
		if !ok {
			return tree.Item{}, false, nil
		}
		cur = out
	}
	return cur, true, nil
}

// HideHook strips the attribute paths named in opts.Hide from a
// map-shaped body, built-in per spec.md §4.6. Only top-level keys are
// supported, matching the "selected fields" granularity the per-
// perspective filter also uses (§4.2.2).
func HideHook(db HookDB, item tree.Item, opts HooksOpts) (tree.Item, bool, error) {
	if len(opts.Hide) == 0 {
		return item, true, nil
	}
	m, ok := item.Body.(map[string]interface{})
	if !ok {
		return item, true, nil
	}
	stripped := make(map[string]interface{}, len(m))
	for k, v := range m {
		stripped[k] = v
	}
	for _, k := range opts.Hide {
		delete(stripped, k)
	}
	item.Body = stripped
	return item, true, nil
}

// Filter is the per-perspective conjunctive equality filter of spec.md
// §4.2.2: a write is dropped unless every named field equals the
// configured value.
type Filter struct {
	Equals map[string]interface{}
}

// Match reports whether body satisfies the filter. A nil/zero Filter
// matches everything.
func (f Filter) Match(body canon.Body) bool {
	if len(f.Equals) == 0 {
		return true
	}
	m, ok := body.(map[string]interface{})
	if !ok {
		return false
	}
	for k, want := range f.Equals {
		got, present := m[k]
		if !present || !canon.Equal(got, want) {
			return false
		}
	}
	return true
}
