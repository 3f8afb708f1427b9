// Package perspectivedb is the top-level document-store facade: one
// backing store, one MergeTree, wired together the way the teacher's
// syncService composition root binds a DAG, watcher and initiator into
// a single value (_examples/aghassemi-go.ref/services/syncbase/vsync/sync.go),
// without replicating its RPC server surface.
package perspectivedb

import (
	"context"
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub005/kvstore"
	"github.com/Netsend/PerspectiveDB-sub005/mergetree"
	"github.com/Netsend/PerspectiveDB-sub005/stream"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// Options configures a DB at Open time.
type Options struct {
	// Path is the on-disk directory for the backing goleveldb store. An
	// empty Path opens an in-memory store instead (tests, scratch runs).
	Path string

	MergeTree mergetree.Options
}

// DB binds one kvstore.Store to one mergetree.MergeTree.
type DB struct {
	store kvstore.Store
	mt    *mergetree.MergeTree
}

// Open creates or reopens a DB.
func Open(opts Options) (*DB, error) {
	var store kvstore.Store
	var err error
	if opts.Path == "" {
		store = kvstore.NewMemStore()
	} else {
		store, err = kvstore.OpenLevelDB(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("perspectivedb: open store: %w", err)
		}
	}

	mt, err := mergetree.Open(store, opts.MergeTree)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("perspectivedb: open mergetree: %w", err)
	}
	return &DB{store: store, mt: mt}, nil
}

// Close stops the MergeTree's auto-merge loop and closes the backing
// store.
func (db *DB) Close() error {
	db.mt.Close()
	return db.store.Close()
}

// MergeTree exposes the underlying MergeTree for callers that need the
// full write-path API (e.g. package proto's wire handlers).
func (db *DB) MergeTree() *mergetree.MergeTree { return db.mt }

// LocalWrite registers a host-originated change, or acknowledges a
// previously staged merge (spec.md §4.2.1).
func (db *DB) LocalWrite(ctx context.Context, w tree.Item) (tree.Item, error) {
	return db.mt.LocalWrite(ctx, w)
}

// RemoteWrite applies a batch of versions received from perspective pe
// (spec.md §4.2.2).
func (db *DB) RemoteWrite(ctx context.Context, pe string, items []tree.Item) error {
	return db.mt.RemoteWrite(ctx, pe, items)
}

// SyncOnce runs one copy-missing-to-stage + merge-stage-with-local pass
// for pe outside of the background auto-merge loop, for callers that
// disabled it (mergetree.Options.AutoMergeInterval < 0) to drive
// reconciliation deterministically.
func (db *DB) SyncOnce(ctx context.Context, pe string) error {
	if err := db.mt.CopyMissingToStage(ctx, pe); err != nil {
		return err
	}
	return db.mt.MergeStageWithLocal(ctx)
}

// OpenStream opens a projection stream over the local tree (spec.md
// §4.4), the read side of an export configuration.
func (db *DB) OpenStream(opts stream.Options) (*stream.Stream, error) {
	return stream.Open(db.mt.Local(), opts)
}

// Stats reports live node/conflict counts for local, stage and every
// perspective tree (supplemented feature; see SPEC_FULL.md §6).
func (db *DB) Stats() map[string]mergetree.TreeStats { return db.mt.Stats() }

// Perspectives lists configured peer names.
func (db *DB) Perspectives() []string { return db.mt.Perspectives() }
