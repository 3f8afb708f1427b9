package kvstore

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldbStore is a durable, ordered Store backed by goleveldb. It adapts
// the teacher's cgo LevelDB binding (services/syncbase/store/leveldb/db.go)
// to a pure-Go, module-fetchable equivalent with the same ordered-KV,
// atomic-batch-write, range-iteration and snapshot-read contract.
type leveldbStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a durable Store at path.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &leveldbStore{db: db}, nil
}

func (s *leveldbStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *leveldbStore) WriteBatch(ops ...Op) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			batch.Put(op.Key, op.Value)
		case OpDelete:
			batch.Delete(op.Key)
		}
	}
	return s.db.Write(batch, nil)
}

func (s *leveldbStore) Iterate(rng Range, reverse bool) Iterator {
	it := s.db.NewIterator(toLevelRange(rng), nil)
	return wrapIterator(it, reverse)
}

func (s *leveldbStore) Snapshot() Snapshot {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return &errSnapshot{err: err}
	}
	return &leveldbSnapshot{snap: snap}
}

func (s *leveldbStore) Close() error {
	return s.db.Close()
}

// CompactRange implements Compactor.
func (s *leveldbStore) CompactRange(rng Range) error {
	r := toLevelRange(rng)
	if r == nil {
		return s.db.CompactRange(util.Range{})
	}
	return s.db.CompactRange(*r)
}

func toLevelRange(rng Range) *util.Range {
	if rng.Start == nil && rng.Limit == nil {
		return nil
	}
	return &util.Range{Start: rng.Start, Limit: rng.Limit}
}

// levelIterator adapts goleveldb's iterator.Iterator, which is forward-only,
// to this package's Iterator, materializing the reverse order up front when
// reverse is requested (DAG scans are per-id and small; see tree.go).
type levelIterator struct {
	it      iterator.Iterator
	reverse bool
	keys    [][]byte
	vals    [][]byte
	idx     int
	live    bool
	err0    error
}

func wrapIterator(it iterator.Iterator, reverse bool) Iterator {
	if !reverse {
		return &levelIterator{it: it, live: true}
	}
	var keys, vals [][]byte
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		keys = append(keys, k)
		vals = append(vals, v)
	}
	err := it.Error()
	it.Release()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
		vals[i], vals[j] = vals[j], vals[i]
	}
	return &levelIterator{reverse: true, keys: keys, vals: vals, idx: -1, err0: err}
}

// err0 is only meaningful for the materialized reverse case.
func (li *levelIterator) Next() bool {
	if li.live {
		return li.it.Next()
	}
	li.idx++
	return li.idx < len(li.keys)
}

func (li *levelIterator) Key() []byte {
	if li.live {
		return li.it.Key()
	}
	if li.idx < 0 || li.idx >= len(li.keys) {
		return nil
	}
	return li.keys[li.idx]
}

func (li *levelIterator) Value() []byte {
	if li.live {
		return li.it.Value()
	}
	if li.idx < 0 || li.idx >= len(li.vals) {
		return nil
	}
	return li.vals[li.idx]
}

func (li *levelIterator) Err() error {
	if li.live {
		return li.it.Error()
	}
	return li.err0
}

func (li *levelIterator) Close() error {
	if li.live {
		li.it.Release()
	}
	return nil
}

type leveldbSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *leveldbSnapshot) Get(key []byte) ([]byte, error) {
	v, err := s.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *leveldbSnapshot) Iterate(rng Range, reverse bool) Iterator {
	it := s.snap.NewIterator(toLevelRange(rng), nil)
	return wrapIterator(it, reverse)
}

func (s *leveldbSnapshot) Close() { s.snap.Release() }

type errSnapshot struct{ err error }

func (s *errSnapshot) Get([]byte) ([]byte, error)            { return nil, s.err }
func (s *errSnapshot) Iterate(Range, bool) Iterator          { return &memIterator{err: s.err} }
func (s *errSnapshot) Close()                                {}
