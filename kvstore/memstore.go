package kvstore

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// memStore is a sorted in-memory Store, grounded on the teacher's
// store/test in-memory fixture (services/syncbase/store/test/store.go's
// memtable). It backs every MergeTree unit test in this repo; production
// deployments use the goleveldb-backed Store in leveldbstore.go.
type memStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemStore returns an empty, process-local Store.
func NewMemStore() Store {
	return &memStore{data: make(map[string][]byte)}
}

var errClosedStore = errors.New("kvstore: closed store")

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosedStore
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memStore) WriteBatch(ops ...Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosedStore
	}
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			v := make([]byte, len(op.Value))
			copy(v, op.Value)
			m.data[string(op.Key)] = v
		case OpDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

func (m *memStore) Iterate(rng Range, reverse bool) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &memIterator{err: errClosedStore}
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if inRange(rng, []byte(k)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		v := m.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		vals[i] = cp
	}
	return &memIterator{keys: keys, vals: vals, idx: -1}
}

func inRange(rng Range, key []byte) bool {
	if rng.Start != nil && bytes.Compare(key, rng.Start) < 0 {
		return false
	}
	if rng.Limit != nil && bytes.Compare(key, rng.Limit) >= 0 {
		return false
	}
	return true
}

func (m *memStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frozen := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		frozen[k] = cp
	}
	return &memSnapshot{data: frozen}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memIterator struct {
	keys []string
	vals [][]byte
	idx  int
	err  error
}

func (it *memIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Key() []byte {
	if it.idx < 0 || it.idx >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.idx])
}

func (it *memIterator) Value() []byte {
	if it.idx < 0 || it.idx >= len(it.vals) {
		return nil
	}
	return it.vals[it.idx]
}

func (it *memIterator) Err() error   { return it.err }
func (it *memIterator) Close() error { return nil }

type memSnapshot struct {
	data map[string][]byte
}

func (s *memSnapshot) Get(key []byte) ([]byte, error) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *memSnapshot) Iterate(rng Range, reverse bool) Iterator {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if inRange(rng, []byte(k)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = s.data[k]
	}
	return &memIterator{keys: keys, vals: vals, idx: -1}
}

func (s *memSnapshot) Close() {}
