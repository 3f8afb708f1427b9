package kvstore

import (
	"errors"
	"path/filepath"
	"testing"
)

// storeFilename returns a fresh on-disk path for a leveldb-backed Store,
// grounded on the teacher's dagFilename-style temp-path test helper.
func storeFilename(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db")
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	ldb, err := OpenLevelDB(storeFilename(t))
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	return map[string]Store{
		"mem":     NewMemStore(),
		"leveldb": ldb,
	}
}

func TestGetMissingIsErrNotFound(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if _, err := s.Get([]byte("ghost")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestWriteBatchIsAtomicAndOrdered(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if err := s.WriteBatch(
				Op{Kind: OpPut, Key: []byte("b"), Value: []byte("2")},
				Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")},
				Op{Kind: OpPut, Key: []byte("c"), Value: []byte("3")},
			); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}

			it := s.Iterate(Range{}, false)
			defer it.Close()
			var keys []string
			for it.Next() {
				keys = append(keys, string(it.Key()))
			}
			if err := it.Err(); err != nil {
				t.Fatalf("iterate: %v", err)
			}
			want := []string{"a", "b", "c"}
			if len(keys) != len(want) {
				t.Fatalf("expected %v, got %v", want, keys)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("expected %v, got %v", want, keys)
				}
			}
		})
	}
}

func TestWriteBatchDeleteWithinSameBatch(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if err := s.WriteBatch(
				Op{Kind: OpPut, Key: []byte("b"), Value: []byte("2")},
				Op{Kind: OpDelete, Key: []byte("a")},
			); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			if _, err := s.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected a deleted, got %v", err)
			}
			if v, err := s.Get([]byte("b")); err != nil || string(v) != "2" {
				t.Fatalf("expected b=2, got %q %v", v, err)
			}
		})
	}
}

func TestIterateReverseAndRange(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			for _, k := range []string{"a", "b", "c", "d"} {
				if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte(k), Value: []byte(k)}); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}

			it := s.Iterate(Range{Start: []byte("b"), Limit: []byte("d")}, false)
			defer it.Close()
			var got []string
			for it.Next() {
				got = append(got, string(it.Key()))
			}
			if len(got) != 2 || got[0] != "b" || got[1] != "c" {
				t.Fatalf("expected [b c], got %v", got)
			}

			rit := s.Iterate(Range{}, true)
			defer rit.Close()
			var rgot []string
			for rit.Next() {
				rgot = append(rgot, string(rit.Key()))
			}
			want := []string{"d", "c", "b", "a"}
			if len(rgot) != len(want) {
				t.Fatalf("expected %v, got %v", want, rgot)
			}
			for i := range want {
				if rgot[i] != want[i] {
					t.Fatalf("expected %v, got %v", want, rgot)
				}
			}
		})
	}
}

func TestSnapshotIsolatesFromLaterWrites(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			snap := s.Snapshot()
			defer snap.Close()

			if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte("a"), Value: []byte("2")}); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte("b"), Value: []byte("3")}); err != nil {
				t.Fatalf("add: %v", err)
			}

			if v, err := snap.Get([]byte("a")); err != nil || string(v) != "1" {
				t.Fatalf("expected snapshot to see a=1, got %q %v", v, err)
			}
			if _, err := snap.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected snapshot not to see b, got %v", err)
			}
		})
	}
}

func TestPrefixRangeBoundsByteIncrementedLimit(t *testing.T) {
	rng := Prefix([]byte{0x01, 0x02})
	if string(rng.Start) != string([]byte{0x01, 0x02}) {
		t.Fatalf("unexpected start: %x", rng.Start)
	}
	if string(rng.Limit) != string([]byte{0x01, 0x03}) {
		t.Fatalf("unexpected limit: %x", rng.Limit)
	}

	all := Prefix([]byte{0xff, 0xff})
	if all.Limit != nil {
		t.Fatalf("expected unbounded limit for all-0xff prefix, got %x", all.Limit)
	}
}

func TestLevelDBStoreSupportsCompactRange(t *testing.T) {
	s, err := OpenLevelDB(storeFilename(t))
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	defer s.Close()

	if err := s.WriteBatch(Op{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	compactor, ok := s.(Compactor)
	if !ok {
		t.Fatalf("expected the leveldb store to implement Compactor")
	}
	if err := compactor.CompactRange(Range{}); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}
}
