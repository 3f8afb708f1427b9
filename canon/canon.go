// Package canon implements the canonical binary encoding that underlies
// content-derived version identifiers (spec.md §3.2 invariant 4, §9).
//
// Bodies are opaque structured values — maps, slices, strings, numbers,
// bools, nil — exactly like a decoded JSON document. The canonical form
// sorts map keys and fixes numeric/string representations so that two
// semantically identical bodies always produce the same bytes, which is
// the property contentHash() depends on to make merges converge across
// nodes (spec.md §4.3.4 "Determinism").
package canon

import (
	"crypto/sha256"
	"errors"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Body is the arbitrary structured value carried by a version (spec.md §3.1).
type Body = interface{}

// ErrCyclicBody is returned when a body contains a reference cycle.
// Bodies must be trees in the canonical encoding (spec.md §9).
var ErrCyclicBody = errors.New("canon: cyclic body")

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// decMode decodes CBOR maps held in an interface{} as
// map[string]interface{}, the shape of a decoded JSON document.
var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]interface{}(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Encode produces the canonical binary encoding of v: deterministic map-key
// order, minimal-width integers, no indefinite-length items.
func Encode(v Body) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode parses the canonical binary encoding back into out.
func Decode(data []byte, out interface{}) error {
	return decMode.Unmarshal(data, out)
}

// Header carries the fields that feed the content hash. It intentionally
// mirrors only the subset of tree.Header that spec.md §3.2 invariant 4
// names, to keep canon independent from the tree package.
type Header struct {
	ID      []byte
	Parents [][]byte // any order; ContentHash sorts a copy before hashing
	Deleted bool
}

// hashable is the struct actually fed to the canonical encoder. Field order
// does not matter for CBOR canonical maps (they're sorted on the wire), but
// it documents the exact tuple spec.md §3.2 invariant 4 specifies:
// {h.id, h.pa (sorted), h.d?, b}.
type hashable struct {
	ID      []byte   `cbor:"1,keyasint"`
	Parents [][]byte `cbor:"2,keyasint"`
	Deleted bool     `cbor:"3,keyasint,omitempty"`
	Body    Body     `cbor:"4,keyasint,omitempty"`
}

// ContentHash computes the content-derived version identifier for a merge
// version: the first size bytes of SHA-256 over the canonical encoding of
// {h.id, h.pa (sorted), h.d?, b}. It sorts a copy of h.Parents itself
// before encoding (sort-first-hash-last, spec.md §9 "Open questions in
// the source"), so the result does not depend on the caller's order.
func ContentHash(h Header, body Body, size int) ([]byte, error) {
	parents := make([][]byte, len(h.Parents))
	copy(parents, h.Parents)
	sort.Slice(parents, func(i, j int) bool {
		return lessBytes(parents[i], parents[j])
	})

	enc, err := Encode(hashable{ID: h.ID, Parents: parents, Deleted: h.Deleted, Body: body})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(enc)
	if size <= 0 || size > len(sum) {
		size = len(sum)
	}
	return sum[:size], nil
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Equal reports whether two bodies are deeply, canonically equal: it
// round-trips both through the canonical encoder so that differing
// in-memory numeric representations of the same value (e.g. int vs
// float64, as commonly arises after a JSON decode) compare equal.
func Equal(a, b Body) bool {
	ea, erra := Encode(normalize(a))
	eb, errb := Encode(normalize(b))
	if erra != nil || errb != nil {
		return false
	}
	return string(ea) == string(eb)
}

// normalize decodes-then-reencodes through CBOR once to collapse
// representational differences (map[string]interface{} vs structs, etc.)
// before a byte-level comparison in Equal.
func normalize(v Body) Body {
	enc, err := Encode(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := cbor.Unmarshal(enc, &out); err != nil {
		return v
	}
	return out
}

// SortByteSlices sorts a slice of byte strings lexicographically in place,
// matching the ordering the KV backing store uses for keys (spec.md §6.1).
func SortByteSlices(bs [][]byte) {
	sort.Slice(bs, func(i, j int) bool { return lessBytes(bs[i], bs[j]) })
}

// LessBytes exposes the lexicographic comparator used throughout the tree
// and merge packages for version-id tie-breaking (spec.md §4.3.3).
func LessBytes(a, b []byte) bool { return lessBytes(a, b) }
