// Package proto implements the thin per-peer wire contract of spec.md
// §6.2: a control channel (version-by-id, prefix-exists) and a data
// channel handshake plus length-prefixed version framing. It deliberately
// does not provide transport, authentication or multiplexing — those are
// the host's concern per spec.md §1's Non-goals; the teacher's
// RPC-interface-bound vsync/initiator.go request/response plumbing
// (v.io/v23/rpc) isn't reusable here without pulling in the whole
// Vanadium RPC runtime, so this package is a standalone adapter over any
// io.Reader/io.Writer pair instead (see DESIGN.md).
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// ControlRequestKind distinguishes the two control-channel request shapes
// of spec.md §6.2.
type ControlRequestKind int

const (
	// KindVersionByID asks for the most recent local version for an
	// upstream id; a nil ID means "any most recent".
	KindVersionByID ControlRequestKind = iota
	// KindPrefixExists asks whether any version exists whose id starts
	// with Prefix.
	KindPrefixExists
)

// ControlRequest is one control-channel request, line-delimited JSON on
// the wire (spec.md §6.2).
type ControlRequest struct {
	Kind   ControlRequestKind
	ID     []byte // set for KindVersionByID; nil means "any most recent"
	Prefix []byte // set for KindPrefixExists
}

type wireVersionByID struct {
	ID []byte `json:"id"`
}

type wirePrefixExists struct {
	PrefixExists []byte `json:"prefixExists"`
}

// MarshalJSON renders the request in whichever of the two wire shapes
// its Kind selects.
func (r ControlRequest) MarshalJSON() ([]byte, error) {
	if r.Kind == KindPrefixExists {
		return json.Marshal(wirePrefixExists{PrefixExists: r.Prefix})
	}
	return json.Marshal(wireVersionByID{ID: r.ID})
}

// UnmarshalJSON recognizes which of the two wire shapes was sent by the
// presence of the "prefixExists" key.
func (r *ControlRequest) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("proto: control request: %w", err)
	}
	if raw, ok := probe["prefixExists"]; ok {
		var prefix []byte
		if err := json.Unmarshal(raw, &prefix); err != nil {
			return fmt.Errorf("proto: control request: prefixExists: %w", err)
		}
		r.Kind = KindPrefixExists
		r.Prefix = prefix
		return nil
	}
	var w wireVersionByID
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("proto: control request: id: %w", err)
	}
	r.Kind = KindVersionByID
	r.ID = w.ID
	return nil
}

// ControlResponse is a single encoded version, or nothing found (spec.md
// §6.2: "Response is a single encoded version or {} if none."). On the
// wire it is length-prefixed binary: see WriteControlResponse/
// ReadControlResponse.
type ControlResponse struct {
	Found bool
	Item  tree.Item
}

// Responder answers control-channel requests against a single Tree,
// typically the local tree (spec.md §6.2).
type Responder struct {
	Tree *tree.Tree
}

// Handle dispatches req to the matching lookup.
func (r Responder) Handle(req ControlRequest) (ControlResponse, error) {
	switch req.Kind {
	case KindPrefixExists:
		return r.handlePrefixExists(req.Prefix)
	default:
		return r.handleVersionByID(req.ID)
	}
}

func (r Responder) handleVersionByID(id []byte) (ControlResponse, error) {
	if id != nil {
		heads, err := r.Tree.GetHeads(id, tree.HeadsOptions{})
		if err != nil {
			return ControlResponse{}, err
		}
		if len(heads) == 0 {
			return ControlResponse{}, nil
		}
		return ControlResponse{Found: true, Item: mostRecent(heads)}, nil
	}

	// "any most recent": the single most recently inserted item across
	// the whole tree.
	it, err := r.Tree.IterateInsertionOrder(tree.IterOptions{Reverse: true})
	if err != nil {
		return ControlResponse{}, err
	}
	defer it.Close()

	if !it.Next() {
		return ControlResponse{}, it.Err()
	}
	return ControlResponse{Found: true, Item: it.Item()}, nil
}

func (r Responder) handlePrefixExists(prefix []byte) (ControlResponse, error) {
	item, found, err := r.Tree.AnyWithIDPrefix(prefix)
	if err != nil {
		return ControlResponse{}, err
	}
	if !found {
		return ControlResponse{}, nil
	}
	return ControlResponse{Found: true, Item: item}, nil
}

// mostRecent picks the head with the largest insertion index; used for
// the rare case of more than one live head (a local fork or unresolved
// conflict) where the control channel must still answer with exactly one
// candidate.
func mostRecent(heads []tree.Item) tree.Item {
	best := heads[0]
	for _, h := range heads[1:] {
		if indexLess(best.Header.Index, h.Header.Index) {
			best = h
		}
	}
	return best
}

func indexLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
