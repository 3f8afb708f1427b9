package tree

import "github.com/Netsend/PerspectiveDB-sub005/canon"

// record is the on-disk shape of an Item, stored at dsKey (spec.md
// §4.1.1). It carries every header field including the ones package
// stream's projection strips back out for local-tree consumers (pe, per
// spec.md §3.1 "absent in the local tree read output"); GetByVersion and
// IterateInsertionOrder return them as stored.
type record struct {
	ID          []byte                 `cbor:"1,keyasint"`
	V           []byte                 `cbor:"2,keyasint"`
	Parents     [][]byte               `cbor:"3,keyasint,omitempty"`
	Perspective string                 `cbor:"4,keyasint,omitempty"`
	Index       []byte                 `cbor:"5,keyasint"`
	Deleted     bool                   `cbor:"6,keyasint,omitempty"`
	Conflict    bool                   `cbor:"7,keyasint,omitempty"`
	Meta        map[string]interface{} `cbor:"8,keyasint,omitempty"`
	Body        interface{}            `cbor:"9,keyasint,omitempty"`
}

func itemToRecord(it Item) record {
	return record{
		ID:          it.Header.ID,
		V:           it.Header.V,
		Parents:     it.Header.Parents,
		Perspective: it.Header.Perspective,
		Index:       it.Header.Index,
		Deleted:     it.Header.Deleted,
		Conflict:    it.Header.Conflict,
		Meta:        it.Meta,
		Body:        it.Body,
	}
}

func recordToItem(r record) Item {
	return Item{
		Header: Header{
			ID:          r.ID,
			V:           r.V,
			Parents:     r.Parents,
			Perspective: r.Perspective,
			Index:       r.Index,
			Deleted:     r.Deleted,
			Conflict:    r.Conflict,
		},
		Meta: r.Meta,
		Body: r.Body,
	}
}

func encodeItem(it Item) ([]byte, error) {
	return canon.Encode(itemToRecord(it))
}

func decodeItem(b []byte) (Item, error) {
	var r record
	if err := canon.Decode(b, &r); err != nil {
		return Item{}, err
	}
	return recordToItem(r), nil
}

// EncodeItem and DecodeItem expose the same encoding used for dsKey
// records as the wire representation of an "encoded version" (spec.md
// §6.2's data channel and control-channel responses), so package proto
// doesn't need a second serialization format for the same Item shape.
func EncodeItem(it Item) ([]byte, error) { return encodeItem(it) }
func DecodeItem(b []byte) (Item, error)  { return decodeItem(b) }
