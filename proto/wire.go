package proto

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// WriteControlRequest/ReadControlRequest carry one control-channel
// request as line-delimited JSON (spec.md §6.2).
func WriteControlRequest(w io.Writer, req ControlRequest) error {
	return json.NewEncoder(w).Encode(req)
}

func ReadControlRequest(r io.Reader) (ControlRequest, error) {
	var req ControlRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return ControlRequest{}, fmt.Errorf("proto: read control request: %w", err)
	}
	return req, nil
}

// WriteControlResponse/ReadControlResponse carry a control-channel
// response as a length-prefixed encoded version, or a zero-length frame
// for "{}" (spec.md §6.2).
func WriteControlResponse(w io.Writer, resp ControlResponse) error {
	if !resp.Found {
		return writeFrame(w, nil)
	}
	enc, err := tree.EncodeItem(resp.Item)
	if err != nil {
		return fmt.Errorf("proto: encode control response: %w", err)
	}
	return writeFrame(w, enc)
}

func ReadControlResponse(r io.Reader) (ControlResponse, error) {
	payload, err := readFrame(r)
	if err != nil {
		return ControlResponse{}, fmt.Errorf("proto: read control response: %w", err)
	}
	if len(payload) == 0 {
		return ControlResponse{}, nil
	}
	item, err := tree.DecodeItem(payload)
	if err != nil {
		return ControlResponse{}, fmt.Errorf("proto: decode control response: %w", err)
	}
	return ControlResponse{Found: true, Item: item}, nil
}

// DataRequestKind distinguishes the three handshake shapes of spec.md
// §6.2's data channel.
type DataRequestKind int

const (
	DataNone   DataRequestKind = iota // {start: false}
	DataAll                           // {start: true}
	DataResume                        // {start: "<base64 v>"}
)

// DataRequest is the single line-delimited JSON message each side of a
// data channel sends exactly once, before any version frames flow
// (spec.md §6.2).
type DataRequest struct {
	Kind DataRequestKind
	From []byte // set for DataResume: resume strictly after this version
}

type wireDataRequest struct {
	Start interface{} `json:"start"`
}

func (d DataRequest) MarshalJSON() ([]byte, error) {
	var start interface{}
	switch d.Kind {
	case DataAll:
		start = true
	case DataResume:
		start = base64.StdEncoding.EncodeToString(d.From)
	default:
		start = false
	}
	return json.Marshal(wireDataRequest{Start: start})
}

func (d *DataRequest) UnmarshalJSON(data []byte) error {
	var w wireDataRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("proto: data request: %w", err)
	}
	switch v := w.Start.(type) {
	case bool:
		if v {
			d.Kind = DataAll
		} else {
			d.Kind = DataNone
		}
		d.From = nil
	case string:
		from, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("proto: data request: start: %w", err)
		}
		d.Kind = DataResume
		d.From = from
	default:
		return fmt.Errorf("proto: data request: unexpected start value %v", w.Start)
	}
	return nil
}

func WriteDataRequest(w io.Writer, req DataRequest) error {
	return json.NewEncoder(w).Encode(req)
}

func ReadDataRequest(r io.Reader) (DataRequest, error) {
	var req DataRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return DataRequest{}, fmt.Errorf("proto: read data request: %w", err)
	}
	return req, nil
}

// WriteVersion and ReadVersion carry one data-channel item as a
// length-prefixed encoded version (spec.md §6.2's "bidirectional stream
// of length-prefixed encoded versions").
func WriteVersion(w io.Writer, item tree.Item) error {
	enc, err := tree.EncodeItem(item)
	if err != nil {
		return fmt.Errorf("proto: encode version: %w", err)
	}
	return writeFrame(w, enc)
}

// ReadVersion reads one version frame. ok is false, with err nil, at a
// clean end of stream.
func ReadVersion(r io.Reader) (item tree.Item, ok bool, err error) {
	payload, err := readFrame(r)
	if err != nil {
		if err == io.EOF {
			return tree.Item{}, false, nil
		}
		return tree.Item{}, false, fmt.Errorf("proto: read version: %w", err)
	}
	it, err := tree.DecodeItem(payload)
	if err != nil {
		return tree.Item{}, false, fmt.Errorf("proto: decode version: %w", err)
	}
	return it, true, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
