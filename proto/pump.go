package proto

import (
	"context"
	"fmt"
	"io"

	"github.com/Netsend/PerspectiveDB-sub005/mergetree"
	"github.com/Netsend/PerspectiveDB-sub005/stream"
	"github.com/Netsend/PerspectiveDB-sub005/tree"
)

// SendStream implements the sending half of spec.md §6.2's data channel:
// once the handshake has been exchanged, open a projection stream per
// the export configuration and write every item it yields as a
// length-prefixed version frame.
func SendStream(ctx context.Context, w io.Writer, s *stream.Stream) error {
	for s.Next(ctx) {
		if err := WriteVersion(w, s.Item()); err != nil {
			return fmt.Errorf("proto: send stream: %w", err)
		}
	}
	return s.Err()
}

// ReceiveInto implements the receiving half: read version frames until a
// clean end of stream, piping each one through mt's remote write path
// for the named perspective (spec.md §4.2.2, §6.2).
func ReceiveInto(ctx context.Context, r io.Reader, mt *mergetree.MergeTree, pe string) error {
	for {
		item, ok, err := ReadVersion(r)
		if err != nil {
			return fmt.Errorf("proto: receive into %q: %w", pe, err)
		}
		if !ok {
			return nil
		}
		if err := mt.RemoteWrite(ctx, pe, []tree.Item{item}); err != nil {
			return fmt.Errorf("proto: remote write into %q: %w", pe, err)
		}
	}
}

// StreamOptionsForDataRequest translates a received handshake into the
// stream.Options that would resume the export at the requested point
// (spec.md §6.2's "resume strictly after the given version (exclusive)").
// The caller still supplies filter/hooks for the export configuration.
func StreamOptionsForDataRequest(req DataRequest, base stream.Options) (stream.Options, bool) {
	switch req.Kind {
	case DataNone:
		return stream.Options{}, false
	case DataResume:
		base.First, base.ExcludeFirst = req.From, true
	}
	return base, true
}
