package tree

import "encoding/binary"

// Key layout (spec.md §4.1.1). All keys begin with a length-prefixed tree
// name so that range scans over an index stay contiguous and
// collision-free, followed by a single discriminator byte naming the
// index, generalizing the teacher's single-DAG-per-file objNodeKey /
// objHeadKey string keys into a multi-tree, multi-index binary encoding
// that shares one ordered KV store across local/stage/perspective trees.
const (
	discCounter = 0x00
	discData    = 0x01 // dsKey: insertion order
	discByID    = 0x02 // ikKey: id -> head-pointer helper
	discByVer   = 0x03 // vKey: version lookup
	discHeads   = 0x04 // headKey: current heads per id
	discOffsets = 0x05 // usKey: per-perspective resume offset
)

func namePrefix(name string) []byte {
	b := make([]byte, 0, 1+len(name))
	b = append(b, byte(len(name)))
	b = append(b, []byte(name)...)
	return b
}

func withDisc(name string, disc byte, rest ...[]byte) []byte {
	key := append(namePrefix(name), disc)
	for _, r := range rest {
		key = append(key, r...)
	}
	return key
}

func counterKey(name string) []byte {
	return withDisc(name, discCounter)
}

func dsKey(name string, i []byte) []byte {
	return withDisc(name, discData, i)
}

func idPrefix(name string, id []byte) []byte {
	return withDisc(name, discByID, []byte{byte(len(id))}, id)
}

func ikKey(name string, id, v []byte) []byte {
	return withDisc(name, discByID, []byte{byte(len(id))}, id, v)
}

func vKey(name string, v []byte) []byte {
	return withDisc(name, discByVer, v)
}

func headPrefix(name string, id []byte) []byte {
	return withDisc(name, discHeads, []byte{byte(len(id))}, id)
}

func headKey(name string, id, v []byte) []byte {
	return withDisc(name, discHeads, []byte{byte(len(id))}, id, v)
}

func offsetKey(name string, pe string) []byte {
	return withDisc(name, discOffsets, []byte(pe))
}

// encodeIndex/decodeIndex encode the insertion counter big-endian at the
// configured iSize width (spec.md §3.1's i field).
func encodeIndex(i uint64, size int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf[8-size:]
}

func decodeIndex(b []byte) uint64 {
	buf := make([]byte, 8)
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf)
}

// head flags byte: bit0 = conflict, bit1 = deleted.
const (
	flagConflict = 1 << 0
	flagDeleted  = 1 << 1
)

func encodeFlags(conflict, deleted bool) []byte {
	var f byte
	if conflict {
		f |= flagConflict
	}
	if deleted {
		f |= flagDeleted
	}
	return []byte{f}
}

func decodeFlags(b []byte) (conflict, deleted bool) {
	if len(b) == 0 {
		return false, false
	}
	return b[0]&flagConflict != 0, b[0]&flagDeleted != 0
}
