package engine

import (
	"encoding/binary"
	"fmt"
)

// Typed storage values are serialized to the value_bytes column using a
// fixed, simple encoding: fixed-width big-endian for numbers and a single
// byte for bool. Strings are stored as their raw UTF-8 bytes.

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("engine: stored u64 has wrong length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeS64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeS64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("engine: stored s64 has wrong length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("engine: stored bool has wrong length %d", len(b))
	}
	return b[0] != 0, nil
}

func encodeStr(v string) []byte { return []byte(v) }
func decodeStr(b []byte) string { return string(b) }
