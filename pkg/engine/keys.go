package engine

import (
	"encoding/binary"
	"fmt"
)

// KV namespace helpers (spec §6.3). Centralizing key construction avoids
// the format-string drift the teacher guards against with its own
// collection-name constants in pkg/core.

func eventKey(userID, id string) []byte {
	return []byte(fmt.Sprintf("u:%s:event:%s", userID, id))
}

func unitKey(userID, id string) []byte {
	return []byte(fmt.Sprintf("u:%s:unit:%s", userID, id))
}

func idxUnitKey(id string) []byte {
	return []byte(fmt.Sprintf("idx:unit:%s", id))
}

func l1IdxKey(userID, id string) []byte {
	return []byte(fmt.Sprintf("l1_idx:%s:%s", userID, id))
}

func l1IdxPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("l1_idx:%s:", userID))
}

func pendingKey(id string) []byte {
	return []byte(fmt.Sprintf("pending:%s", id))
}

func pendingPrefix() []byte {
	return []byte("pending:")
}

func retryCountKey(id string) []byte {
	return []byte(fmt.Sprintf("retry_count:%s", id))
}

func failedKey(id string) []byte {
	return []byte(fmt.Sprintf("failed:%s", id))
}

func activeUserKey(userID string) []byte {
	return []byte(fmt.Sprintf("active_user:%s", userID))
}

func activeUserPrefix() []byte {
	return []byte("active_user:")
}

func needsReflectKey(userID string) []byte {
	return []byte(fmt.Sprintf("needs_reflect:%s", userID))
}

func needsReflectPrefix() []byte {
	return []byte("needs_reflect:")
}

func needsCommunityKey(userID string) []byte {
	return []byte(fmt.Sprintf("needs_community:%s", userID))
}

func needsCommunityPrefix() []byte {
	return []byte("needs_community:")
}

func l1CountKey(userID string) []byte {
	return []byte(fmt.Sprintf("l1_count:%s", userID))
}

func planningKey(goalID string) []byte {
	return []byte(fmt.Sprintf("planning:%s", goalID))
}

func userFromPendingPrefixedKey(key []byte, prefix []byte) string {
	return string(key[len(prefix):])
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func encodeMicros(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decodeMicros(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}
