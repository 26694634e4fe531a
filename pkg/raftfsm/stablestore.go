package raftfsm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/memorose/engine/pkg/kvstore"
)

// stableKeyPrefix namespaces every raft.StableStore key under raft:
// (spec §6.3: vote, last_log_index, last_applied, last_membership all
// live in this namespace; hashicorp/raft itself chooses the suffixes for
// CurrentTerm/LastVoteCand/LastVoteTerm).
const stableKeyPrefix = "raft:"

func stableKey(key []byte) []byte {
	return append([]byte(stableKeyPrefix), key...)
}

// StableStore implements raft.StableStore over the shard's KV store.
type StableStore struct {
	kv *kvstore.Store
}

// NewStableStore wraps kv as a raft.StableStore.
func NewStableStore(kv *kvstore.Store) *StableStore {
	return &StableStore{kv: kv}
}

// Set stores an arbitrary key/value pair.
func (s *StableStore) Set(key []byte, val []byte) error {
	if err := s.kv.Put(context.Background(), stableKey(key), val); err != nil {
		return fmt.Errorf("raftfsm: stable_set: %w", err)
	}
	return nil
}

// Get retrieves the value stored under key.
func (s *StableStore) Get(key []byte) ([]byte, error) {
	val, err := s.kv.Get(context.Background(), stableKey(key))
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raftfsm: stable_get: %w", err)
	}
	return val, nil
}

// SetUint64 stores val as an 8-byte big-endian value under key.
func (s *StableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

// GetUint64 retrieves an 8-byte big-endian value stored under key,
// returning 0 if unset.
func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(val), nil
}
