package raftfsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/kvstore"
)

// logKeyPrefix is the prefix of every log key (spec §6.3): keys are
// raft:log:{index:020}, decimal zero-padded to 20 digits, so byte-wise
// order is numeric order and a prefix scan returns entries by index.
// logSentinel (raft:log:~) sorts after every log key ('~' sorts after any
// digit in ASCII); the scans in this file bound the range by the prefix
// alone and do not use it.
const (
	logKeyPrefix = "raft:log:"
	logSentinel  = "raft:log:~"
)

func logKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logKeyPrefix, index))
}

// LogStore implements raft.LogStore over the shard's KV store.
type LogStore struct {
	kv *kvstore.Store
}

// NewLogStore wraps kv as a raft.LogStore.
func NewLogStore(kv *kvstore.Store) *LogStore {
	return &LogStore{kv: kv}
}

type logRecord struct {
	Index      uint64       `json:"index"`
	Term       uint64       `json:"term"`
	Type       raft.LogType `json:"type"`
	Data       []byte       `json:"data"`
	Extensions []byte       `json:"extensions"`
}

// FirstIndex returns the first known index, or 0 if the log is empty.
func (s *LogStore) FirstIndex() (uint64, error) {
	rows, err := s.kv.Scan(context.Background(), []byte(logKeyPrefix))
	if err != nil {
		return 0, fmt.Errorf("raftfsm: first_index: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var rec logRecord
	if err := json.Unmarshal(rows[0].Value, &rec); err != nil {
		return 0, fmt.Errorf("raftfsm: first_index decode: %w", err)
	}
	return rec.Index, nil
}

// LastIndex returns the last known index, or 0 if the log is empty.
func (s *LogStore) LastIndex() (uint64, error) {
	rows, err := s.kv.Scan(context.Background(), []byte(logKeyPrefix))
	if err != nil {
		return 0, fmt.Errorf("raftfsm: last_index: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var rec logRecord
	if err := json.Unmarshal(rows[len(rows)-1].Value, &rec); err != nil {
		return 0, fmt.Errorf("raftfsm: last_index decode: %w", err)
	}
	return rec.Index, nil
}

// GetLog retrieves the log entry at index into log.
func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	raw, err := s.kv.Get(context.Background(), logKey(index))
	if err == kvstore.ErrNotFound {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return fmt.Errorf("raftfsm: get_log: %w", err)
	}
	var rec logRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("raftfsm: get_log decode: %w", err)
	}
	log.Index = rec.Index
	log.Term = rec.Term
	log.Type = rec.Type
	log.Data = rec.Data
	log.Extensions = rec.Extensions
	return nil
}

// StoreLog stores a single log entry.
func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores a batch of log entries.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	ctx := context.Background()
	for _, log := range logs {
		rec := logRecord{Index: log.Index, Term: log.Term, Type: log.Type, Data: log.Data, Extensions: log.Extensions}
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("raftfsm: store_logs encode: %w", err)
		}
		if err := s.kv.Put(ctx, logKey(log.Index), body); err != nil {
			return fmt.Errorf("raftfsm: store_logs: %w", err)
		}
	}
	return nil
}

// DeleteRange removes every log entry with index in [min, max], used both
// to truncate a divergent suffix and to compact the prefix after a
// snapshot.
func (s *LogStore) DeleteRange(min, max uint64) error {
	ctx := context.Background()
	for i := min; i <= max; i++ {
		if err := s.kv.Delete(ctx, logKey(i)); err != nil {
			return fmt.Errorf("raftfsm: delete_range: %w", err)
		}
	}
	return nil
}
