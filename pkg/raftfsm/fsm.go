package raftfsm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/memorose/engine/pkg/engine"
	"github.com/memorose/engine/pkg/kvstore"
	"github.com/memorose/engine/pkg/logging"
)

var lastAppliedKey = []byte("raft:last_applied")
var lastMembershipKey = []byte("raft:last_membership")

// OpenEngineFunc (re)opens an Engine over the stores rooted at liveDir,
// used by Restore to bring the freshly-installed snapshot's stores online
// in place of the ones the FSM was previously serving.
type OpenEngineFunc func(liveDir string) (*engine.Engine, error)

// FSM adapts *engine.Engine to raft.FSM (spec §4.12). Apply dispatches
// each committed ClientRequest to the Engine; Snapshot/Restore checkpoint
// and reinstall the engine's backing stores as a single tar.gz archive.
type FSM struct {
	mu  sync.RWMutex
	eng *engine.Engine
	kv  *kvstore.Store

	liveDir    string
	openEngine OpenEngineFunc
	logger     logging.Logger
}

// New constructs an FSM over an already-open Engine and its KV store
// (used for last_applied/last_membership bookkeeping). liveDir is the
// directory holding the engine's live store files; openEngine reopens an
// Engine against a directory after a snapshot install.
func New(eng *engine.Engine, kv *kvstore.Store, liveDir string, openEngine OpenEngineFunc, logger logging.Logger) *FSM {
	if logger == nil {
		logger = logging.Nop()
	}
	return &FSM{eng: eng, kv: kv, liveDir: liveDir, openEngine: openEngine, logger: logger}
}

// Engine returns the FSM's current Engine, safe to call concurrently with
// Apply/Restore.
func (f *FSM) Engine() *engine.Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.eng
}

// Apply dispatches a single committed raft.Log entry (spec §4.12:
// IngestEvent -> ingest_event_directly, UpdateGraph -> graph.add_edge,
// configuration changes persist last_membership, noop entries are
// ignored). Every entry advances raft:last_applied.
func (f *FSM) Apply(log *raft.Log) interface{} {
	ctx := context.Background()
	resp := ClientResponse{Success: true}

	switch log.Type {
	case raft.LogCommand:
		var req ClientRequest
		if err := json.Unmarshal(log.Data, &req); err != nil {
			resp = ClientResponse{Success: false, Error: fmt.Sprintf("decode client request: %v", err)}
			break
		}
		if err := f.applyRequest(ctx, req); err != nil {
			resp = ClientResponse{Success: false, Error: err.Error()}
		}
	case raft.LogConfiguration:
		data := raft.EncodeConfiguration(raft.DecodeConfiguration(log.Data))
		if err := f.kv.Put(ctx, lastMembershipKey, data); err != nil {
			f.logger.Error("failed to persist last_membership", "error", err)
		}
	case raft.LogNoop, raft.LogBarrier:
		// No state-machine effect.
	default:
		// Unrecognised log types are ignored rather than failing Apply.
	}

	if err := f.kv.Put(ctx, lastAppliedKey, encodeUint64(log.Index)); err != nil {
		f.logger.Error("failed to persist last_applied", "index", log.Index, "error", err)
	}
	return resp
}

func (f *FSM) applyRequest(ctx context.Context, req ClientRequest) error {
	eng := f.Engine()
	switch req.Type {
	case RequestIngestEvent:
		if req.Event == nil {
			return fmt.Errorf("ingest_event request missing event")
		}
		return eng.IngestEvent(ctx, *req.Event)
	case RequestUpdateGraph:
		if req.Edge == nil {
			return fmt.Errorf("update_graph request missing edge")
		}
		return eng.ApplyGraphEdge(ctx, *req.Edge)
	default:
		return fmt.Errorf("unknown client request type %q", req.Type)
	}
}

// Snapshot checkpoints every backing store into a temporary directory and
// returns an FSMSnapshot that tars/gzips it on Persist (spec §4.12
// build_snapshot).
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	eng := f.Engine()

	tmpDir, err := os.MkdirTemp("", "memorose-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("raftfsm: snapshot mkdir: %w", err)
	}
	if err := eng.Checkpoint(context.Background(), tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("raftfsm: snapshot checkpoint: %w", err)
	}
	return &fsmSnapshot{dir: tmpDir}, nil
}

// Restore installs a snapshot produced by Persist: the archive is
// extracted into a fresh directory, atomically swapped in for liveDir,
// and the Engine is reopened against the new files (spec §4.12
// install_snapshot: "atomic directory swap live -> backup -> new -> live
// with rollback on failure").
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	newDir := f.liveDir + ".new"
	_ = os.RemoveAll(newDir)
	if err := readSnapshotArchive(rc, newDir); err != nil {
		os.RemoveAll(newDir)
		return fmt.Errorf("raftfsm: restore extract: %w", err)
	}

	if err := installSnapshot(f.liveDir, newDir); err != nil {
		os.RemoveAll(newDir)
		return fmt.Errorf("raftfsm: restore install: %w", err)
	}

	newEngine, err := f.openEngine(f.liveDir)
	if err != nil {
		return fmt.Errorf("raftfsm: restore reopen engine: %w", err)
	}

	f.mu.Lock()
	f.eng = newEngine
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	dir string
}

// Persist writes the checkpointed directory as a tar.gz archive to sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := writeSnapshotArchive(s.dir, sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release removes the temporary checkpoint directory.
func (s *fsmSnapshot) Release() {
	os.RemoveAll(s.dir)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// LastApplied returns the index of the last log entry applied to kv,
// or 0 if none has been applied yet.
func LastApplied(ctx context.Context, kv *kvstore.Store) (uint64, error) {
	raw, err := kv.Get(ctx, lastAppliedKey)
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}
