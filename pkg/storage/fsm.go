package storage

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

// Command operations.
const (
	OpInsert  = "insert"
	OpUpsert  = "upsert"
	OpReplace = "replace"
	OpDelete  = "delete"
)

// Command is one record mutation in the Raft log. At carries the proposal
// timestamp so replicas stamp identical update times.
type Command struct {
	Op        string          `json:"op"`
	Kind      types.Kind      `json:"kind"`
	Partition string          `json:"partition"`
	Row       string          `json:"row"`
	ETag      int64           `json:"etag,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// FSM applies committed Raft log entries to the BoltDB backend.
type FSM struct {
	mu      sync.Mutex
	backend *Backend
}

// NewFSM creates an FSM over the given backend.
func NewFSM(backend *Backend) *FSM {
	return &FSM{backend: backend}
}

// Apply applies a Raft log entry. The return value travels back to the
// proposer through ApplyFuture.Response: nil on success, an error when the
// mutation was rejected (conflict, duplicate, missing row).
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return errors.Wrap(err, "failed to unmarshal command")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpInsert:
		return f.backend.Mutate(entry.Index, func(tx *bolt.Tx) error {
			return applyInsert(tx, &cmd, entry.Index)
		})
	case OpUpsert:
		return f.backend.Mutate(entry.Index, func(tx *bolt.Tx) error {
			return applyUpsert(tx, &cmd, entry.Index)
		})
	case OpReplace:
		return f.backend.Mutate(entry.Index, func(tx *bolt.Tx) error {
			return applyReplace(tx, &cmd, entry.Index)
		})
	case OpDelete:
		return f.backend.Mutate(entry.Index, func(tx *bolt.Tx) error {
			return applyDelete(tx, &cmd)
		})
	default:
		return errors.Errorf("unknown command op %q", cmd.Op)
	}
}

// Snapshot captures the full record state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.backend.dump()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the record state from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return errors.Wrap(err, "failed to decode snapshot")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.load(&state)
}

// snapshotRow is one stored record inside a snapshot.
type snapshotRow struct {
	Key   []byte          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// snapshotState is the serialized form of the whole record store.
type snapshotState struct {
	AppliedIndex uint64                       `json:"applied_index"`
	Records      map[types.Kind][]snapshotRow `json:"records"`
}

type fsmSnapshot struct {
	state *snapshotState
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return errors.Wrap(err, "failed to encode snapshot")
	}
	return sink.Close()
}

// Release is a no-op; the snapshot holds no external resources.
func (s *fsmSnapshot) Release() {}
