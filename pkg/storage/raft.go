package storage

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/types"
)

const (
	applyTimeout  = 5 * time.Second
	leaderTimeout = 10 * time.Second
)

// Options configure the Raft-backed store.
type Options struct {
	// DataDir holds the record database, Raft log and snapshots.
	DataDir string
	// BindAddr is the Raft transport listen address.
	BindAddr string
	// NodeID identifies this server in the Raft configuration.
	NodeID string
}

func (o *Options) defaults() {
	if o.BindAddr == "" {
		o.BindAddr = "127.0.0.1:7946"
	}
	if o.NodeID == "" {
		o.NodeID = "hutch-1"
	}
}

// RaftStore is the Store implementation routing every mutation through a
// single-node Raft cluster. The committed log index becomes the record ETag.
type RaftStore struct {
	raft    *raft.Raft
	backend *Backend
}

var _ Store = (*RaftStore)(nil)

// Open starts the store: opens the record database, brings up Raft, and
// bootstraps a single-node cluster on first run. Blocks until this node
// is leader.
func Open(opts Options) (*RaftStore, error) {
	opts.defaults()

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create data dir")
	}

	backend, err := NewBackend(filepath.Join(opts.DataDir, "records.db"))
	if err != nil {
		return nil, err
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.NodeID)
	config.LogOutput = os.Stderr

	addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to resolve bind address")
	}

	transport, err := raft.NewTCPTransport(opts.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to create transport")
	}

	snapshots, err := raft.NewFileSnapshotStore(opts.DataDir, 2, os.Stderr)
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to create snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft-log.db"))
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to create log store")
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft-stable.db"))
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to create stable store")
	}

	fsm := NewFSM(backend)

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to check raft state")
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		backend.Close()
		return nil, errors.Wrap(err, "failed to create raft")
	}

	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			backend.Close()
			return nil, errors.Wrap(err, "failed to bootstrap cluster")
		}
	}

	store := &RaftStore{raft: r, backend: backend}
	if err := store.waitLeader(leaderTimeout); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// waitLeader blocks until this node wins the election.
func (s *RaftStore) waitLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.raft.State() == raft.Leader {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.New("timed out waiting for leadership")
}

// Close shuts down Raft and the record database.
func (s *RaftStore) Close() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		s.backend.Close()
		return errors.Wrap(err, "raft shutdown failed")
	}
	return s.backend.Close()
}

// apply proposes one mutation and waits for it to commit.
func (s *RaftStore) apply(cmd *Command) (uint64, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal command")
	}

	future := s.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return 0, errors.Wrap(err, "failed to apply command")
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return 0, err
		}
	}
	return future.Index(), nil
}

func (s *RaftStore) mutate(op string, e types.Entity, etag int64, withData bool) error {
	partition, row := e.Keys()
	cmd := &Command{
		Op:        op,
		Kind:      e.Kind(),
		Partition: partition,
		Row:       row,
		ETag:      etag,
		At:        time.Now().UTC(),
	}
	if withData {
		data, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "failed to marshal entity")
		}
		cmd.Data = data
	}

	index, err := s.apply(cmd)
	if err != nil {
		return err
	}
	e.SetETag(int64(index))
	e.SetUpdatedAt(cmd.At)
	return nil
}

// Insert stores a new record, failing when the row already exists.
func (s *RaftStore) Insert(e types.Entity) error {
	return s.mutate(OpInsert, e, 0, true)
}

// Upsert stores a record unconditionally.
func (s *RaftStore) Upsert(e types.Entity) error {
	return s.mutate(OpUpsert, e, 0, true)
}

// Replace stores a record only when the entity's ETag still matches.
func (s *RaftStore) Replace(e types.Entity) error {
	return s.mutate(OpReplace, e, e.GetETag(), true)
}

// Delete removes a record, conditionally when the entity carries an ETag.
func (s *RaftStore) Delete(e types.Entity) error {
	partition, row := e.Keys()
	cmd := &Command{
		Op:        OpDelete,
		Kind:      e.Kind(),
		Partition: partition,
		Row:       row,
		ETag:      e.GetETag(),
		At:        time.Now().UTC(),
	}
	_, err := s.apply(cmd)
	return err
}

// Get loads the record at the entity's keys into the entity and stamps it.
func (s *RaftStore) Get(e types.Entity) error {
	partition, row := e.Keys()
	env, err := s.backend.GetEnvelope(e.Kind(), partition, row)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, e); err != nil {
		return errors.Wrap(err, "failed to unmarshal record")
	}
	e.SetETag(env.ETag)
	e.SetUpdatedAt(env.UpdatedAt)
	return nil
}

// Scan streams rows of a kind, optionally restricted to one partition.
func (s *RaftStore) Scan(kind types.Kind, partition string, fn func(Row) error) error {
	return s.backend.Scan(kind, partition, fn)
}

// Stats reports Raft internals for the health endpoint.
func (s *RaftStore) Stats() map[string]string {
	stats := map[string]string{
		"state": s.raft.State().String(),
	}
	for k, v := range s.raft.Stats() {
		stats[k] = v
	}
	return stats
}
