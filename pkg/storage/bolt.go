package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var (
	bucketMeta      = []byte("meta")
	keyAppliedIndex = []byte("applied_index")

	// keySep joins partition and row into one bucket key. Neither side
	// contains NUL: partitions and rows are UUIDs, pool names or regions.
	keySep = []byte{0x00}
)

// Backend is the BoltDB state the FSM applies committed entries to. It is
// not safe to mutate outside the FSM; reads are safe from any goroutine.
type Backend struct {
	db *bolt.DB
}

// NewBackend opens (or creates) the record database and its buckets.
func NewBackend(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open record database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		for _, kind := range types.Kinds() {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", kind)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Backend{db: db}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func recordKey(partition, row string) []byte {
	key := make([]byte, 0, len(partition)+1+len(row))
	key = append(key, partition...)
	key = append(key, keySep...)
	key = append(key, row...)
	return key
}

// AppliedIndex returns the last Raft log index applied to this backend.
func (b *Backend) AppliedIndex() (uint64, error) {
	var idx uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyAppliedIndex)
		if raw != nil {
			idx = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return idx, err
}

// Mutate runs fn inside a write transaction and records index as applied.
// Entries at or below the current applied index are skipped so log replay
// after restart cannot double-apply. The applied index advances even when
// fn fails: the log entry was consumed, its outcome was a rejection.
func (b *Backend) Mutate(index uint64, fn func(tx *bolt.Tx) error) error {
	var opErr error
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyAppliedIndex); raw != nil {
			if index <= binary.BigEndian.Uint64(raw) {
				return nil
			}
		}
		opErr = fn(tx)

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, index)
		return meta.Put(keyAppliedIndex, buf)
	})
	if err != nil {
		return errors.Wrap(err, "record transaction failed")
	}
	return opErr
}

// GetEnvelope loads the stored envelope for one record.
func (b *Backend) GetEnvelope(kind types.Kind, partition, row string) (*envelope, error) {
	var env envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(kind))
		if bkt == nil {
			return errors.Wrapf(ErrNotFound, "unknown kind %s", kind)
		}
		raw := bkt.Get(recordKey(partition, row))
		if raw == nil {
			return errors.Wrapf(ErrNotFound, "%s %s/%s", kind, partition, row)
		}
		return json.Unmarshal(raw, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Scan streams rows of one kind, optionally restricted to a partition.
func (b *Backend) Scan(kind types.Kind, partition string, fn func(Row) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(kind))
		if bkt == nil {
			return errors.Wrapf(ErrNotFound, "unknown kind %s", kind)
		}

		emit := func(k, v []byte) error {
			sep := bytes.Index(k, keySep)
			if sep < 0 {
				return errors.Errorf("malformed record key in %s", kind)
			}
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return errors.Wrapf(err, "corrupt record %s/%q", kind, k)
			}
			return fn(Row{
				Partition: string(k[:sep]),
				Row:       string(k[sep+1:]),
				ETag:      env.ETag,
				UpdatedAt: env.UpdatedAt,
				Data:      env.Data,
			})
		}

		if partition == "" {
			return bkt.ForEach(emit)
		}

		prefix := recordKey(partition, "")
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := emit(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyInsert writes a new record, failing if the row exists.
func applyInsert(tx *bolt.Tx, cmd *Command, index uint64) error {
	bkt := tx.Bucket([]byte(cmd.Kind))
	if bkt == nil {
		return errors.Errorf("unknown kind %s", cmd.Kind)
	}
	key := recordKey(cmd.Partition, cmd.Row)
	if bkt.Get(key) != nil {
		return errors.Wrapf(ErrRowExists, "%s %s/%s", cmd.Kind, cmd.Partition, cmd.Row)
	}
	return putEnvelope(bkt, key, cmd, index)
}

// applyUpsert writes a record unconditionally.
func applyUpsert(tx *bolt.Tx, cmd *Command, index uint64) error {
	bkt := tx.Bucket([]byte(cmd.Kind))
	if bkt == nil {
		return errors.Errorf("unknown kind %s", cmd.Kind)
	}
	return putEnvelope(bkt, recordKey(cmd.Partition, cmd.Row), cmd, index)
}

// applyReplace writes a record only when the stored ETag matches.
func applyReplace(tx *bolt.Tx, cmd *Command, index uint64) error {
	bkt := tx.Bucket([]byte(cmd.Kind))
	if bkt == nil {
		return errors.Errorf("unknown kind %s", cmd.Kind)
	}
	key := recordKey(cmd.Partition, cmd.Row)
	raw := bkt.Get(key)
	if raw == nil {
		return errors.Wrapf(ErrNotFound, "%s %s/%s", cmd.Kind, cmd.Partition, cmd.Row)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrap(err, "corrupt stored record")
	}
	if env.ETag != cmd.ETag {
		return errors.Wrapf(ErrVersionConflict, "%s %s/%s: have %d, caller sent %d",
			cmd.Kind, cmd.Partition, cmd.Row, env.ETag, cmd.ETag)
	}
	return putEnvelope(bkt, key, cmd, index)
}

// applyDelete removes a record. A zero command ETag deletes unconditionally.
func applyDelete(tx *bolt.Tx, cmd *Command) error {
	bkt := tx.Bucket([]byte(cmd.Kind))
	if bkt == nil {
		return errors.Errorf("unknown kind %s", cmd.Kind)
	}
	key := recordKey(cmd.Partition, cmd.Row)
	raw := bkt.Get(key)
	if raw == nil {
		return errors.Wrapf(ErrNotFound, "%s %s/%s", cmd.Kind, cmd.Partition, cmd.Row)
	}
	if cmd.ETag != 0 {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return errors.Wrap(err, "corrupt stored record")
		}
		if env.ETag != cmd.ETag {
			return errors.Wrapf(ErrVersionConflict, "%s %s/%s: have %d, caller sent %d",
				cmd.Kind, cmd.Partition, cmd.Row, env.ETag, cmd.ETag)
		}
	}
	return bkt.Delete(key)
}

func putEnvelope(bkt *bolt.Bucket, key []byte, cmd *Command, index uint64) error {
	env := envelope{
		ETag:      int64(index),
		UpdatedAt: cmd.At,
		Data:      cmd.Data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}
	return bkt.Put(key, raw)
}

// dump serializes every record bucket plus the applied index for snapshots.
func (b *Backend) dump() (*snapshotState, error) {
	state := &snapshotState{Records: map[types.Kind][]snapshotRow{}}
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get(keyAppliedIndex); raw != nil {
			state.AppliedIndex = binary.BigEndian.Uint64(raw)
		}
		for _, kind := range types.Kinds() {
			bkt := tx.Bucket([]byte(kind))
			if bkt == nil {
				continue
			}
			err := bkt.ForEach(func(k, v []byte) error {
				state.Records[kind] = append(state.Records[kind], snapshotRow{
					Key:   append([]byte(nil), k...),
					Value: append(json.RawMessage(nil), v...),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to dump records")
	}
	return state, nil
}

// load replaces all record buckets with the snapshot contents.
func (b *Backend) load(state *snapshotState) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.Kinds() {
			if err := tx.DeleteBucket([]byte(kind)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			bkt, err := tx.CreateBucket([]byte(kind))
			if err != nil {
				return err
			}
			for _, row := range state.Records[kind] {
				if err := bkt.Put(row.Key, row.Value); err != nil {
					return err
				}
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, state.AppliedIndex)
		return tx.Bucket(bucketMeta).Put(keyAppliedIndex, buf)
	})
	return errors.Wrap(err, "failed to load snapshot")
}
