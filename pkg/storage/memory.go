package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/types"
)

// MemoryStore is an in-memory Store with the same semantics as the Raft
// store: a process-wide sequence stands in for the log index. Used by
// tests and the dev server mode; state is lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	records map[types.Kind]map[string]envelope
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	records := make(map[types.Kind]map[string]envelope, len(types.Kinds()))
	for _, kind := range types.Kinds() {
		records[kind] = make(map[string]envelope)
	}
	return &MemoryStore{records: records}
}

func memoryKey(partition, row string) string {
	return partition + "\x00" + row
}

func (m *MemoryStore) table(kind types.Kind) (map[string]envelope, error) {
	t, ok := m.records[kind]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unknown kind %s", kind)
	}
	return t, nil
}

func (m *MemoryStore) put(e types.Entity, check func(old *envelope) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(e.Kind())
	if err != nil {
		return err
	}

	partition, row := e.Keys()
	key := memoryKey(partition, row)

	var old *envelope
	if env, ok := t[key]; ok {
		old = &env
	}
	if err := check(old); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entity")
	}

	m.seq++
	now := time.Now().UTC()
	t[key] = envelope{ETag: m.seq, UpdatedAt: now, Data: data}
	e.SetETag(m.seq)
	e.SetUpdatedAt(now)
	return nil
}

// Insert stores a new record, failing when the row already exists.
func (m *MemoryStore) Insert(e types.Entity) error {
	partition, row := e.Keys()
	return m.put(e, func(old *envelope) error {
		if old != nil {
			return errors.Wrapf(ErrRowExists, "%s %s/%s", e.Kind(), partition, row)
		}
		return nil
	})
}

// Upsert stores a record unconditionally.
func (m *MemoryStore) Upsert(e types.Entity) error {
	return m.put(e, func(*envelope) error { return nil })
}

// Replace stores a record only when the entity's ETag still matches.
func (m *MemoryStore) Replace(e types.Entity) error {
	partition, row := e.Keys()
	etag := e.GetETag()
	return m.put(e, func(old *envelope) error {
		if old == nil {
			return errors.Wrapf(ErrNotFound, "%s %s/%s", e.Kind(), partition, row)
		}
		if old.ETag != etag {
			return errors.Wrapf(ErrVersionConflict, "%s %s/%s: have %d, caller sent %d",
				e.Kind(), partition, row, old.ETag, etag)
		}
		return nil
	})
}

// Delete removes a record, conditionally when the entity carries an ETag.
func (m *MemoryStore) Delete(e types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(e.Kind())
	if err != nil {
		return err
	}

	partition, row := e.Keys()
	key := memoryKey(partition, row)
	old, ok := t[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s %s/%s", e.Kind(), partition, row)
	}
	if etag := e.GetETag(); etag != 0 && old.ETag != etag {
		return errors.Wrapf(ErrVersionConflict, "%s %s/%s: have %d, caller sent %d",
			e.Kind(), partition, row, old.ETag, etag)
	}
	m.seq++
	delete(t, key)
	return nil
}

// Get loads the record at the entity's keys into the entity and stamps it.
func (m *MemoryStore) Get(e types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(e.Kind())
	if err != nil {
		return err
	}

	partition, row := e.Keys()
	env, ok := t[memoryKey(partition, row)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s %s/%s", e.Kind(), partition, row)
	}
	if err := json.Unmarshal(env.Data, e); err != nil {
		return errors.Wrap(err, "failed to unmarshal record")
	}
	e.SetETag(env.ETag)
	e.SetUpdatedAt(env.UpdatedAt)
	return nil
}

// Scan streams rows of a kind in key order, optionally one partition.
func (m *MemoryStore) Scan(kind types.Kind, partition string, fn func(Row) error) error {
	m.mu.Lock()
	t, err := m.table(kind)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	keys := make([]string, 0, len(t))
	prefix := ""
	if partition != "" {
		prefix = memoryKey(partition, "")
	}
	for k := range t {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		env := t[k]
		sep := strings.Index(k, "\x00")
		rows = append(rows, Row{
			Partition: k[:sep],
			Row:       k[sep+1:],
			ETag:      env.ETag,
			UpdatedAt: env.UpdatedAt,
			Data:      append(json.RawMessage(nil), env.Data...),
		})
	}
	m.mu.Unlock()

	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
