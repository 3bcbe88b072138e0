package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Row is one stored record as seen by Scan callbacks. Data is the entity
// JSON without the storage envelope.
type Row struct {
	Partition string
	Row       string
	ETag      int64
	UpdatedAt time.Time
	Data      json.RawMessage
}

// Store is the record store interface.
//
// Insert fails with ErrRowExists when the row is present. Replace and
// Delete are conditional on the entity's current ETag and fail with
// ErrVersionConflict when it is stale. Upsert writes unconditionally.
// Successful mutations stamp the entity with its new ETag and update time.
//
// Scan streams every row of a kind, or only one partition when partition
// is non-empty. Returning an error from the callback stops the scan.
type Store interface {
	Insert(e types.Entity) error
	Upsert(e types.Entity) error
	Replace(e types.Entity) error
	Delete(e types.Entity) error
	Get(e types.Entity) error
	Scan(kind types.Kind, partition string, fn func(Row) error) error
	Close() error
}

// envelope wraps entity JSON with the storage stamp on disk.
type envelope struct {
	ETag      int64           `json:"etag"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}
