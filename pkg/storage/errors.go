package storage

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when no record exists at (kind, partition, row).
	ErrNotFound = errors.New("record not found")

	// ErrRowExists is returned by Insert when the row is already present.
	ErrRowExists = errors.New("row already exists")

	// ErrVersionConflict is returned by Replace and Delete when the caller's
	// ETag no longer matches the stored record.
	ErrVersionConflict = errors.New("record version conflict")
)

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRowExists reports whether err is a duplicate-insert error.
func IsRowExists(err error) bool { return errors.Is(err, ErrRowExists) }

// IsVersionConflict reports whether err is an optimistic concurrency failure.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
