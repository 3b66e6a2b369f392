package storage

import "errors"

// ErrNotFound is returned when no validator record exists for a destination.
var ErrNotFound = errors.New("storage: validator record not found")

// ValidatorRecord caches the validators a server sent for a destination
// file, so later only-if-modified invocations can issue conditional
// requests even when the server only supports ETags.
type ValidatorRecord struct {
	Dest         string
	ETag         string
	LastModified string
	FetchedAt    string
}

// ValidatorRepository stores and retrieves validator records keyed by
// destination path.
type ValidatorRepository interface {
	Get(dest string) (*ValidatorRecord, error)
	Save(rec ValidatorRecord) error
}
