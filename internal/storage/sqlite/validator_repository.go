package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/httpfetch/internal/storage"
)

// ValidatorRepository implements storage.ValidatorRepository on SQLite.
type ValidatorRepository struct {
	db *sql.DB
}

func NewValidatorRepository(db *sql.DB) *ValidatorRepository {
	return &ValidatorRepository{db: db}
}

func (r *ValidatorRepository) Get(dest string) (*storage.ValidatorRecord, error) {
	var rec storage.ValidatorRecord

	err := r.db.QueryRow(
		`SELECT dest, etag, last_modified, fetched_at FROM validators WHERE dest = ?`,
		dest,
	).Scan(&rec.Dest, &rec.ETag, &rec.LastModified, &rec.FetchedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *ValidatorRepository) Save(rec storage.ValidatorRecord) error {
	if rec.FetchedAt == "" {
		rec.FetchedAt = time.Now().Format(time.RFC3339)
	}

	_, err := r.db.Exec(
		`INSERT INTO validators (dest, etag, last_modified, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(dest) DO UPDATE SET etag = excluded.etag, last_modified = excluded.last_modified, fetched_at = excluded.fetched_at`,
		rec.Dest, rec.ETag, rec.LastModified, rec.FetchedAt,
	)

	return err
}
