package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB initializes the SQLite database and creates the validators table if it doesn't exist.
func InitDB(dbFile string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS validators (
		dest TEXT PRIMARY KEY,
		etag TEXT,
		last_modified TEXT,
		fetched_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
