package persistence

import (
	"database/sql"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// With an in-memory database, limit the pool to a single connection
// (db.SetMaxOpenConns(1)); every connection otherwise sees its own database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}
