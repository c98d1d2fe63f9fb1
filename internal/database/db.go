package database

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const DefaultActivityRetention = 10000

type DB struct {
	*sqlx.DB

	// ActivityRetention is the number of activity_log rows kept after each insert.
	ActivityRetention int
}

func New(dsn string) (*DB, error) {
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps every store call serialised.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	db := &DB{DB: sqlDB, ActivityRetention: DefaultActivityRetention}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

var (
	sharedMu sync.Mutex
	shared   *DB
)

// Shared returns the process-wide store, opening and migrating it on first use.
// Later calls ignore dsn and return the existing handle.
func Shared(dsn string) (*DB, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	db, err := New(dsn)
	if err != nil {
		return nil, err
	}
	shared = db
	return shared, nil
}

// CloseShared closes the process-wide store if it was opened.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}
