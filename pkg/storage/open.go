package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Backend selects the database behind the job store.
type Backend string

const (
	// BackendMemory is an in-process SQLite database.
	BackendMemory Backend = "memory"
	// BackendPostgres is a shared PostgreSQL database, safe for several
	// worker processes.
	BackendPostgres Backend = "postgres"
)

// DefaultMemoryDSN keeps one shared in-memory database for the process.
const DefaultMemoryDSN = "file:flows?mode=memory&cache=shared"

// Open connects to the database for backend and configures its pool.
// SQLite allows a single writer, so the memory backend is pinned to one
// connection regardless of opts.
func Open(backend Backend, dsn string, opts ...PoolOption) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch backend {
	case BackendMemory, "":
		if dsn == "" {
			dsn = DefaultMemoryDSN
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1), ConnMaxLifetime(0), ConnMaxIdleTime(0))
	case BackendPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("storage: postgres backend requires a DSN")
		}
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", backend, err)
	}

	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
