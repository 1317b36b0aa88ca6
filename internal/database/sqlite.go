package database

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dali-labs/dali-sync/internal/offline"
	"github.com/dali-labs/dali-sync/internal/outfits"
	"github.com/dali-labs/dali-sync/internal/prefs"
	"github.com/dali-labs/dali-sync/internal/syncer"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotInitialized indicates Handle was called before Init.
var ErrNotInitialized = errors.New("database: not initialized")

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&outfits.Record{},
		&offline.PendingAction{},
		&prefs.Record{},
		&syncer.SyncState{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

var (
	sharedMu     sync.Mutex
	sharedHandle *gorm.DB
	sharedPath   string
)

// Init opens the shared process-wide database handle. It is idempotent and
// safe to call from every entry point: the foreground wiring, the control
// server, and the background task body each call it rather than assuming
// another component already did.
func Init(path string, logger *zap.Logger) (*gorm.DB, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedHandle != nil {
		if path != "" && path != sharedPath {
			return nil, fmt.Errorf("database: already initialized with path %q", sharedPath)
		}
		return sharedHandle, nil
	}

	db, err := OpenSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	sharedHandle = db
	sharedPath = path
	return db, nil
}

// Handle returns the shared handle established by Init.
func Handle() (*gorm.DB, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedHandle == nil {
		return nil, ErrNotInitialized
	}
	return sharedHandle, nil
}

// Close tears down the shared handle. Primarily for shutdown and tests.
func Close() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedHandle == nil {
		return nil
	}
	sqlDB, err := sharedHandle.DB()
	if err != nil {
		return err
	}
	sharedHandle = nil
	sharedPath = ""
	return sqlDB.Close()
}
