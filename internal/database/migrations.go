package database

import (
	"errors"
	"time"

	"github.com/dali-labs/dali-sync/internal/outfits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLastSyncedAt = "2026-07-14_backfill_last_synced_at"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLastSyncedAt, apply: backfillLastSyncedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillLastSyncedAt seeds last_synced_at_ms for rows written before the
// column existed. A synced row's content timestamp is the best available
// approximation of when the remote confirmed it.
func backfillLastSyncedAt(db *gorm.DB) error {
	return db.Model(&outfits.Record{}).
		Where("sync_status = ? AND last_synced_at_ms = 0", string(outfits.SyncStatusSynced)).
		Update("last_synced_at_ms", gorm.Expr("updated_at_ms")).Error
}
