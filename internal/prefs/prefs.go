// Package prefs stores the per-user preference document that syncs with
// the cloud under the same Last-Write-Wins comparison as outfits.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingUserID indicates a preferences operation without a user.
	ErrMissingUserID = errors.New("prefs: user id is required")
	// ErrNotFound indicates no preference document exists for the user.
	ErrNotFound = errors.New("prefs: preferences not found")

	errMissingDatabase = errors.New("database handle is required")
)

// Record is the locally cached preference document for one user.
type Record struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null;default:''"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
	Pending     bool   `gorm:"column:pending;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_preferences"
}

// StoreConfig wires the store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists preference documents with a pending flag for offline edits.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save records a local preferences edit and marks it pending for the next
// sync pass.
func (s *Store) Save(ctx context.Context, userID, payloadJSON string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	record := Record{
		UserID:      userID,
		PayloadJSON: payloadJSON,
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
		Pending:     true,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("preferences save failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("save preferences for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's preference document.
func (s *Store) Get(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, ErrMissingUserID
	}
	var record Record
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get preferences for %s: %w", userID, err)
	}
	return record, nil
}

// Pending returns the user's preference document only when an unsynced
// local edit exists.
func (s *Store) Pending(ctx context.Context, userID string) (Record, bool, error) {
	record, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if !record.Pending {
		return Record{}, false, nil
	}
	return record, true, nil
}

// MarkSynced clears the pending flag after the remote confirmed the edit.
func (s *Store) MarkSynced(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ?", userID).
		Update("pending", false)
	if result.Error != nil {
		return fmt.Errorf("mark preferences synced for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemote overwrites the local document with the server's variant,
// keeping the server timestamp, and clears any pending edit it displaced.
func (s *Store) ApplyRemote(ctx context.Context, userID, payloadJSON string, updatedAtMs int64) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	record := Record{
		UserID:      userID,
		PayloadJSON: payloadJSON,
		UpdatedAtMs: updatedAtMs,
		Pending:     false,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("apply remote preferences for %s: %w", userID, err)
	}
	return nil
}

// Clear removes the user's local document. Used on logout.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("clear preferences for %s: %w", userID, err)
	}
	return nil
}
