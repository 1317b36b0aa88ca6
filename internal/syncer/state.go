package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncState persists the last successful sync timestamp per user so a
// restarted process pulls incrementally instead of refetching everything.
type SyncState struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSyncTimeMs int64  `gorm:"column:last_sync_time_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_state"
}

type stateStore struct {
	db *gorm.DB
}

func (s *stateStore) lastSyncTime(ctx context.Context, userID string) (time.Time, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load sync state for %s: %w", userID, err)
	}
	if state.LastSyncTimeMs == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(state.LastSyncTimeMs).UTC(), nil
}

func (s *stateStore) setLastSyncTime(ctx context.Context, userID string, at time.Time) error {
	state := SyncState{UserID: userID, LastSyncTimeMs: at.UTC().UnixMilli()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("store sync state for %s: %w", userID, err)
	}
	return nil
}
