package outfits

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

const (
	defaultListLimit = 50
	pendingScanLimit = 1000
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig wires the store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store provides durable CRUD over outfit records with sync-status tracking.
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
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

// Save upserts an outfit by id. An insert stamps created_at and updated_at
// with the same value; a conflicting id updates content fields and
// updated_at but never created_at. The row always comes out pending.
func (s *Store) Save(ctx context.Context, input SaveInput) error {
	if strings.TrimSpace(input.ID) == "" {
		return ErrMissingOutfitID
	}
	if strings.TrimSpace(input.Name) == "" {
		return ErrMissingOutfitName
	}

	timestamp := s.nowMs()
	record := Record{
		ID:              input.ID,
		UserID:          input.UserID,
		Name:            input.Name,
		Occasion:        input.Occasion,
		GarmentImageURL: input.GarmentImageURL,
		ItemsJSON:       input.ItemsJSON,
		TheoryJSON:      input.TheoryJSON,
		StyleTagsJSON:   input.StyleTagsJSON,
		IsLiked:         input.IsLiked,
		IsFavorited:     input.IsFavorited,
		IsDeleted:       false,
		CreatedAtMs:     timestamp,
		UpdatedAtMs:     timestamp,
		SyncStatus:      SyncStatusPending,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"user_id":           record.UserID,
			"name":              record.Name,
			"occasion":          record.Occasion,
			"garment_image_url": record.GarmentImageURL,
			"items_json":        record.ItemsJSON,
			"theory_json":       record.TheoryJSON,
			"style_tags_json":   record.StyleTagsJSON,
			"is_liked":          record.IsLiked,
			"is_favorited":      record.IsFavorited,
			"sync_status":       string(SyncStatusPending),
			"updated_at_ms":     timestamp,
		}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("outfit save failed", zap.String("outfit_id", input.ID), zap.Error(err))
		return fmt.Errorf("save outfit %s: %w", input.ID, err)
	}
	return nil
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if !filters.IncludeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.Occasion != nil {
		query = query.Where("occasion = ?", *filters.Occasion)
	}
	if filters.IsLiked != nil {
		query = query.Where("is_liked = ?", *filters.IsLiked)
	}
	if filters.IsFavorited != nil {
		query = query.Where("is_favorited = ?", *filters.IsFavorited)
	}
	if filters.StartDateMs != nil {
		query = query.Where("created_at_ms >= ?", *filters.StartDateMs)
	}
	if filters.EndDateMs != nil {
		query = query.Where("created_at_ms <= ?", *filters.EndDateMs)
	}
	return query
}

// List returns matching outfits ordered newest-first. Deleted rows are
// excluded unless IncludeDeleted is set. Limit defaults to 50.
func (s *Store) List(ctx context.Context, filters Filters) ([]Record, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	var records []Record
	query := applyFilters(s.db.WithContext(ctx).Model(&Record{}), filters)
	err := query.Order("created_at_ms DESC").Limit(limit).Offset(offset).Find(&records).Error
	if err != nil {
		s.logger.Error("outfit list failed", zap.Error(err))
		return nil, fmt.Errorf("list outfits: %w", err)
	}
	return records, nil
}

// Count returns the number of rows List would match, ignoring pagination.
func (s *Store) Count(ctx context.Context, filters Filters) (int64, error) {
	var count int64
	query := applyFilters(s.db.WithContext(ctx).Model(&Record{}), filters)
	if err := query.Count(&count).Error; err != nil {
		s.logger.Error("outfit count failed", zap.Error(err))
		return 0, fmt.Errorf("count outfits: %w", err)
	}
	return count, nil
}

// GetByID returns the record regardless of deleted status. The sync engine
// relies on soft-deleted rows remaining reachable here.
func (s *Store) GetByID(ctx context.Context, id string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		s.logger.Error("outfit lookup failed", zap.String("outfit_id", id), zap.Error(err))
		return Record{}, fmt.Errorf("get outfit %s: %w", id, err)
	}
	return record, nil
}

// Update applies a partial mutation. updated_at always advances; the row
// is marked pending unless the caller supplied an explicit status.
func (s *Store) Update(ctx context.Context, id string, update Update) error {
	assignments := map[string]interface{}{}
	if update.Name != nil {
		assignments["name"] = *update.Name
	}
	if update.Occasion != nil {
		assignments["occasion"] = *update.Occasion
	}
	if update.GarmentImageURL != nil {
		assignments["garment_image_url"] = *update.GarmentImageURL
	}
	if update.ItemsJSON != nil {
		assignments["items_json"] = *update.ItemsJSON
	}
	if update.TheoryJSON != nil {
		assignments["theory_json"] = *update.TheoryJSON
	}
	if update.StyleTagsJSON != nil {
		assignments["style_tags_json"] = *update.StyleTagsJSON
	}
	if update.IsLiked != nil {
		assignments["is_liked"] = *update.IsLiked
	}
	if update.IsFavorited != nil {
		assignments["is_favorited"] = *update.IsFavorited
	}
	if update.IsDeleted != nil {
		assignments["is_deleted"] = *update.IsDeleted
	}
	if update.SyncStatus != nil {
		assignments["sync_status"] = string(*update.SyncStatus)
	} else {
		assignments["sync_status"] = string(SyncStatusPending)
	}
	assignments["updated_at_ms"] = s.nowMs()

	result := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(assignments)
	if result.Error != nil {
		s.logger.Error("outfit update failed", zap.String("outfit_id", id), zap.Error(result.Error))
		return fmt.Errorf("update outfit %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes the row. The deletion itself still has to sync, so
// the row is marked pending and kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted := true
	return s.Update(ctx, id, Update{IsDeleted: &deleted})
}

// HardDelete physically removes the row. Reserved for reclaiming space
// after a deletion has been confirmed synced.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if result.Error != nil {
		s.logger.Error("outfit hard delete failed", zap.String("outfit_id", id), zap.Error(result.Error))
		return fmt.Errorf("hard delete outfit %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLiked updates the like flag with pending/timestamp semantics.
func (s *Store) SetLiked(ctx context.Context, id string, liked bool) error {
	return s.Update(ctx, id, Update{IsLiked: &liked})
}

// SetFavorited updates the save flag with pending/timestamp semantics.
func (s *Store) SetFavorited(ctx context.Context, id string, favorited bool) error {
	return s.Update(ctx, id, Update{IsFavorited: &favorited})
}

// PendingSync returns rows awaiting upload, soft-deleted ones included,
// most recently mutated first. The cap bounds a single sync pass.
func (s *Store) PendingSync(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("sync_status = ?", string(SyncStatusPending)).
		Order("updated_at_ms DESC").
		Limit(pendingScanLimit).
		Find(&records).Error
	if err != nil {
		s.logger.Error("pending sync scan failed", zap.Error(err))
		return nil, fmt.Errorf("pending sync outfits: %w", err)
	}
	return records, nil
}

// CountPending reports how many rows still await upload.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("sync_status = ?", string(SyncStatusPending)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending outfits: %w", err)
	}
	return count, nil
}

// markStatus records a pure sync-status transition. updated_at_ms is the
// LWW key and must not move here; last_synced_at_ms carries the bookkeeping.
func (s *Store) markStatus(ctx context.Context, id string, status SyncStatus) error {
	result := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status":       string(status),
		"last_synced_at_ms": s.nowMs(),
	})
	if result.Error != nil {
		s.logger.Error("outfit status transition failed",
			zap.String("outfit_id", id),
			zap.String("status", string(status)),
			zap.Error(result.Error))
		return fmt.Errorf("mark outfit %s %s: %w", id, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced records remote confirmation of the row's latest mutation.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return s.markStatus(ctx, id, SyncStatusSynced)
}

// MarkSyncFailed tags a row whose upload exceeded the retry budget.
func (s *Store) MarkSyncFailed(ctx context.Context, id string) error {
	return s.markStatus(ctx, id, SyncStatusFailed)
}

// ApplyRemote overwrites the local row with the remote variant, keeping the
// remote timestamps verbatim so later LWW comparisons stay truthful. The
// row comes out synced.
func (s *Store) ApplyRemote(ctx context.Context, remote Record) error {
	if strings.TrimSpace(remote.ID) == "" {
		return ErrMissingOutfitID
	}
	remote.SyncStatus = SyncStatusSynced
	remote.LastSyncedAtMs = s.nowMs()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&remote).Error
	if err != nil {
		s.logger.Error("apply remote outfit failed", zap.String("outfit_id", remote.ID), zap.Error(err))
		return fmt.Errorf("apply remote outfit %s: %w", remote.ID, err)
	}
	return nil
}
