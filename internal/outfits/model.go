package outfits

import "errors"

// SyncStatus tags a local row with its cloud reconciliation state.
type SyncStatus string

const (
	// SyncStatusSynced marks a row whose latest mutation the remote confirmed.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending marks a row with unconfirmed local mutations.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusFailed marks a row whose upload exceeded the retry budget.
	SyncStatusFailed SyncStatus = "failed"
)

var (
	// ErrMissingOutfitID indicates a save without an identifier.
	ErrMissingOutfitID = errors.New("outfits: outfit id is required")
	// ErrMissingOutfitName indicates a save without a name.
	ErrMissingOutfitName = errors.New("outfits: outfit name is required")
	// ErrNotFound indicates no row exists for the requested identifier.
	ErrNotFound = errors.New("outfits: outfit not found")
)

// Record models one outfit recommendation cached on-device.
//
// UpdatedAtMs is the sole Last-Write-Wins comparison key. LastSyncedAtMs
// exists so pure status transitions never disturb that key.
type Record struct {
	ID              string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID          string     `gorm:"column:user_id;size:190;not null;default:'';index:idx_outfits_user_id"`
	Name            string     `gorm:"column:name;not null"`
	Occasion        string     `gorm:"column:occasion;not null;default:'';index:idx_outfits_occasion"`
	GarmentImageURL *string    `gorm:"column:garment_image_url"`
	ItemsJSON       string     `gorm:"column:items_json;type:text;not null;default:''"`
	TheoryJSON      string     `gorm:"column:theory_json;type:text;not null;default:''"`
	StyleTagsJSON   string     `gorm:"column:style_tags_json;type:text;not null;default:''"`
	IsLiked         bool       `gorm:"column:is_liked;not null;default:false;index:idx_outfits_is_liked"`
	IsFavorited     bool       `gorm:"column:is_favorited;not null;default:false;index:idx_outfits_is_favorited"`
	IsDeleted       bool       `gorm:"column:is_deleted;not null;default:false;index:idx_outfits_is_deleted"`
	CreatedAtMs     int64      `gorm:"column:created_at_ms;not null;index:idx_outfits_created_at,sort:desc"`
	UpdatedAtMs     int64      `gorm:"column:updated_at_ms;not null"`
	LastSyncedAtMs  int64      `gorm:"column:last_synced_at_ms;not null;default:0"`
	SyncStatus      SyncStatus `gorm:"column:sync_status;size:32;not null;default:'pending';index:idx_outfits_sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "outfits"
}

// SaveInput carries the fields a caller supplies when persisting an outfit.
// Content payloads are opaque serialized JSON; the store transports them
// without interpretation.
type SaveInput struct {
	ID              string
	UserID          string
	Name            string
	Occasion        string
	GarmentImageURL *string
	ItemsJSON       string
	TheoryJSON      string
	StyleTagsJSON   string
	IsLiked         bool
	IsFavorited     bool
}

// Filters narrows listing and counting queries.
type Filters struct {
	UserID         *string
	Occasion       *string
	IsLiked        *bool
	IsFavorited    *bool
	StartDateMs    *int64
	EndDateMs      *int64
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Update applies a partial content mutation. Nil fields are left untouched.
// SyncStatus is only honored when the caller sets it explicitly; otherwise
// every update marks the row pending.
type Update struct {
	Name            *string
	Occasion        *string
	GarmentImageURL *string
	ItemsJSON       *string
	TheoryJSON      *string
	StyleTagsJSON   *string
	IsLiked         *bool
	IsFavorited     *bool
	IsDeleted       *bool
	SyncStatus      *SyncStatus
}
