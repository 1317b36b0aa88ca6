package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActionType enumerates the user intents the queue buffers.
type ActionType string

const (
	ActionLike   ActionType = "like"
	ActionUnlike ActionType = "unlike"
	ActionSave   ActionType = "save"
	ActionUnsave ActionType = "unsave"
	ActionDelete ActionType = "delete"
)

var (
	// ErrInvalidActionType indicates a type outside the closed enum.
	ErrInvalidActionType = errors.New("offline: invalid action type")
	// ErrActionNotFound indicates no queued action has the given id.
	ErrActionNotFound = errors.New("offline: pending action not found")
	// ErrMissingOutfitID indicates an enqueue without a target outfit.
	ErrMissingOutfitID = errors.New("offline: outfit id is required")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ParseActionType validates raw input against the closed enum.
func ParseActionType(value string) (ActionType, error) {
	switch ActionType(value) {
	case ActionLike, ActionUnlike, ActionSave, ActionUnsave, ActionDelete:
		return ActionType(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidActionType, value)
	}
}

// OppositeOf returns the action that semantically cancels the given one.
// Delete has no opposite: it cancels nothing and nothing cancels it.
func OppositeOf(actionType ActionType) (ActionType, bool) {
	switch actionType {
	case ActionLike:
		return ActionUnlike, true
	case ActionUnlike:
		return ActionLike, true
	case ActionSave:
		return ActionUnsave, true
	case ActionUnsave:
		return ActionSave, true
	default:
		return "", false
	}
}

// PendingAction is one not-yet-confirmed user intent.
type PendingAction struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	Type        ActionType `gorm:"column:action_type;size:32;not null;index:idx_pending_actions_outfit,priority:2"`
	OutfitID    string     `gorm:"column:outfit_id;size:190;not null;index:idx_pending_actions_outfit,priority:1"`
	TimestampMs int64      `gorm:"column:timestamp_ms;not null"`
	RetryCount  int        `gorm:"column:retry_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// IDProvider issues identifiers for queued actions.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// QueueConfig wires the queue's dependencies.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Queue is the durable offline action queue. Persistence rides in the same
// sqlite file as the outfit store so killed-app intents survive restarts.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewQueue validates dependencies and constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// cancelledBy returns the queued types the incoming action displaces: its
// own type (replacement, never duplication) and its opposite (cancellation).
func cancelledBy(incoming ActionType) []ActionType {
	displaced := []ActionType{incoming}
	if opposite, ok := OppositeOf(incoming); ok {
		displaced = append(displaced, opposite)
	}
	return displaced
}

// Add enqueues a user intent. Any queued action of the same type for the
// outfit is replaced and any queued opposite action is cancelled, so the
// queue never holds both members of a like/unlike or save/unsave pair.
func (q *Queue) Add(ctx context.Context, actionType ActionType, outfitID string) (PendingAction, error) {
	if _, err := ParseActionType(string(actionType)); err != nil {
		return PendingAction{}, err
	}
	if outfitID == "" {
		return PendingAction{}, ErrMissingOutfitID
	}

	actionID, err := q.idProvider.NewID()
	if err != nil {
		return PendingAction{}, fmt.Errorf("generate action id: %w", err)
	}

	action := PendingAction{
		ID:          actionID,
		Type:        actionType,
		OutfitID:    outfitID,
		TimestampMs: q.clock().UTC().UnixMilli(),
		RetryCount:  0,
	}

	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		displaced := cancelledBy(actionType)
		if err := tx.Where("outfit_id = ? AND action_type IN ?", outfitID, displaced).
			Delete(&PendingAction{}).Error; err != nil {
			return err
		}
		return tx.Create(&action).Error
	})
	if txErr != nil {
		q.logger.Error("enqueue pending action failed",
			zap.String("outfit_id", outfitID),
			zap.String("action_type", string(actionType)),
			zap.Error(txErr))
		return PendingAction{}, fmt.Errorf("enqueue %s for outfit %s: %w", actionType, outfitID, txErr)
	}

	q.logger.Debug("pending action enqueued",
		zap.String("action_id", action.ID),
		zap.String("outfit_id", outfitID),
		zap.String("action_type", string(actionType)))
	return action, nil
}

// Remove drops a confirmed action from the queue.
func (q *Queue) Remove(ctx context.Context, actionID string) error {
	result := q.db.WithContext(ctx).Where("id = ?", actionID).Delete(&PendingAction{})
	if result.Error != nil {
		return fmt.Errorf("remove pending action %s: %w", actionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActionNotFound
	}
	return nil
}

// RemoveForOutfit drops every queued action for an outfit. The sync engine
// calls this after a confirmed upsert, which carries all of the outfit's
// flag state in one payload.
func (q *Queue) RemoveForOutfit(ctx context.Context, outfitID string) error {
	err := q.db.WithContext(ctx).Where("outfit_id = ?", outfitID).Delete(&PendingAction{}).Error
	if err != nil {
		return fmt.Errorf("remove pending actions for outfit %s: %w", outfitID, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter after a failed sync attempt.
func (q *Queue) IncrementRetry(ctx context.Context, actionID string) error {
	result := q.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ?", actionID).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("increment retry for action %s: %w", actionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActionNotFound
	}
	return nil
}

// IncrementRetryForOutfit bumps retry counters on every queued action for
// an outfit whose upload attempt failed.
func (q *Queue) IncrementRetryForOutfit(ctx context.Context, outfitID string) error {
	err := q.db.WithContext(ctx).Model(&PendingAction{}).
		Where("outfit_id = ?", outfitID).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return fmt.Errorf("increment retries for outfit %s: %w", outfitID, err)
	}
	return nil
}

// ForOutfit returns the queued actions for one outfit, oldest first. The UI
// uses this to reconcile optimistic state with queue contents.
func (q *Queue) ForOutfit(ctx context.Context, outfitID string) ([]PendingAction, error) {
	var actions []PendingAction
	err := q.db.WithContext(ctx).
		Where("outfit_id = ?", outfitID).
		Order("timestamp_ms ASC").
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("pending actions for outfit %s: %w", outfitID, err)
	}
	return actions, nil
}

// All returns every queued action, oldest first.
func (q *Queue) All(ctx context.Context) ([]PendingAction, error) {
	var actions []PendingAction
	err := q.db.WithContext(ctx).Order("timestamp_ms ASC").Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	return actions, nil
}

// MinRetryCountForOutfit returns the smallest retry count among an outfit's
// queued actions, or zero when none are queued. The engine compares it
// against the retry budget to detect stuck records.
func (q *Queue) MinRetryCountForOutfit(ctx context.Context, outfitID string) (int, error) {
	actions, err := q.ForOutfit(ctx, outfitID)
	if err != nil {
		return 0, err
	}
	if len(actions) == 0 {
		return 0, nil
	}
	minRetries := actions[0].RetryCount
	for _, action := range actions[1:] {
		if action.RetryCount < minRetries {
			minRetries = action.RetryCount
		}
	}
	return minRetries, nil
}

// Count returns the number of queued actions.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&PendingAction{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count pending actions: %w", err)
	}
	return count, nil
}

// Clear empties the queue. Used after a destructive full resync or logout.
func (q *Queue) Clear(ctx context.Context) error {
	err := q.db.WithContext(ctx).Where("1 = 1").Delete(&PendingAction{}).Error
	if err != nil {
		return fmt.Errorf("clear pending actions: %w", err)
	}
	q.logger.Info("pending action queue cleared")
	return nil
}
