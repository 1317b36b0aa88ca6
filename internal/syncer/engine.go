package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dali-labs/dali-sync/internal/offline"
	"github.com/dali-labs/dali-sync/internal/outfits"
	"github.com/dali-labs/dali-sync/internal/prefs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrSyncInProgress indicates a pass was already in flight; the trigger
	// is a no-op rather than queueing a follow-up.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrOffline indicates the device has no connectivity; the caller's
	// trigger is responsible for rescheduling.
	ErrOffline = errors.New("syncer: device is offline")

	errMissingOutfits  = errors.New("outfit store is required")
	errMissingQueue    = errors.New("pending action queue is required")
	errMissingState    = errors.New("connectivity state is required")
	errMissingClient   = errors.New("remote client is required")
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user provider is required")
	errMissingTrigger  = errors.New("trigger function is required")

	noOpLogger = zap.NewNop()
)

const (
	defaultMaxRetries         = 3
	defaultForegroundInterval = 5 * time.Minute
)

// UserProvider identifies the active local user. The credentials token
// store satisfies this with the bearer token's subject claim.
type UserProvider interface {
	Subject() (string, error)
}

// Result summarizes one sync pass for UI feedback and reschedule decisions.
type Result struct {
	Uploaded   int      `json:"uploaded"`
	Downloaded int      `json:"downloaded"`
	Conflicts  int      `json:"conflicts"`
	Errors     []string `json:"errors"`
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Outfits     *outfits.Store
	Queue       *offline.Queue
	State       *offline.State
	Preferences *prefs.Store
	Client      RemoteClient
	Database    *gorm.DB
	Users       UserProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxRetries  int
	CallTimeout time.Duration
}

// Engine orchestrates push and pull against the remote system of record.
// A pass is single-flight: overlapping triggers collapse into the run
// already in progress.
type Engine struct {
	outfits     *outfits.Store
	queue       *offline.Queue
	state       *offline.State
	preferences *prefs.Store
	client      RemoteClient
	syncState   *stateStore
	users       UserProvider
	clock       func() time.Time
	logger      *zap.Logger
	maxRetries  int
	callTimeout time.Duration

	syncing atomic.Bool

	mu           sync.Mutex
	lastSyncTime time.Time
	pendingCount int64
}

// NewEngine validates dependencies and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Outfits == nil {
		return nil, errMissingOutfits
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.State == nil {
		return nil, errMissingState
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Engine{
		outfits:     cfg.Outfits,
		queue:       cfg.Queue,
		state:       cfg.State,
		preferences: cfg.Preferences,
		client:      cfg.Client,
		syncState:   &stateStore{db: cfg.Database},
		users:       cfg.Users,
		clock:       clock,
		logger:      logger,
		maxRetries:  maxRetries,
		callTimeout: callTimeout,
	}, nil
}

// IsSyncing reports whether a pass is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// LastSyncTime returns when the last pass completed, zero if never.
func (e *Engine) LastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncTime
}

// LastSyncTimeFormatted renders the last pass completion for display.
func (e *Engine) LastSyncTimeFormatted() string {
	at := e.LastSyncTime()
	if at.IsZero() {
		return "never"
	}
	return at.UTC().Format(time.RFC3339)
}

// PendingCount returns the post-pass count of rows still awaiting upload.
func (e *Engine) PendingCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingCount
}

// Sync runs one push/pull/preferences pass. Concurrent callers get
// ErrSyncInProgress; offline callers get ErrOffline. A partial Result is
// returned alongside any error so callers can still surface counts.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.state.SetSyncing(true)
	defer e.state.SetSyncing(false)

	if !e.state.IsOnline() {
		return Result{}, ErrOffline
	}

	userID, err := e.users.Subject()
	if err != nil {
		return Result{}, fmt.Errorf("resolve active user: %w", err)
	}

	result := Result{Errors: []string{}}

	aborted, err := e.pushPhase(ctx, &result)
	if err != nil {
		e.refreshPendingCount(ctx)
		return result, err
	}
	if aborted {
		e.refreshPendingCount(ctx)
		return result, ErrUnreachable
	}

	if err := e.pullPhase(ctx, userID, &result); err != nil {
		e.refreshPendingCount(ctx)
		return result, err
	}

	e.preferencesPhase(ctx, userID, &result)

	completedAt := e.clock().UTC()
	if err := e.syncState.setLastSyncTime(ctx, userID, completedAt); err != nil {
		e.logger.Warn("failed to persist last sync time", zap.Error(err))
	}

	e.mu.Lock()
	e.lastSyncTime = completedAt
	e.mu.Unlock()
	e.refreshPendingCount(ctx)

	e.logger.Info("sync pass completed",
		zap.Int("uploaded", result.Uploaded),
		zap.Int("downloaded", result.Downloaded),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// pushPhase uploads pending local records. Per-record rejections are
// collected and the pass continues; an unreachable remote aborts it.
func (e *Engine) pushPhase(ctx context.Context, result *Result) (aborted bool, err error) {
	records, err := e.outfits.PendingSync(ctx)
	if err != nil {
		return false, err
	}

	for _, record := range records {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		upsertErr := e.client.UpsertOutfit(callCtx, ToRemote(record))
		cancel()

		if upsertErr == nil {
			if err := e.outfits.MarkSynced(ctx, record.ID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if err := e.queue.RemoveForOutfit(ctx, record.ID); err != nil {
				e.logger.Warn("failed to clear confirmed actions",
					zap.String("outfit_id", record.ID), zap.Error(err))
			}
			result.Uploaded++
			continue
		}

		if errors.Is(upsertErr, ErrUnreachable) || errors.Is(upsertErr, ErrUnauthorized) {
			result.Errors = append(result.Errors, upsertErr.Error())
			e.logger.Warn("push aborted, remote unreachable", zap.Error(upsertErr))
			return true, nil
		}

		// Rejected by the server: the row stays pending and the pass moves on.
		result.Errors = append(result.Errors, fmt.Sprintf("outfit %s: %v", record.ID, upsertErr))
		e.logger.Warn("outfit upload rejected",
			zap.String("outfit_id", record.ID), zap.Error(upsertErr))
		if err := e.queue.IncrementRetryForOutfit(ctx, record.ID); err != nil {
			e.logger.Warn("failed to bump retry counters",
				zap.String("outfit_id", record.ID), zap.Error(err))
			continue
		}
		e.surfaceStuckRecord(ctx, record.ID)
	}
	return false, nil
}

// surfaceStuckRecord marks a record failed once every queued action for it
// has exhausted the retry budget, so persistent failures surface distinctly
// from transient ones.
func (e *Engine) surfaceStuckRecord(ctx context.Context, outfitID string) {
	actions, err := e.queue.ForOutfit(ctx, outfitID)
	if err != nil || len(actions) == 0 {
		return
	}
	for _, action := range actions {
		if action.RetryCount < e.maxRetries {
			return
		}
	}
	if err := e.outfits.MarkSyncFailed(ctx, outfitID); err != nil {
		e.logger.Warn("failed to mark outfit as failed",
			zap.String("outfit_id", outfitID), zap.Error(err))
	}
}

// pullPhase downloads remote records updated since the last completed pass
// and resolves divergence with Last-Write-Wins on the content timestamp.
func (e *Engine) pullPhase(ctx context.Context, userID string, result *Result) error {
	since, err := e.syncState.lastSyncTime(ctx, userID)
	if err != nil {
		return err
	}
	sinceMs := int64(0)
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	remotes, err := e.client.ListOutfitsSince(callCtx, userID, sinceMs)
	cancel()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return err
	}

	for _, remote := range remotes {
		local, err := e.outfits.GetByID(ctx, remote.ID)
		if errors.Is(err, outfits.ErrNotFound) {
			if err := e.outfits.ApplyRemote(ctx, FromRemote(remote)); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Downloaded++
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if remote.UpdatedAtMs > local.UpdatedAtMs {
			if err := e.outfits.ApplyRemote(ctx, FromRemote(remote)); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Downloaded++
			continue
		}

		// Local is at least as new: it wins and goes up on the next push.
		result.Conflicts++
	}
	return nil
}

// preferencesPhase pushes a queued offline preferences edit under the same
// LWW comparison against the server's stored timestamp.
func (e *Engine) preferencesPhase(ctx context.Context, userID string, result *Result) {
	if e.preferences == nil {
		return
	}
	pending, ok, err := e.preferences.Pending(ctx, userID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	remote, err := e.client.GetPreferences(callCtx, userID)
	cancel()

	switch {
	case errors.Is(err, ErrRemotePreferencesNotFound):
		// No server copy: the local edit wins trivially.
	case err != nil:
		result.Errors = append(result.Errors, fmt.Sprintf("preferences: %v", err))
		return
	case remote.UpdatedAtMs > pending.UpdatedAtMs:
		if err := e.preferences.ApplyRemote(ctx, userID, string(rawOrNull(string(remote.Payload))), remote.UpdatedAtMs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("preferences: %v", err))
			return
		}
		result.Downloaded++
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
	err = e.client.PutPreferences(callCtx, RemotePreferences{
		UserID:      userID,
		Payload:     rawOrNull(pending.PayloadJSON),
		UpdatedAtMs: pending.UpdatedAtMs,
	})
	cancel()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("preferences: %v", err))
		return
	}
	if err := e.preferences.MarkSynced(ctx, userID); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("preferences: %v", err))
		return
	}
	result.Uploaded++
}

func (e *Engine) refreshPendingCount(ctx context.Context) {
	count, err := e.outfits.CountPending(ctx)
	if err != nil {
		e.logger.Warn("failed to refresh pending count", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.pendingCount = count
	e.mu.Unlock()
}

// RunInterval performs a pass on a fixed foreground cadence until the
// context is cancelled. Skipped passes (offline, already in flight) are
// normal and only logged.
func (e *Engine) RunInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultForegroundInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sync(ctx); err != nil {
				if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrOffline) {
					e.logger.Debug("interval sync skipped", zap.Error(err))
					continue
				}
				e.logger.Warn("interval sync failed", zap.Error(err))
			}
		}
	}
}
