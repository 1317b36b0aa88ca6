package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dali-labs/dali-sync/internal/offline"
	"github.com/dali-labs/dali-sync/internal/outfits"
	"github.com/dali-labs/dali-sync/internal/prefs"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeUsers struct {
	subject string
}

func (f *fakeUsers) Subject() (string, error) {
	return f.subject, nil
}

// fakeRemote is a scriptable RemoteClient that records calls.
type fakeRemote struct {
	mu sync.Mutex

	upsertErr      func(outfit RemoteOutfit) error
	listResult     []RemoteOutfit
	listErr        error
	getPrefsResult RemotePreferences
	getPrefsErr    error
	putPrefsErr    error

	upserted    []RemoteOutfit
	listSinceMs []int64
	putPrefs    []RemotePreferences
}

func (f *fakeRemote) UpsertOutfit(_ context.Context, outfit RemoteOutfit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		if err := f.upsertErr(outfit); err != nil {
			return err
		}
	}
	f.upserted = append(f.upserted, outfit)
	return nil
}

func (f *fakeRemote) ListOutfitsSince(_ context.Context, _ string, sinceMs int64) ([]RemoteOutfit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listSinceMs = append(f.listSinceMs, sinceMs)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listResult, nil
}

func (f *fakeRemote) GetPreferences(_ context.Context, _ string) (RemotePreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getPrefsErr != nil {
		return RemotePreferences{}, f.getPrefsErr
	}
	return f.getPrefsResult, nil
}

func (f *fakeRemote) PutPreferences(_ context.Context, preferences RemotePreferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putPrefsErr != nil {
		return f.putPrefsErr
	}
	f.putPrefs = append(f.putPrefs, preferences)
	return nil
}

func (f *fakeRemote) upsertedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.upserted))
	for _, outfit := range f.upserted {
		ids = append(ids, outfit.ID)
	}
	return ids
}

type engineFixture struct {
	engine  *Engine
	outfits *outfits.Store
	queue   *offline.Queue
	state   *offline.State
	prefs   *prefs.Store
	remote  *fakeRemote
	nowMs   *int64
}

func newEngineFixture(t *testing.T, remote *fakeRemote, maxRetries int) *engineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&outfits.Record{}, &offline.PendingAction{}, &prefs.Record{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	nowMs := int64(1_000_000)
	clock := func() time.Time { return time.UnixMilli(nowMs).UTC() }

	outfitStore, err := outfits.NewStore(outfits.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build outfit store: %v", err)
	}
	queue, err := offline.NewQueue(offline.QueueConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	preferenceStore, err := prefs.NewStore(prefs.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build preference store: %v", err)
	}

	state := offline.NewState()
	engine, err := NewEngine(EngineConfig{
		Outfits:     outfitStore,
		Queue:       queue,
		State:       state,
		Preferences: preferenceStore,
		Client:      remote,
		Database:    db,
		Users:       &fakeUsers{subject: "user-1"},
		Clock:       clock,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return &engineFixture{
		engine:  engine,
		outfits: outfitStore,
		queue:   queue,
		state:   state,
		prefs:   preferenceStore,
		remote:  remote,
		nowMs:   &nowMs,
	}
}

func TestSyncReturnsErrOfflineWhenDisconnected(t *testing.T) {
	fixture := newEngineFixture(t, &fakeRemote{}, 3)
	fixture.state.SetOnline(false)

	if _, err := fixture.engine.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestSyncIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{
		upsertErr: func(RemoteOutfit) error {
			close(started)
			<-release
			return nil
		},
	}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-1", Name: "look"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := fixture.engine.Sync(context.Background())
		firstDone <- err
	}()

	<-started
	if !fixture.engine.IsSyncing() {
		t.Fatalf("expected in-flight pass to be visible")
	}
	if _, err := fixture.engine.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if fixture.engine.IsSyncing() {
		t.Fatalf("expected in-flight flag to clear")
	}
}

func TestSyncUploadsPendingRecordsAndClearsQueue(t *testing.T) {
	remote := &fakeRemote{}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-1", Name: "look", IsLiked: true}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if _, err := fixture.queue.Add(context.Background(), offline.ActionLike, "outfit-1"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Fatalf("expected 1 upload, got %d", result.Uploaded)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}

	record, err := fixture.outfits.GetByID(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SyncStatus != outfits.SyncStatusSynced {
		t.Fatalf("expected record synced, got %s", record.SyncStatus)
	}

	count, err := fixture.queue.Count(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("confirmed upsert must clear the outfit's queued actions, got %d", count)
	}
	if fixture.engine.PendingCount() != 0 {
		t.Fatalf("expected pending count 0, got %d", fixture.engine.PendingCount())
	}
}

func TestSyncAbortsWhenRemoteUnreachable(t *testing.T) {
	remote := &fakeRemote{
		upsertErr: func(RemoteOutfit) error {
			return fmt.Errorf("%w: connection refused", ErrUnreachable)
		},
	}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-1", Name: "a"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-2", Name: "b"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	result, err := fixture.engine.Sync(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if result.Uploaded != 0 {
		t.Fatalf("expected no uploads, got %d", result.Uploaded)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected the abort to be reported once, got %v", result.Errors)
	}
	if len(remote.listSinceMs) != 0 {
		t.Fatalf("aborted pass must not reach the pull phase")
	}

	record, err := fixture.outfits.GetByID(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SyncStatus != outfits.SyncStatusPending {
		t.Fatalf("records must stay pending after an aborted pass, got %s", record.SyncStatus)
	}
}

func TestSyncContinuesPastPerRecordRejection(t *testing.T) {
	remote := &fakeRemote{
		upsertErr: func(outfit RemoteOutfit) error {
			if outfit.ID == "outfit-bad" {
				return &remoteStatusError{status: 422, body: "invalid payload"}
			}
			return nil
		},
	}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-bad", Name: "rejected"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	*fixture.nowMs -= 1000 // make the good record older so the bad one uploads first
	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-good", Name: "accepted"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	*fixture.nowMs += 1000

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("per-record rejection must not fail the pass: %v", err)
	}
	if result.Uploaded != 1 {
		t.Fatalf("expected the good record to upload, got %d", result.Uploaded)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one recorded rejection, got %v", result.Errors)
	}

	ids := remote.upsertedIDs()
	if len(ids) != 1 || ids[0] != "outfit-good" {
		t.Fatalf("unexpected uploads: %v", ids)
	}

	bad, err := fixture.outfits.GetByID(context.Background(), "outfit-bad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bad.SyncStatus != outfits.SyncStatusPending {
		t.Fatalf("rejected record should stay pending for retry, got %s", bad.SyncStatus)
	}
}

func TestRepeatedRejectionMarksRecordFailed(t *testing.T) {
	remote := &fakeRemote{
		upsertErr: func(RemoteOutfit) error {
			return &remoteStatusError{status: 500, body: "server error"}
		},
	}
	fixture := newEngineFixture(t, remote, 2)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-1", Name: "stuck"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if _, err := fixture.queue.Add(context.Background(), offline.ActionLike, "outfit-1"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := fixture.engine.Sync(context.Background()); err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}

	record, err := fixture.outfits.GetByID(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SyncStatus != outfits.SyncStatusFailed {
		t.Fatalf("expected record marked failed after exhausting retries, got %s", record.SyncStatus)
	}

	minRetries, err := fixture.queue.MinRetryCountForOutfit(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if minRetries != 2 {
		t.Fatalf("expected retry count 2, got %d", minRetries)
	}
}

func TestPullAppliesRemoteWinners(t *testing.T) {
	remote := &fakeRemote{}
	fixture := newEngineFixture(t, remote, 3)

	// Local record the server has a newer variant of.
	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-stale", Name: "local variant"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := fixture.outfits.MarkSynced(context.Background(), "outfit-stale"); err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}

	remote.listResult = []RemoteOutfit{
		{ID: "outfit-new", UserID: "user-1", Name: "server only", CreatedAtMs: 100, UpdatedAtMs: 200},
		{ID: "outfit-stale", UserID: "user-1", Name: "server variant", CreatedAtMs: 100, UpdatedAtMs: *fixture.nowMs + 5000},
	}

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Downloaded != 2 {
		t.Fatalf("expected 2 downloads, got %d", result.Downloaded)
	}
	if result.Conflicts != 0 {
		t.Fatalf("expected no conflicts, got %d", result.Conflicts)
	}

	created, err := fixture.outfits.GetByID(context.Background(), "outfit-new")
	if err != nil {
		t.Fatalf("server-only record should exist locally: %v", err)
	}
	if created.UpdatedAtMs != 200 || created.SyncStatus != outfits.SyncStatusSynced {
		t.Fatalf("unexpected created record: updated=%d status=%s", created.UpdatedAtMs, created.SyncStatus)
	}

	overwritten, err := fixture.outfits.GetByID(context.Background(), "outfit-stale")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overwritten.Name != "server variant" {
		t.Fatalf("expected newer remote to win, got %q", overwritten.Name)
	}
}

func TestPullCountsConflictWhenLocalIsNewer(t *testing.T) {
	remote := &fakeRemote{}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.outfits.Save(context.Background(), outfits.SaveInput{ID: "outfit-1", Name: "local wins"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	local, err := fixture.outfits.GetByID(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote.listResult = []RemoteOutfit{
		{ID: "outfit-1", UserID: "user-1", Name: "older server variant", UpdatedAtMs: local.UpdatedAtMs - 100},
	}

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %d", result.Conflicts)
	}

	record, err := fixture.outfits.GetByID(context.Background(), "outfit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Name != "local wins" {
		t.Fatalf("local content must survive an older remote, got %q", record.Name)
	}
}

func TestSyncPersistsLastSyncTimeForIncrementalPull(t *testing.T) {
	remote := &fakeRemote{}
	fixture := newEngineFixture(t, remote, 3)

	if _, err := fixture.engine.Sync(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	*fixture.nowMs += 60_000
	if _, err := fixture.engine.Sync(context.Background()); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if len(remote.listSinceMs) != 2 {
		t.Fatalf("expected two pulls, got %d", len(remote.listSinceMs))
	}
	if remote.listSinceMs[0] != 0 {
		t.Fatalf("first pull must be a full fetch, got since=%d", remote.listSinceMs[0])
	}
	if remote.listSinceMs[1] != 1_000_000 {
		t.Fatalf("second pull must start at the first pass completion, got since=%d", remote.listSinceMs[1])
	}

	if fixture.engine.LastSyncTime().UnixMilli() != 1_060_000 {
		t.Fatalf("unexpected last sync time: %d", fixture.engine.LastSyncTime().UnixMilli())
	}
	if fixture.engine.LastSyncTimeFormatted() == "never" {
		t.Fatalf("expected formatted last sync time")
	}
}

func TestFailedPassDoesNotAdvanceLastSyncTime(t *testing.T) {
	remote := &fakeRemote{listErr: fmt.Errorf("%w: timeout", ErrUnreachable)}
	fixture := newEngineFixture(t, remote, 3)

	if _, err := fixture.engine.Sync(context.Background()); err == nil {
		t.Fatalf("expected pull failure to surface")
	}
	if !fixture.engine.LastSyncTime().IsZero() {
		t.Fatalf("failed pass must not record completion")
	}
	if fixture.engine.LastSyncTimeFormatted() != "never" {
		t.Fatalf("expected \"never\" before a completed pass")
	}
}

func TestPreferencesPushWhenLocalIsNewer(t *testing.T) {
	remote := &fakeRemote{getPrefsErr: ErrRemotePreferencesNotFound}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.prefs.Save(context.Background(), "user-1", `{"style":"minimal"}`); err != nil {
		t.Fatalf("failed to save preferences: %v", err)
	}

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Fatalf("expected the preference edit to upload, got %d", result.Uploaded)
	}
	if len(remote.putPrefs) != 1 {
		t.Fatalf("expected one preference upload, got %d", len(remote.putPrefs))
	}

	record, err := fixture.prefs.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Pending {
		t.Fatalf("confirmed preference edit must clear pending")
	}
}

func TestPreferencesRemoteWinsWhenNewer(t *testing.T) {
	remote := &fakeRemote{}
	fixture := newEngineFixture(t, remote, 3)

	if err := fixture.prefs.Save(context.Background(), "user-1", `{"style":"local"}`); err != nil {
		t.Fatalf("failed to save preferences: %v", err)
	}
	remote.getPrefsResult = RemotePreferences{
		UserID:      "user-1",
		Payload:     []byte(`{"style":"server"}`),
		UpdatedAtMs: *fixture.nowMs + 5000,
	}

	result, err := fixture.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Downloaded != 1 {
		t.Fatalf("expected the server document to download, got %d", result.Downloaded)
	}
	if len(remote.putPrefs) != 0 {
		t.Fatalf("losing local edit must not upload")
	}

	record, err := fixture.prefs.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.PayloadJSON != `{"style":"server"}` || record.Pending {
		t.Fatalf("expected server document applied, got %s pending=%v", record.PayloadJSON, record.Pending)
	}
}

func TestRunIntervalStopsOnContextCancel(t *testing.T) {
	fixture := newEngineFixture(t, &fakeRemote{}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fixture.engine.RunInterval(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunInterval did not stop after cancellation")
	}
}
