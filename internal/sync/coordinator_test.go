package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/database"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/progress"
	"github.com/drallgood/course-progress-sync/internal/testutils"
)

type fixture struct {
	client *testutils.MockCourseClient
	store  *progress.Store
	bus    *events.Bus
	clock  *testutils.Clock
	coord  *Coordinator
}

func newFixture(t *testing.T, authenticated bool, outbox Outbox) *fixture {
	t.Helper()
	f := &fixture{
		client: new(testutils.MockCourseClient),
		store:  progress.NewStore(),
		bus:    events.NewBus(),
		clock:  testutils.NewClock(),
	}
	f.client.On("Authenticated").Return(authenticated).Maybe()
	f.store.SetClock(f.clock.Now)
	f.coord = New(Config{
		CourseID:      "c1",
		Owner:         "owner",
		ErrorCooldown: 20 * time.Millisecond,
		TotalItems:    4,
		Now:           f.clock.Now,
	}, f.client, f.store, f.bus, outbox, logger.Nop())
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Wait(ctx))
}

func video(pct, position float64) models.ProgressRecord {
	return models.ProgressRecord{
		ContentID:            "v1",
		ModuleID:             "m1",
		ContentType:          models.ContentTypeVideo,
		TotalDuration:        100,
		WatchedDuration:      pct,
		CompletionPercentage: pct,
		Completed:            pct >= 95,
		LastPosition:         position,
	}
}

func TestCoordinator_HeartbeatThrottle(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(1, 1), 1))
	f.clock.Advance(time.Second)
	assert.Equal(t, TriggerNone, f.coord.Observe(video(2, 2), 2))
	f.clock.Advance(1900 * time.Millisecond)
	assert.Equal(t, TriggerNone, f.coord.Observe(video(3, 2.9), 2.9))
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(4, 3), 3))

	f.wait(t)
	f.client.AssertNumberOfCalls(t, "PushProgress", 2)
	assert.Equal(t, StatusSynced, f.coord.Status())

	rec, ok := f.store.Get("v1")
	require.True(t, ok)
	assert.Equal(t, models.StateConfirmed, rec.State)
}

func TestCoordinator_SeekBypassesThrottle(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(5, 5), 5))
	f.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, TriggerSeek, f.coord.Observe(video(40, 40), 40))
	f.clock.Advance(200 * time.Millisecond)
	// a 10 second jump is not a seek
	assert.Equal(t, TriggerNone, f.coord.Observe(video(40, 50), 50))
	f.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, TriggerSeek, f.coord.Observe(video(40, 10), 10))

	f.wait(t)
	f.client.AssertNumberOfCalls(t, "PushProgress", 3)
}

func TestCoordinator_CompletionEdgeOnce(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)

	var mu gosync.Mutex
	var published []models.ProgressChanged
	f.bus.Subscribe(events.TopicProgressChanged, func(payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, payload.(models.ProgressChanged))
	})

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(94.9, 94.9), 94.9))
	f.wait(t)
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, TriggerCompletion, f.coord.Observe(video(95, 95), 95))
	for i := 0; i < 5; i++ {
		f.clock.Advance(100 * time.Millisecond)
		assert.Equal(t, TriggerNone, f.coord.Observe(video(96, 96), 96))
	}
	assert.True(t, f.coord.Watched("v1"))

	f.wait(t)
	f.client.AssertNumberOfCalls(t, "PushProgress", 2)
	f.client.AssertCalled(t, "PushProgress", mock.Anything, mock.MatchedBy(func(u models.ProgressUpdate) bool {
		return u.Completed != nil && *u.Completed && u.CourseID == "c1"
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, "c1", published[0].CourseID)
	assert.Equal(t, "v1", published[0].ContentID)
	assert.True(t, published[0].Completed)
	assert.Equal(t, 25.0, published[0].AggregatePercentage)
}

func TestCoordinator_SeekAcrossThresholdPublishes(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)

	var mu gosync.Mutex
	var published []models.ProgressChanged
	f.bus.Subscribe(events.TopicProgressChanged, func(payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, payload.(models.ProgressChanged))
	})

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(0, 0), 0))
	f.wait(t)
	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, TriggerSeek, f.coord.Observe(video(99, 99), 99))
	assert.True(t, f.coord.Watched("v1"))
	f.wait(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, "v1", published[0].ContentID)
	assert.True(t, published[0].Completed)
}

func TestCoordinator_SeededItemHasNoEdge(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)
	f.coord.Seed([]models.ProgressRecord{{ContentID: "v1", CompletionPercentage: 97}})

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(97, 97), 97))
	f.clock.Advance(time.Second)
	assert.Equal(t, TriggerNone, f.coord.Observe(video(98, 98), 98))
	f.wait(t)
}

func TestCoordinator_ErrorCooldown(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).
		Return(models.ProgressRecord{}, &courseapi.StatusError{Endpoint: "/progress", StatusCode: 503})

	var mu gosync.Mutex
	var seen []Status
	f.coord.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	f.coord.Observe(video(10, 10), 10)
	f.wait(t)
	assert.Equal(t, StatusError, f.coord.Status())
	assert.Equal(t, 503, courseapi.StatusCode(f.coord.LastError()))

	assert.Eventually(t, func() bool {
		return f.coord.Status() == StatusSynced
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusSyncing, StatusError, StatusSynced}, seen)

	// the store keeps the local value
	_, ok := f.store.Get("v1")
	assert.False(t, ok)
}

func TestCoordinator_NoCredentialsIsSilent(t *testing.T) {
	f := newFixture(t, false, nil)

	assert.Equal(t, TriggerHeartbeat, f.coord.Observe(video(10, 10), 10))
	f.coord.PushManual(video(100, 100), true)
	f.coord.PushModules([]models.ModuleContents{{ModuleID: "m1", ContentIDs: []string{"v1"}}})
	f.store.Upsert(video(50, 50), progress.SourcePlayback)
	assert.Equal(t, 0, f.coord.Flush(context.Background()))
	f.wait(t)

	f.client.AssertNotCalled(t, "PushProgress", mock.Anything, mock.Anything)
	f.client.AssertNotCalled(t, "PushCompletion", mock.Anything, mock.Anything)
	f.client.AssertNotCalled(t, "CheckModuleCompletion", mock.Anything, mock.Anything)
	assert.Equal(t, StatusSynced, f.coord.Status())
}

func TestCoordinator_ConflictRepushesCompletion(t *testing.T) {
	f := newFixture(t, true, nil)
	f.store.Upsert(video(100, 100), progress.SourcePlayback)

	f.client.On("PushProgress", mock.Anything, mock.Anything).
		Return(models.ProgressRecord{ContentID: "v1", CompletionPercentage: 40, Completed: false}, nil)
	f.client.On("PushCompletion", mock.Anything, mock.MatchedBy(func(r models.CompletionRequest) bool {
		return r.ContentID == "v1" && r.CourseID == "c1"
	})).Return(nil)

	f.clock.Advance(time.Second)
	f.coord.Observe(video(100, 100), 100)
	f.wait(t)

	f.client.AssertNumberOfCalls(t, "PushCompletion", 1)
	rec, ok := f.store.Get("v1")
	require.True(t, ok)
	assert.True(t, rec.Completed)
	assert.Equal(t, 100.0, rec.CompletionPercentage)
	assert.Equal(t, models.StateConfirmed, rec.State)
}

func TestCoordinator_PushManual(t *testing.T) {
	f := newFixture(t, true, nil)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)
	f.client.On("PushCompletion", mock.Anything, mock.Anything).Return(nil)

	doc := models.ProgressRecord{ContentID: "d1", ModuleID: "m1", ContentType: models.ContentTypeDocument, Completed: true, CompletionPercentage: 100}
	f.store.Upsert(doc, progress.SourceManual)
	f.coord.PushManual(doc, true)
	f.wait(t)
	f.client.AssertCalled(t, "PushCompletion", mock.Anything, models.CompletionRequest{
		CourseID: "c1", ContentID: "d1", ModuleID: "m1", ContentType: models.ContentTypeDocument,
	})

	f.clock.Advance(time.Second)
	doc.Completed = false
	doc.CompletionPercentage = 0
	f.store.Upsert(doc, progress.SourceManual)
	f.coord.PushManual(doc, false)
	f.wait(t)

	f.client.AssertCalled(t, "PushProgress", mock.Anything, mock.MatchedBy(func(u models.ProgressUpdate) bool {
		return u.ContentID == "d1" && u.Completed != nil && !*u.Completed
	}))
	rec, ok := f.store.Get("d1")
	require.True(t, ok)
	assert.False(t, rec.Completed)
}

func TestCoordinator_PushModules(t *testing.T) {
	f := newFixture(t, true, nil)
	modules := []models.ModuleContents{{ModuleID: "m1", ContentIDs: []string{"v1", "d1"}}}
	f.client.On("CheckModuleCompletion", mock.Anything, modules).Return([]string{"m1"}, nil)

	got := make(chan []string, 1)
	f.coord.OnModuleCompletion(func(ids []string, _ time.Time) { got <- ids })
	f.coord.PushModules(modules)
	f.wait(t)

	select {
	case ids := <-got:
		assert.Equal(t, []string{"m1"}, ids)
	default:
		t.Fatal("module completion listener not called")
	}
}

func TestCoordinator_FlushAndReplay(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(filepath.Join(t.TempDir(), "outbox.db"), logger.Nop())
	require.NoError(t, err)
	defer db.Close()
	outbox := database.NewOutbox(db, logger.Nop())

	f := newFixture(t, true, outbox)
	f.client.On("PushProgress", mock.Anything, mock.Anything).Return(models.ProgressRecord{}, errors.New("connection reset"))
	f.client.On("PushCompletion", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	f.store.Upsert(video(50, 50), progress.SourcePlayback)
	f.store.Upsert(models.ProgressRecord{ContentID: "d1", ContentType: models.ContentTypeDocument, Completed: true, CompletionPercentage: 100}, progress.SourceManual)
	assert.Equal(t, 0, f.coord.Flush(ctx))

	entries, err := outbox.Pending(ctx, "owner", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	next := newFixture(t, true, outbox)
	next.client.On("PushProgress", mock.Anything, mock.Anything).Return(testutils.Echo, nil)
	next.client.On("PushCompletion", mock.Anything, mock.Anything).Return(nil)
	assert.Equal(t, 2, next.coord.Replay(ctx))

	rec, ok := next.store.Get("v1")
	require.True(t, ok)
	assert.Equal(t, 50.0, rec.CompletionPercentage)

	entries, err = outbox.Pending(ctx, "owner", "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
