// Package viewer drives one learner's viewing session of a course: content
// selection, player events, manual completion and the render state.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/progress"
	psync "github.com/drallgood/course-progress-sync/internal/sync"
	"github.com/drallgood/course-progress-sync/internal/unlock"
)

var (
	// ErrEmptyCourse means the course has no modules or no content; nothing else runs
	ErrEmptyCourse = errors.New("course has no content")
	// ErrNotOpen is returned by operations on a session that was not opened
	ErrNotOpen = errors.New("session is not open")
	// ErrUnknownContent is returned for a content id that is not part of the course
	ErrUnknownContent = errors.New("unknown content item")
	// ErrInvalidEvent is returned for malformed player events
	ErrInvalidEvent = errors.New("invalid player event")
)

// DefaultFlushTimeout bounds the final flush on close
const DefaultFlushTimeout = 5 * time.Second

type sessionState int

const (
	stateNew sessionState = iota
	stateOpen
	stateEmpty
	stateClosed
)

// Options configures a Session
type Options struct {
	CourseID string
	Client   courseapi.ClientInterface
	// Bus carries progress.changed and progress.refresh notifications; optional
	Bus *events.Bus
	// Outbox keeps updates the final flush could not deliver; optional
	Outbox psync.Outbox
	// Owner is the outbox key of the learner
	Owner string

	BucketSeconds       float64
	CompletionThreshold float64
	// Sync carries the coordinator timings. Course, owner, clock and
	// threshold are filled in by the session.
	Sync         psync.Config
	FlushTimeout time.Duration
	NoticeTTL    time.Duration

	Now    func() time.Time
	Logger *logger.Logger
}

// Session is one learner viewing one course. Entry points are serialized by
// the session mutex; the store, engine and coordinator guard their own state.
type Session struct {
	id        string
	opts      Options
	now       func() time.Time
	log       *logger.Logger
	store     *progress.Store
	tracker   *progress.Tracker
	evaluator progress.Evaluator

	mu           sync.Mutex
	state        sessionState
	course       *models.Course
	engine       *unlock.Engine
	coord        *psync.Coordinator
	active       string
	activeModule int
	rate         float64
	notice       *Notice
	unsubscribe  []func()
	refreshes    sync.WaitGroup
}

// NewSession creates a session. Nothing is fetched until Open.
func NewSession(id string, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NoticeTTL <= 0 {
		opts.NoticeTTL = DefaultNoticeTTL
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	evaluator := progress.NewEvaluator(opts.CompletionThreshold)
	opts.CompletionThreshold = evaluator.Threshold

	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	store := progress.NewStore()
	store.SetClock(opts.Now)

	return &Session{
		id:   id,
		opts: opts,
		now:  opts.Now,
		log: log.Component("viewer").WithFields(map[string]interface{}{
			"session_id": id,
			"course_id":  opts.CourseID,
		}),
		store:     store,
		tracker:   progress.NewTracker(opts.BucketSeconds),
		evaluator: evaluator,
		rate:      1,
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// CourseID returns the course being viewed
func (s *Session) CourseID() string {
	return s.opts.CourseID
}

// Store exposes the progress store of the session
func (s *Session) Store() *progress.Store {
	return s.store
}

// Open loads the course structure and existing progress, replays undelivered
// updates, reconciles module completion with the service and selects the
// first playable item.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return fmt.Errorf("session %s already opened", s.id)
	}
	client := s.opts.Client

	var (
		course  *models.Course
		records []models.ProgressRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := client.FetchCourse(gctx, s.opts.CourseID)
		if err != nil {
			return fmt.Errorf("failed to fetch course %s: %w", s.opts.CourseID, err)
		}
		course = c
		return nil
	})
	g.Go(func() error {
		if !client.Authenticated() {
			return nil
		}
		recs, err := client.FetchProgress(gctx, s.opts.CourseID)
		if err != nil {
			// the course stays viewable without stored progress
			s.log.Warn("Failed to fetch existing progress", map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}
		records = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.course = course
	if course.Empty() {
		s.state = stateEmpty
		s.log.Info("Course has no content", nil)
		return ErrEmptyCourse
	}

	requestedAt := s.now()
	for i := range records {
		s.fillFromCourse(&records[i])
		s.store.ApplyServer(records[i], requestedAt)
	}

	cfg := s.opts.Sync
	cfg.CourseID = s.opts.CourseID
	cfg.Owner = s.opts.Owner
	cfg.Now = s.now
	cfg.CompletionThreshold = s.opts.CompletionThreshold
	cfg.TotalItems = course.ContentCount()

	var publisher events.Publisher
	if s.opts.Bus != nil {
		publisher = s.opts.Bus
	}
	coord := psync.New(cfg, client, s.store, publisher, s.opts.Outbox, s.log)
	coord.Seed(records)
	coord.Replay(ctx)

	engine := unlock.New(course.Modules, s.store, s.log)
	s.store.OnChange(func(_ models.ProgressRecord, _ bool, _ models.ProgressRecord) {
		engine.Recompute()
	})
	engine.OnTransition(func(t unlock.Transition) {
		if t.Kind == unlock.TransitionCompleted {
			coord.PushModules(engine.CompletionSet())
		}
	})
	store := s.store
	coord.OnModuleCompletion(func(ids []string, requestedAt time.Time) {
		applyServerModules(course, store, coord, ids, requestedAt)
	})
	s.engine = engine
	s.coord = coord

	// rebuild unlock state lost with a previous session
	coord.PushModules(engine.CompletionSet())

	if first, ok := course.FirstPlayable(); ok {
		s.active = first.ID
		s.activeModule = 0
		_ = engine.Expand(0)
	}

	if s.opts.Bus != nil {
		unsub := s.opts.Bus.Subscribe(events.TopicRefreshRequested, s.onRefreshRequested)
		s.unsubscribe = append(s.unsubscribe, unsub)
	}

	s.state = stateOpen
	s.log.Info("Session opened", map[string]interface{}{
		"modules":  len(course.Modules),
		"items":    course.ContentCount(),
		"progress": len(records),
		"active":   s.active,
	})
	return nil
}

func (s *Session) onRefreshRequested(payload interface{}) {
	req, ok := payload.(events.RefreshRequest)
	if !ok || req.CourseID != s.opts.CourseID {
		return
	}
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return
	}
	s.refreshes.Add(1)
	s.mu.Unlock()

	// the publisher is an HTTP request; it must not wait on the re-pull
	go func() {
		defer s.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), psync.DefaultRequestTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNotOpen) {
			s.log.Warn("Refresh failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// applyServerModules marks the items of modules the service reports complete
func applyServerModules(course *models.Course, store *progress.Store, coord *psync.Coordinator, ids []string, requestedAt time.Time) {
	var seeded []models.ProgressRecord
	for _, id := range ids {
		for _, m := range course.Modules {
			if m.ID != id {
				continue
			}
			for _, item := range m.Items {
				if store.IsCompleted(item.ID) {
					continue
				}
				rec := models.ProgressRecord{
					ContentID:            item.ID,
					ModuleID:             m.ID,
					ContentType:          item.Type,
					TotalDuration:        item.Duration,
					CompletionPercentage: 100,
					Completed:            true,
				}
				store.ApplyServer(rec, requestedAt)
				seeded = append(seeded, rec)
			}
		}
	}
	coord.Seed(seeded)
}

func (s *Session) fillFromCourse(rec *models.ProgressRecord) {
	item, _, ok := s.course.Item(rec.ContentID)
	if !ok {
		return
	}
	if rec.ModuleID == "" {
		rec.ModuleID = item.ModuleID
	}
	if rec.ContentType == "" {
		rec.ContentType = item.Type
	}
	if rec.TotalDuration == 0 {
		rec.TotalDuration = item.Duration
	}
}

func (s *Session) checkOpen() error {
	switch s.state {
	case stateOpen:
		return nil
	case stateEmpty:
		return ErrEmptyCourse
	default:
		return ErrNotOpen
	}
}

// HandlePlayerEvent feeds one player callback into segment tracking,
// evaluation, the store and the sync coordinator.
func (s *Session) HandlePlayerEvent(ev PlayerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	contentID := ev.ContentID
	if contentID == "" {
		contentID = s.active
	}
	item, moduleIdx, ok := s.course.Item(contentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContent, contentID)
	}

	switch ev.Type {
	case EventRateChange:
		if !(ev.PlaybackRate > 0) || math.IsInf(ev.PlaybackRate, 0) {
			return fmt.Errorf("%w: playback rate %v", ErrInvalidEvent, ev.PlaybackRate)
		}
		s.rate = ev.PlaybackRate
		return nil
	case EventTimeUpdate, EventSeeked, EventEnded:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, ev.Type)
	}
	if math.IsNaN(ev.CurrentTime) || math.IsInf(ev.CurrentTime, 0) || ev.CurrentTime < 0 {
		return fmt.Errorf("%w: current time %v", ErrInvalidEvent, ev.CurrentTime)
	}
	if !item.Type.Playable() || !s.engine.IsUnlocked(moduleIdx) {
		return nil
	}

	duration := ev.Duration
	if !(duration > 0) || math.IsInf(duration, 0) {
		duration = item.Duration
	}
	if duration <= 0 {
		// nothing to measure against until the player knows the duration
		return nil
	}
	position := ev.CurrentTime
	if ev.Type == EventEnded {
		position = duration
	}

	s.tracker.Observe(item.ID, position, duration)
	fraction := s.tracker.WatchedFraction(item.ID)
	eval := s.evaluator.Evaluate(position, duration, fraction)

	stored := s.store.Upsert(models.ProgressRecord{
		ContentID:            item.ID,
		ModuleID:             item.ModuleID,
		ContentType:          item.Type,
		WatchedDuration:      fraction * duration,
		TotalDuration:        duration,
		CompletionPercentage: eval.Percentage,
		Completed:            eval.Completed,
		LastPosition:         position,
	}, progress.SourcePlayback)

	s.coord.Observe(stored, position)
	return nil
}

// SelectContent makes an item active. Items of a locked module are not
// selectable; the attempt leaves the selection unchanged and shows a notice.
func (s *Session) SelectContent(contentID string, moduleIndex int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	item, actual, ok := s.course.Item(contentID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownContent, contentID)
	}
	if moduleIndex != actual {
		s.log.Debug("Module index does not match content item", map[string]interface{}{
			"content_id":   contentID,
			"given_index":  moduleIndex,
			"actual_index": actual,
		})
	}
	if !s.engine.IsUnlocked(actual) {
		s.showModuleLocked(actual)
		return false, nil
	}

	s.active = item.ID
	s.activeModule = actual
	_ = s.engine.Expand(actual)
	return true, nil
}

// ToggleModule opens or closes module i. A locked module stays closed and a
// notice is shown.
func (s *Session) ToggleModule(i int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	expanded, err := s.engine.Toggle(i)
	if errors.Is(err, unlock.ErrModuleLocked) {
		s.showModuleLocked(i)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expanded, nil
}

// ToggleComplete flips the manual completion of an item. Unmarking is always
// allowed. Marking a video requires it to have been watched to the threshold.
// It reports whether the change was applied.
func (s *Session) ToggleComplete(contentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	item, moduleIdx, ok := s.course.Item(contentID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownContent, contentID)
	}
	rec, _ := s.store.Get(item.ID)
	rec.ContentID = item.ID
	rec.ModuleID = item.ModuleID
	rec.ContentType = item.Type
	if rec.TotalDuration == 0 {
		rec.TotalDuration = item.Duration
	}

	if rec.Completed {
		rec.Completed = false
		if item.Type.Playable() {
			// a rewatch starts from an empty timeline
			s.tracker.Reset(item.ID)
		}
		rec.CompletionPercentage = 0
		rec.WatchedDuration = 0
		stored := s.store.Upsert(rec, progress.SourceManual)
		s.coord.PushManual(stored, false)
		s.log.Info("Item marked incomplete", map[string]interface{}{"content_id": item.ID})
		return true, nil
	}

	if !s.engine.IsUnlocked(moduleIdx) {
		s.showModuleLocked(moduleIdx)
		return false, nil
	}

	if item.Type.Playable() && !s.evaluator.IsComplete(rec.CompletionPercentage) && !s.coord.Watched(item.ID) {
		s.notice = notWatchedNotice(item.ID, s.now().Add(s.opts.NoticeTTL))
		return false, nil
	}

	rec.Completed = true
	if !item.Type.Playable() {
		rec.CompletionPercentage = 100
	}
	stored := s.store.Upsert(rec, progress.SourceManual)
	s.coord.PushManual(stored, true)
	s.log.Info("Item marked complete", map[string]interface{}{"content_id": item.ID})
	return true, nil
}

// Refresh re-pulls the learner's progress and merges it into the store
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return err
	}
	client, coord := s.opts.Client, s.coord
	s.mu.Unlock()

	if !client.Authenticated() {
		return nil
	}
	requestedAt := s.now()
	records, err := client.FetchProgress(ctx, s.opts.CourseID)
	if err != nil {
		return fmt.Errorf("failed to refresh progress: %w", err)
	}
	for i := range records {
		s.fillFromCourse(&records[i])
		s.store.ApplyServer(records[i], requestedAt)
	}
	coord.Seed(records)

	s.log.Debug("Progress refreshed", map[string]interface{}{"count": len(records)})
	return nil
}

// Wait blocks until in-flight refreshes and transmissions finished
func (s *Session) Wait(ctx context.Context) error {
	if err := waitGroup(ctx, &s.refreshes); err != nil {
		return err
	}
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Wait(ctx)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a final best-effort flush and releases the session. Updates the
// flush cannot deliver go to the outbox.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	coord := s.coord
	s.mu.Unlock()

	for _, unsub := range unsubscribe {
		unsub()
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.opts.FlushTimeout)
	defer cancel()
	if err := waitGroup(flushCtx, &s.refreshes); err != nil {
		s.log.Warn("Refresh still running at close", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := coord.Wait(flushCtx); err != nil {
		s.log.Warn("In-flight updates still running at close", map[string]interface{}{
			"error": err.Error(),
		})
	}
	delivered := coord.Flush(flushCtx)
	coord.Stop()

	s.log.Info("Session closed", map[string]interface{}{
		"flushed": delivered,
	})
	return nil
}

func (s *Session) showModuleLocked(i int) {
	var id, previous string
	if m, ok := s.engine.Module(i); ok {
		id = m.ID
	}
	if prev, ok := s.engine.Module(i - 1); ok {
		previous = prev.Title
	}
	s.notice = moduleLockedNotice(id, previous, s.now().Add(s.opts.NoticeTTL))
}

// Notice returns the visible notice, if any
func (s *Session) Notice() *Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNotice()
}

func (s *Session) currentNotice() *Notice {
	if s.notice != nil && s.notice.expired(s.now()) {
		s.notice = nil
	}
	if s.notice == nil {
		return nil
	}
	n := *s.notice
	return &n
}

// Snapshot returns the render state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:         s.id,
		CourseID:          s.opts.CourseID,
		ActiveContentID:   s.active,
		ActiveModuleIndex: s.activeModule,
		PlaybackRate:      s.rate,
		SyncStatus:        psync.StatusSynced,
		Notice:            s.currentNotice(),
		Modules:           []ModuleView{},
	}
	if s.course != nil {
		snap.Title = s.course.Title
		if s.course.ID != "" {
			snap.CourseID = s.course.ID
		}
	}
	if s.state == stateEmpty || s.course.Empty() {
		snap.Empty = true
		return snap
	}
	if s.engine == nil {
		return snap
	}
	if s.coord != nil {
		snap.SyncStatus = s.coord.Status()
	}

	completed := 0
	for i, m := range s.course.Modules {
		view := ModuleView{
			Index:     i,
			ID:        m.ID,
			Title:     m.Title,
			Unlocked:  s.engine.IsUnlocked(i),
			Completed: s.engine.IsCompleted(i),
			Expanded:  s.engine.Expanded(i),
			Items:     make([]ItemView, 0, len(m.Items)),
		}
		for _, item := range m.Items {
			iv := ItemView{ContentItem: item, Active: item.ID == s.active}
			if rec, ok := s.store.Get(item.ID); ok {
				iv.Completed = rec.Completed
				iv.CompletionPercentage = rec.CompletionPercentage
				iv.LastPosition = rec.LastPosition
				iv.State = rec.State
				if rec.Completed {
					completed++
				}
			}
			view.Items = append(view.Items, iv)
		}
		snap.Modules = append(snap.Modules, view)
	}
	if total := s.course.ContentCount(); total > 0 {
		snap.AggregatePercentage = math.Round(float64(completed)*10000/float64(total)) / 100
	}
	return snap
}
