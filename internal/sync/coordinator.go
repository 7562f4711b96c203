package sync

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/database"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/progress"
)

const (
	DefaultHeartbeat      = 3 * time.Second
	DefaultSeekThreshold  = 10.0
	DefaultErrorCooldown  = 3 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

// Outbox keeps updates that could not be delivered
type Outbox interface {
	SaveProgress(ctx context.Context, owner string, update models.ProgressUpdate, cause error) error
	SaveCompletion(ctx context.Context, owner string, req models.CompletionRequest, cause error) error
	Pending(ctx context.Context, owner, courseID string) ([]database.OutboxEntry, error)
	Delete(ctx context.Context, ids ...uint) error
}

// Config tunes a Coordinator
type Config struct {
	CourseID string
	// Owner is the outbox key of the current learner
	Owner               string
	Heartbeat           time.Duration
	SeekThreshold       float64 // seconds
	ErrorCooldown       time.Duration
	RequestTimeout      time.Duration
	CompletionThreshold float64
	// TotalItems is the number of content items in the course, used for the aggregate percentage
	TotalItems int
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.SeekThreshold <= 0 {
		c.SeekThreshold = DefaultSeekThreshold
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = DefaultErrorCooldown
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = progress.DefaultCompletionThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type itemState struct {
	lastSentAt   time.Time
	lastPosition float64
	seen         bool
	watched      bool
}

// Coordinator decides when progress is transmitted to the course service and
// merges the answers back into the store. Remote failures only change the
// status; they are never returned to callers.
type Coordinator struct {
	cfg    Config
	client courseapi.ClientInterface
	store  *progress.Store
	bus    events.Publisher
	outbox Outbox
	log    *logger.Logger

	mu              sync.Mutex
	items           map[string]*itemState
	status          Status
	lastErr         error
	inflight        int
	revert          *time.Timer
	statusListeners []func(Status)
	moduleListeners []func([]string, time.Time)

	wg sync.WaitGroup
}

// New creates a coordinator. bus and outbox may be nil.
func New(cfg Config, client courseapi.ClientInterface, store *progress.Store, bus events.Publisher, outbox Outbox, log *logger.Logger) *Coordinator {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Get()
	}
	return &Coordinator{
		cfg:    cfg,
		client: client,
		store:  store,
		bus:    bus,
		outbox: outbox,
		log: log.Component("sync_coordinator").WithFields(map[string]interface{}{
			"course_id": cfg.CourseID,
		}),
		items:  make(map[string]*itemState),
		status: StatusSynced,
	}
}

// Status returns the current status
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error of the last failed transmission
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnStatus registers a listener for status changes
func (c *Coordinator) OnStatus(fn func(Status)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusListeners = append(c.statusListeners, fn)
}

// OnModuleCompletion registers a listener for module ids the service reports
// complete. requestedAt is when the check was issued.
func (c *Coordinator) OnModuleCompletion(fn func(moduleIDs []string, requestedAt time.Time)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moduleListeners = append(c.moduleListeners, fn)
}

// Seed marks items already watched according to fetched progress
func (c *Coordinator) Seed(records []models.ProgressRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		if rec.CompletionPercentage >= c.cfg.CompletionThreshold {
			c.item(rec.ContentID).watched = true
		}
	}
}

// Watched reports whether an item reached the completion threshold
func (c *Coordinator) Watched(contentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.items[contentID]
	return ok && st.watched
}

func (c *Coordinator) item(contentID string) *itemState {
	st, ok := c.items[contentID]
	if !ok {
		st = &itemState{}
		c.items[contentID] = st
	}
	return st
}

// Observe is called for every playback-derived change of rec with the current
// player position. It transmits an update when a trigger fires and returns it.
func (c *Coordinator) Observe(rec models.ProgressRecord, position float64) Trigger {
	if rec.ContentID == "" {
		return TriggerNone
	}
	now := c.cfg.Now()

	c.mu.Lock()
	st := c.item(rec.ContentID)

	trigger := TriggerNone
	if st.seen && math.Abs(position-st.lastPosition) > c.cfg.SeekThreshold {
		trigger = TriggerSeek
	}
	// the completion edge is tracked apart from the trigger so a seek that
	// crosses the threshold still notifies
	edge := false
	if rec.CompletionPercentage >= c.cfg.CompletionThreshold && !st.watched {
		st.watched = true
		edge = true
		if trigger == TriggerNone {
			trigger = TriggerCompletion
		}
	}
	if trigger == TriggerNone && (st.lastSentAt.IsZero() || now.Sub(st.lastSentAt) >= c.cfg.Heartbeat) {
		trigger = TriggerHeartbeat
	}
	st.lastPosition = position
	st.seen = true
	if trigger != TriggerNone {
		st.lastSentAt = now
	}
	c.mu.Unlock()

	if trigger == TriggerNone {
		return TriggerNone
	}
	c.pushProgress(trigger, edge, c.updateFor(rec, nil))
	return trigger
}

// PushManual transmits an explicit learner action. completed=true uses the
// completion endpoint, completed=false sends an update with completed=false.
func (c *Coordinator) PushManual(rec models.ProgressRecord, completed bool) {
	if rec.ContentID == "" {
		return
	}
	c.mu.Lock()
	st := c.item(rec.ContentID)
	st.lastSentAt = c.cfg.Now()
	if !completed {
		// the next crossing of the threshold is a new completion edge
		st.watched = false
	}
	c.mu.Unlock()

	if completed {
		c.pushCompletion(TriggerManual, c.completionFor(rec), rec)
		return
	}
	done := false
	c.pushProgress(TriggerManual, false, c.updateFor(rec, &done))
}

// PushModules sends the module completion set and forwards the module ids the
// service reports complete to the OnModuleCompletion listeners
func (c *Coordinator) PushModules(modules []models.ModuleContents) {
	if len(modules) == 0 || !c.client.Authenticated() {
		return
	}
	requestedAt := c.cfg.Now()
	c.begin()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		ids, err := c.client.CheckModuleCompletion(ctx, modules)
		if err != nil {
			c.fail(err, map[string]interface{}{"operation": "module_check"})
			return
		}
		c.succeed()

		c.mu.Lock()
		listeners := c.moduleListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(ids, requestedAt)
		}
	}()
}

// Flush synchronously transmits every record that is not confirmed. Updates
// that cannot be delivered are written to the outbox. It returns the number of
// delivered updates.
func (c *Coordinator) Flush(ctx context.Context) int {
	var delivered int
	for _, rec := range c.store.All() {
		if rec.State == models.StateConfirmed {
			continue
		}
		if !c.client.Authenticated() {
			return 0
		}
		var err error
		if rec.Completed && rec.ContentType != "" && !rec.ContentType.Playable() {
			req := c.completionFor(rec)
			if err = c.client.PushCompletion(ctx, req); err != nil {
				c.save(ctx, func(o Outbox) error { return o.SaveCompletion(ctx, c.cfg.Owner, req, err) })
			}
		} else {
			update := c.updateFor(rec, nil)
			requestedAt := c.cfg.Now()
			var echoed models.ProgressRecord
			if echoed, err = c.client.PushProgress(ctx, update); err != nil {
				c.save(ctx, func(o Outbox) error { return o.SaveProgress(ctx, c.cfg.Owner, update, err) })
			} else {
				c.store.ApplyServer(echoed, requestedAt)
			}
		}
		if err != nil {
			c.log.Warn("Final flush failed", map[string]interface{}{
				"content_id": rec.ContentID,
				"error":      err.Error(),
			})
			continue
		}
		delivered++
	}
	return delivered
}

func (c *Coordinator) save(ctx context.Context, fn func(Outbox) error) {
	if c.outbox == nil || c.cfg.Owner == "" {
		return
	}
	if err := fn(c.outbox); err != nil {
		c.log.Error("Failed to keep undelivered update", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Replay delivers outbox entries left by an earlier session of the same learner
// and course. Delivered entries are removed; the others stay for the next attempt.
func (c *Coordinator) Replay(ctx context.Context) int {
	if c.outbox == nil || c.cfg.Owner == "" || !c.client.Authenticated() {
		return 0
	}
	entries, err := c.outbox.Pending(ctx, c.cfg.Owner, c.cfg.CourseID)
	if err != nil {
		c.log.Error("Failed to load outbox", map[string]interface{}{"error": err.Error()})
		return 0
	}

	var delivered []uint
	for _, entry := range entries {
		switch entry.Kind {
		case database.OutboxKindCompletion:
			req, err := entry.DecodeCompletion()
			if err == nil {
				err = c.client.PushCompletion(ctx, req)
			}
			if err != nil {
				c.log.Warn("Outbox replay failed", map[string]interface{}{"entry": entry.ID, "error": err.Error()})
				continue
			}
			if rec, ok := c.store.Get(req.ContentID); ok {
				rec.Completed = true
				c.store.ApplyServer(rec, c.cfg.Now())
			}
		default:
			update, err := entry.DecodeProgress()
			if err != nil {
				c.log.Warn("Dropping undecodable outbox entry", map[string]interface{}{"entry": entry.ID, "error": err.Error()})
				delivered = append(delivered, entry.ID)
				continue
			}
			requestedAt := c.cfg.Now()
			echoed, err := c.client.PushProgress(ctx, update)
			if err != nil {
				c.log.Warn("Outbox replay failed", map[string]interface{}{"entry": entry.ID, "error": err.Error()})
				continue
			}
			c.store.ApplyServer(echoed, requestedAt)
		}
		delivered = append(delivered, entry.ID)
	}

	if err := c.outbox.Delete(ctx, delivered...); err != nil {
		c.log.Error("Failed to clear delivered outbox entries", map[string]interface{}{"error": err.Error()})
	}
	if len(entries) > 0 {
		c.log.Info("Replayed outbox", map[string]interface{}{
			"pending":   len(entries),
			"delivered": len(delivered),
		})
	}
	return len(delivered)
}

// Wait blocks until in-flight transmissions finished or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the pending status revert
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
}

func (c *Coordinator) updateFor(rec models.ProgressRecord, completed *bool) models.ProgressUpdate {
	if completed == nil && rec.Completed {
		completed = boolPtr(true)
	}
	return models.ProgressUpdate{
		CourseID:        c.cfg.CourseID,
		ContentID:       rec.ContentID,
		ModuleID:        rec.ModuleID,
		ContentType:     rec.ContentType,
		WatchedDuration: rec.WatchedDuration,
		TotalDuration:   rec.TotalDuration,
		Completed:       completed,
	}
}

func (c *Coordinator) completionFor(rec models.ProgressRecord) models.CompletionRequest {
	return models.CompletionRequest{
		CourseID:    c.cfg.CourseID,
		ContentID:   rec.ContentID,
		ModuleID:    rec.ModuleID,
		ContentType: rec.ContentType,
	}
}

func (c *Coordinator) pushProgress(trigger Trigger, edge bool, update models.ProgressUpdate) {
	if !c.client.Authenticated() {
		return
	}
	requestedAt := c.cfg.Now()
	c.begin()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		echoed, err := c.client.PushProgress(ctx, update)
		if err != nil {
			c.fail(err, map[string]interface{}{
				"content_id": update.ContentID,
				"trigger":    string(trigger),
				"edge":       edge,
			})
			return
		}
		if echoed.ContentID == "" {
			echoed.ContentID = update.ContentID
		}
		merged := c.store.ApplyServer(echoed, requestedAt)
		c.succeed()

		c.log.Debug("Progress transmitted", map[string]interface{}{
			"content_id": update.ContentID,
			"trigger":    string(trigger),
			"percentage": merged.CompletionPercentage,
			"state":      string(merged.State),
		})

		switch {
		case merged.State == models.StateConflict && merged.Completed && trigger != TriggerConflict:
			// the service lost a completion this learner still holds
			c.pushCompletion(TriggerConflict, c.completionFor(merged), merged)
		case edge && merged.Completed:
			c.publish(merged.ContentID, true)
		case trigger == TriggerManual && update.Completed != nil && !*update.Completed:
			c.publish(merged.ContentID, merged.Completed)
		}
	}()
}

func (c *Coordinator) pushCompletion(trigger Trigger, req models.CompletionRequest, rec models.ProgressRecord) {
	if !c.client.Authenticated() {
		return
	}
	requestedAt := c.cfg.Now()
	c.begin()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()

		if err := c.client.PushCompletion(ctx, req); err != nil {
			c.fail(err, map[string]interface{}{
				"content_id": req.ContentID,
				"trigger":    string(trigger),
			})
			return
		}
		rec.Completed = true
		c.store.ApplyServer(rec, requestedAt)
		c.succeed()
		c.publish(req.ContentID, true)
	}()
}

func (c *Coordinator) publish(contentID string, completed bool) {
	if c.bus == nil {
		return
	}
	events.PublishProgressChanged(c.bus, models.ProgressChanged{
		CourseID:            c.cfg.CourseID,
		AggregatePercentage: c.aggregate(),
		ContentID:           contentID,
		Completed:           completed,
	})
}

func (c *Coordinator) aggregate() float64 {
	total := c.cfg.TotalItems
	if total <= 0 {
		total = c.store.Len()
	}
	if total == 0 {
		return 0
	}
	done := 0
	for _, rec := range c.store.All() {
		if rec.Completed {
			done++
		}
	}
	if done > total {
		done = total
	}
	return math.Round(float64(done)*10000/float64(total)) / 100
}

func (c *Coordinator) begin() {
	c.mu.Lock()
	c.inflight++
	changed := c.status == StatusSynced
	if changed {
		c.status = StatusSyncing
	}
	listeners := c.statusListeners
	c.mu.Unlock()

	if changed {
		notifyStatus(listeners, StatusSyncing)
	}
}

func (c *Coordinator) succeed() {
	c.mu.Lock()
	c.inflight--
	changed := c.status == StatusSyncing && c.inflight == 0
	if changed {
		c.status = StatusSynced
	}
	listeners := c.statusListeners
	c.mu.Unlock()

	if changed {
		notifyStatus(listeners, StatusSynced)
	}
}

func (c *Coordinator) fail(err error, fields map[string]interface{}) {
	if errors.Is(err, courseapi.ErrNoCredentials) {
		c.succeed()
		return
	}
	fields["error"] = err.Error()
	if code := courseapi.StatusCode(err); code != 0 {
		fields["status"] = code
	}
	c.log.Warn("Progress transmission failed", fields)

	c.mu.Lock()
	c.inflight--
	c.lastErr = err
	changed := c.status != StatusError
	c.status = StatusError
	if c.revert != nil {
		c.revert.Stop()
	}
	c.revert = time.AfterFunc(c.cfg.ErrorCooldown, c.endCooldown)
	listeners := c.statusListeners
	c.mu.Unlock()

	if changed {
		notifyStatus(listeners, StatusError)
	}
}

func (c *Coordinator) endCooldown() {
	c.mu.Lock()
	if c.status != StatusError {
		c.mu.Unlock()
		return
	}
	next := StatusSynced
	if c.inflight > 0 {
		next = StatusSyncing
	}
	c.status = next
	c.revert = nil
	listeners := c.statusListeners
	c.mu.Unlock()

	notifyStatus(listeners, next)
}

func notifyStatus(listeners []func(Status), s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
