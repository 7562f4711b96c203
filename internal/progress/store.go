package progress

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drallgood/course-progress-sync/internal/models"
)

// Source identifies where a progress change comes from
type Source int

const (
	// SourcePlayback is a change derived from player events
	SourcePlayback Source = iota
	// SourceManual is an explicit learner action (mark or unmark complete)
	SourceManual
	// SourceServer is a value returned by the course service
	SourceServer
)

func (s Source) String() string {
	switch s {
	case SourcePlayback:
		return "playback"
	case SourceManual:
		return "manual"
	case SourceServer:
		return "server"
	default:
		return "unknown"
	}
}

// ChangeFunc is called after a record changed. existed is false for new records.
type ChangeFunc func(prev models.ProgressRecord, existed bool, next models.ProgressRecord)

// Store is the in-memory progress of one viewing session, keyed by content id.
//
// A completed record only goes back to incomplete through SourceManual. For
// every other source the completion percentage never decreases.
type Store struct {
	mu          sync.RWMutex
	records     map[string]models.ProgressRecord
	uncompleted map[string]time.Time // last manual uncomplete per item
	listeners   []ChangeFunc
	now         func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records:     make(map[string]models.ProgressRecord),
		uncompleted: make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// OnChange registers a listener. Listeners run outside the store lock.
func (s *Store) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns the record of an item
func (s *Store) Get(contentID string) (models.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[contentID]
	return rec, ok
}

// IsCompleted reports whether an item is complete
func (s *Store) IsCompleted(contentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[contentID].Completed
}

// All returns every record ordered by content id
func (s *Store) All() []models.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ProgressRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert applies a local change and returns the stored record. Server values
// are routed through ApplyServer as if they answered a request made now.
func (s *Store) Upsert(rec models.ProgressRecord, source Source) models.ProgressRecord {
	if source == SourceServer {
		return s.ApplyServer(rec, s.clock())
	}
	if rec.ContentID == "" {
		return rec
	}
	normalize(&rec)

	s.mu.Lock()
	now := s.now()
	prev, existed := s.records[rec.ContentID]
	next := rec

	switch source {
	case SourceManual:
		if prev.Completed && !rec.Completed {
			s.uncompleted[rec.ContentID] = now
		} else if rec.Completed {
			delete(s.uncompleted, rec.ContentID)
		}
	default:
		if existed {
			next.Completed = prev.Completed || rec.Completed
			next.CompletionPercentage = math.Max(prev.CompletionPercentage, rec.CompletionPercentage)
			next.WatchedDuration = math.Max(prev.WatchedDuration, rec.WatchedDuration)
		}
	}

	if existed {
		fillMissing(&next, prev)
		next.LastSyncedAt = prev.LastSyncedAt
	}
	next.State = models.StatePendingLocal
	next.ChangedAt = now

	s.records[rec.ContentID] = next
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, prev, existed, next)
	return next
}

// ApplyServer merges a record returned by the course service into the store.
// requestedAt is when the request that produced it was issued; a response older
// than the latest local change is stale and can only raise values.
func (s *Store) ApplyServer(rec models.ProgressRecord, requestedAt time.Time) models.ProgressRecord {
	if rec.ContentID == "" {
		return rec
	}
	normalize(&rec)

	s.mu.Lock()
	now := s.now()
	synced := now
	prev, existed := s.records[rec.ContentID]

	if !existed {
		next := rec
		next.State = models.StateConfirmed
		next.LastSyncedAt = &synced
		next.ChangedAt = time.Time{}
		s.records[rec.ContentID] = next
		listeners := s.listeners
		s.mu.Unlock()

		notify(listeners, prev, false, next)
		return next
	}

	stale := !prev.ChangedAt.IsZero() && prev.ChangedAt.After(requestedAt)
	next := prev
	next.CompletionPercentage = math.Max(prev.CompletionPercentage, rec.CompletionPercentage)
	next.WatchedDuration = math.Max(prev.WatchedDuration, rec.WatchedDuration)
	if rec.TotalDuration > 0 {
		next.TotalDuration = rec.TotalDuration
	}
	if !stale && rec.LastPosition > 0 {
		next.LastPosition = rec.LastPosition
	}
	if next.ModuleID == "" {
		next.ModuleID = rec.ModuleID
	}
	if next.ContentType == "" {
		next.ContentType = rec.ContentType
	}

	state := models.StateConfirmed
	if stale {
		state = models.StatePendingLocal
	}

	uncompletedAt, wasUncompleted := s.uncompleted[rec.ContentID]
	switch {
	case rec.Completed && !prev.Completed && wasUncompleted && uncompletedAt.After(requestedAt):
		// answer to a request issued before the learner unmarked the item
		state = models.StateConflict
	case rec.Completed:
		next.Completed = true
		delete(s.uncompleted, rec.ContentID)
	case prev.Completed:
		if !stale {
			state = models.StateConflict
		}
	}

	next.State = state
	next.LastSyncedAt = &synced
	s.records[rec.ContentID] = next
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, prev, true, next)
	return next
}

// Clear drops every record
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]models.ProgressRecord)
	s.uncompleted = make(map[string]time.Time)
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

func normalize(rec *models.ProgressRecord) {
	rec.CompletionPercentage = clampPercentage(rec.CompletionPercentage)
	if !finite(rec.WatchedDuration) || rec.WatchedDuration < 0 {
		rec.WatchedDuration = 0
	}
	if !finite(rec.TotalDuration) || rec.TotalDuration < 0 {
		rec.TotalDuration = 0
	}
	if !finite(rec.LastPosition) || rec.LastPosition < 0 {
		rec.LastPosition = 0
	}
}

func fillMissing(next *models.ProgressRecord, prev models.ProgressRecord) {
	if next.ModuleID == "" {
		next.ModuleID = prev.ModuleID
	}
	if next.ContentType == "" {
		next.ContentType = prev.ContentType
	}
	if next.TotalDuration == 0 {
		next.TotalDuration = prev.TotalDuration
	}
}

func notify(listeners []ChangeFunc, prev models.ProgressRecord, existed bool, next models.ProgressRecord) {
	for _, fn := range listeners {
		fn(prev, existed, next)
	}
}
