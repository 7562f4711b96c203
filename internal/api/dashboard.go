package api

import (
	"fmt"
	"time"

	"github.com/drallgood/course-progress-sync/internal/cache"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
)

// DefaultDashboardTTL is how long a course summary is kept without updates
const DefaultDashboardTTL = 24 * time.Hour

// CourseSummary is the latest progress reported for a course
type CourseSummary struct {
	CourseID            string    `json:"courseId"`
	AggregatePercentage float64   `json:"aggregatePercentage"`
	LastContentID       string    `json:"lastContentId"`
	LastCompleted       bool      `json:"lastCompleted"`
	CompletedChanges    int       `json:"completedChanges"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Dashboard keeps per-course summaries of progress.changed notifications
type Dashboard struct {
	summaries cache.Cache[string, CourseSummary]
	now       func() time.Time
	logger    *logger.Logger
}

// NewDashboard creates a dashboard whose summaries expire after ttl
func NewDashboard(ttl time.Duration, log *logger.Logger) *Dashboard {
	if ttl <= 0 {
		ttl = DefaultDashboardTTL
	}
	if log == nil {
		log = logger.Get()
	}
	return &Dashboard{
		summaries: cache.WithTTL(cache.NewMemoryCache[string, CourseSummary](log), ttl),
		now:       time.Now,
		logger:    log.Component("dashboard"),
	}
}

// Subscribe registers the dashboard on the bus
func (d *Dashboard) Subscribe(sub events.Subscriber) (unsubscribe func()) {
	return sub.Subscribe(events.TopicProgressChanged, d.handle)
}

func (d *Dashboard) handle(payload interface{}) {
	switch ev := payload.(type) {
	case models.ProgressChanged:
		d.Record(ev)
	case *models.ProgressChanged:
		if ev != nil {
			d.Record(*ev)
		}
	default:
		d.logger.Warn("Ignoring unexpected progress payload", map[string]interface{}{
			"payload_type": fmt.Sprintf("%T", payload),
		})
	}
}

// Record stores a progress notification
func (d *Dashboard) Record(ev models.ProgressChanged) {
	if ev.CourseID == "" {
		return
	}
	summary, _ := d.summaries.Get(ev.CourseID)
	summary.CourseID = ev.CourseID
	summary.AggregatePercentage = ev.AggregatePercentage
	summary.LastContentID = ev.ContentID
	summary.LastCompleted = ev.Completed
	if ev.Completed {
		summary.CompletedChanges++
	}
	summary.UpdatedAt = d.now()
	d.summaries.Set(ev.CourseID, summary, 0)

	d.logger.Debug("Course summary updated", map[string]interface{}{
		"course_id":            ev.CourseID,
		"aggregate_percentage": ev.AggregatePercentage,
	})
}

// Get returns the summary of a course
func (d *Dashboard) Get(courseID string) (CourseSummary, bool) {
	return d.summaries.Get(courseID)
}
