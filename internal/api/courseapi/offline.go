package courseapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"

	"github.com/drallgood/course-progress-sync/internal/models"
)

// OfflineClient serves a recorded course and its progress from memory. Pushes
// are applied to the recorded progress the way the course service would.
type OfflineClient struct {
	mu       sync.Mutex
	course   *models.Course
	progress map[string]models.ProgressRecord
	pushes   int
}

var _ ClientInterface = (*OfflineClient)(nil)

// NewOfflineClient parses a recorded course structure and, optionally, its
// progress. Both use the same shapes as the live API.
func NewOfflineClient(courseJSON, progressJSON []byte) (*OfflineClient, error) {
	course, err := NormalizeCourse(courseJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorded course: %w", err)
	}
	c := &OfflineClient{course: course, progress: make(map[string]models.ProgressRecord)}
	if len(progressJSON) > 0 {
		records, err := NormalizeProgress(progressJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recorded progress: %w", err)
		}
		for _, rec := range records {
			c.progress[rec.ContentID] = rec
		}
	}
	return c, nil
}

// Authenticated always reports true so progress flows through the sync path
func (c *OfflineClient) Authenticated() bool { return true }

// FetchCourse returns the recorded course
func (c *OfflineClient) FetchCourse(_ context.Context, courseID string) (*models.Course, error) {
	if courseID != "" && c.course.ID != "" && courseID != c.course.ID {
		return nil, &StatusError{Endpoint: "/courses/" + courseID, StatusCode: http.StatusNotFound, Body: "course not recorded"}
	}
	course := *c.course
	if course.ID == "" {
		course.ID = courseID
	}
	return &course, nil
}

// FetchProgress returns the recorded progress
func (c *OfflineClient) FetchProgress(_ context.Context, _ string) ([]models.ProgressRecord, error) {
	return c.Records(), nil
}

// PushProgress merges an update into the recorded progress and echoes the result
func (c *OfflineClient) PushProgress(_ context.Context, update models.ProgressUpdate) (models.ProgressRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++

	next := echoFromUpdate(update)
	prev, ok := c.progress[update.ContentID]
	if ok {
		next.WatchedDuration = math.Max(prev.WatchedDuration, next.WatchedDuration)
		next.CompletionPercentage = math.Max(prev.CompletionPercentage, next.CompletionPercentage)
		if update.Completed == nil {
			next.Completed = prev.Completed
		}
	}
	c.progress[update.ContentID] = next
	return next, nil
}

// PushCompletion marks an item complete in the recorded progress
func (c *OfflineClient) PushCompletion(_ context.Context, req models.CompletionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++

	rec := c.progress[req.ContentID]
	rec.ContentID = req.ContentID
	rec.ModuleID = req.ModuleID
	rec.ContentType = req.ContentType
	rec.Completed = true
	rec.State = models.StateConfirmed
	c.progress[req.ContentID] = rec
	return nil
}

// CheckModuleCompletion reports the modules whose items are all complete in the
// recorded progress
func (c *OfflineClient) CheckModuleCompletion(_ context.Context, modules []models.ModuleContents) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for _, m := range modules {
		if len(m.ContentIDs) == 0 {
			continue
		}
		complete := true
		for _, id := range m.ContentIDs {
			if !c.progress[id].Completed {
				complete = false
				break
			}
		}
		if complete {
			ids = append(ids, m.ModuleID)
		}
	}
	return ids, nil
}

// Records returns the recorded progress ordered by content id
func (c *OfflineClient) Records() []models.ProgressRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ProgressRecord, 0, len(c.progress))
	for _, rec := range c.progress {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}

// Pushes returns the number of progress and completion pushes received
func (c *OfflineClient) Pushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes
}
