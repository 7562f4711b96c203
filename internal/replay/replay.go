// Package replay drives a viewing session from a recorded list of learner
// actions against an offline course service.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/viewer"
)

// Action names a recorded learner action
type Action string

const (
	ActionEvent        Action = "event"
	ActionSelect       Action = "select"
	ActionToggleModule Action = "toggle_module"
	ActionComplete     Action = "complete"
)

// DefaultStepInterval is how far the replay clock moves per step when the
// step does not say otherwise
const DefaultStepInterval = time.Second

// Step is one recorded action. Player events carry Type and the media fields.
type Step struct {
	Action       Action  `json:"action"`
	Type         string  `json:"type,omitempty"`
	ContentID    string  `json:"contentId,omitempty"`
	ModuleIndex  *int    `json:"moduleIndex,omitempty"`
	CurrentTime  float64 `json:"currentTime,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	PlaybackRate float64 `json:"playbackRate,omitempty"`
	// Advance moves the replay clock before the step runs, in seconds
	Advance float64 `json:"advance,omitempty"`
}

// Outcome is what happened to one step
type Outcome struct {
	Index   int            `json:"index"`
	Action  Action         `json:"action"`
	Applied bool           `json:"applied"`
	Error   string         `json:"error,omitempty"`
	Notice  *viewer.Notice `json:"notice,omitempty"`
}

// Result is the state reached after the replay
type Result struct {
	Snapshot viewer.Snapshot         `json:"snapshot"`
	Outcomes []Outcome               `json:"outcomes"`
	Records  []models.ProgressRecord `json:"serverProgress"`
	Pushes   int                     `json:"pushes"`
}

// LoadSteps decodes a JSON array of steps. A step without an action is a
// player event.
func LoadSteps(data []byte) ([]Step, error) {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	for i := range steps {
		if steps[i].Action == "" {
			steps[i].Action = ActionEvent
		}
	}
	return steps, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Runner replays steps against an offline client
type Runner struct {
	client *courseapi.OfflineClient
	opts   viewer.Options
	start  time.Time
	log    *logger.Logger
}

// NewRunner creates a runner. opts holds the session tuning; CourseID, Client
// and the clock are set by the runner.
func NewRunner(client *courseapi.OfflineClient, opts viewer.Options, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Get()
	}
	return &Runner{
		client: client,
		opts:   opts,
		start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		log:    log.Component("replay"),
	}
}

// Run opens a session for courseID, applies the steps in order and closes the
// session. Rejected steps are reported in the outcomes and do not stop the run.
func (r *Runner) Run(ctx context.Context, courseID string, steps []Step) (*Result, error) {
	clk := &clock{now: r.start}
	opts := r.opts
	opts.CourseID = courseID
	opts.Client = r.client
	opts.Now = clk.Now
	if opts.Logger == nil {
		opts.Logger = r.log
	}

	session := viewer.NewSession("replay", opts)
	if err := session.Open(ctx); err != nil {
		if errors.Is(err, viewer.ErrEmptyCourse) {
			return &Result{Snapshot: session.Snapshot(), Outcomes: []Outcome{}, Records: r.client.Records()}, nil
		}
		return nil, err
	}
	if err := session.Wait(ctx); err != nil {
		return nil, err
	}

	result := &Result{Outcomes: make([]Outcome, 0, len(steps))}
	for i, step := range steps {
		advance := DefaultStepInterval
		if step.Advance > 0 {
			advance = time.Duration(step.Advance * float64(time.Second))
		}
		clk.advance(advance)

		outcome := r.apply(session, i, step)
		if err := session.Wait(ctx); err != nil {
			return nil, err
		}
		outcome.Notice = session.Notice()
		result.Outcomes = append(result.Outcomes, outcome)
	}

	result.Snapshot = session.Snapshot()
	if err := session.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to close replay session: %w", err)
	}
	result.Records = r.client.Records()
	result.Pushes = r.client.Pushes()

	r.log.Info("Replay finished", map[string]interface{}{
		"course_id":            courseID,
		"steps":                len(steps),
		"aggregate_percentage": result.Snapshot.AggregatePercentage,
		"pushes":               result.Pushes,
	})
	return result, nil
}

func (r *Runner) apply(session *viewer.Session, index int, step Step) Outcome {
	outcome := Outcome{Index: index, Action: step.Action}
	var err error

	switch step.Action {
	case ActionEvent:
		var eventType viewer.EventType
		eventType, err = viewer.ParseEventType(step.Type)
		if err == nil {
			err = session.HandlePlayerEvent(viewer.PlayerEvent{
				Type:         eventType,
				ContentID:    step.ContentID,
				CurrentTime:  step.CurrentTime,
				Duration:     step.Duration,
				PlaybackRate: step.PlaybackRate,
			})
		}
		outcome.Applied = err == nil
	case ActionSelect:
		moduleIndex := -1
		if step.ModuleIndex != nil {
			moduleIndex = *step.ModuleIndex
		} else if item, ok := session.Snapshot().Item(step.ContentID); ok {
			moduleIndex = moduleIndexOf(session.Snapshot(), item.ModuleID)
		}
		outcome.Applied, err = session.SelectContent(step.ContentID, moduleIndex)
	case ActionToggleModule:
		if step.ModuleIndex == nil {
			err = fmt.Errorf("moduleIndex is required for %s", step.Action)
			break
		}
		before, _ := session.Snapshot().Module(*step.ModuleIndex)
		_, err = session.ToggleModule(*step.ModuleIndex)
		outcome.Applied = err == nil && before.Unlocked
	case ActionComplete:
		outcome.Applied, err = session.ToggleComplete(step.ContentID)
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}

	if err != nil {
		outcome.Applied = false
		outcome.Error = err.Error()
		r.log.Warn("Replay step rejected", map[string]interface{}{
			"index":  index,
			"action": string(step.Action),
			"error":  err.Error(),
		})
	}
	return outcome
}

func moduleIndexOf(snap viewer.Snapshot, moduleID string) int {
	for _, m := range snap.Modules {
		if m.ID == moduleID {
			return m.Index
		}
	}
	return -1
}
