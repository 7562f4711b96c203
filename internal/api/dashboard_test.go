package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
)

func TestDashboard_Record(t *testing.T) {
	d := NewDashboard(time.Hour, logger.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Record(models.ProgressChanged{CourseID: "c1", ContentID: "v1", Completed: true, AggregatePercentage: 50})
	d.Record(models.ProgressChanged{CourseID: "c1", ContentID: "v1", Completed: false, AggregatePercentage: 0})
	d.Record(models.ProgressChanged{ContentID: "ignored"})

	got, ok := d.Get("c1")
	require.True(t, ok)
	assert.Equal(t, CourseSummary{
		CourseID:         "c1",
		LastContentID:    "v1",
		CompletedChanges: 1,
		UpdatedAt:        now,
	}, got)

	_, ok = d.Get("")
	assert.False(t, ok)
}

func TestDashboard_Subscribe(t *testing.T) {
	d := NewDashboard(0, logger.Nop())
	bus := events.NewBus()
	unsubscribe := d.Subscribe(bus)

	bus.Publish(events.TopicProgressChanged, &models.ProgressChanged{CourseID: "c1", Completed: true, AggregatePercentage: 100})
	bus.Publish(events.TopicProgressChanged, "not a progress event")

	got, ok := d.Get("c1")
	require.True(t, ok)
	assert.Equal(t, float64(100), got.AggregatePercentage)

	unsubscribe()
	bus.Publish(events.TopicProgressChanged, models.ProgressChanged{CourseID: "c2"})
	_, ok = d.Get("c2")
	assert.False(t, ok)
}

func TestDashboard_Expiry(t *testing.T) {
	d := NewDashboard(20*time.Millisecond, logger.Nop())
	d.Record(models.ProgressChanged{CourseID: "c1"})
	_, ok := d.Get("c1")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := d.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
