package courseapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/course-progress-sync/internal/models"
)

const recordedCourse = `{
  "data": {
    "_id": "c1",
    "name": "Recorded",
    "sections": [
      {"_id": "m1", "order": 1, "items": [
        {"_id": "v1", "kind": "video", "videoDuration": "100"},
        {"_id": "d1", "kind": "document", "fileUrl": "notes.pdf"}
      ]}
    ]
  }
}`

func TestOfflineClient(t *testing.T) {
	ctx := context.Background()
	c, err := NewOfflineClient([]byte(recordedCourse), []byte(`{"progress":[{"contentId":"d1","completed":true}]}`))
	require.NoError(t, err)
	assert.True(t, c.Authenticated())

	course, err := c.FetchCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Recorded", course.Title)
	require.Len(t, course.Modules, 1)
	assert.Len(t, course.Modules[0].Items, 2)

	_, err = c.FetchCourse(ctx, "other")
	assert.Equal(t, 404, StatusCode(err))

	records, err := c.FetchProgress(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Completed)

	modules := []models.ModuleContents{{ModuleID: "m1", ContentIDs: []string{"v1", "d1"}}}
	ids, err := c.CheckModuleCompletion(ctx, modules)
	require.NoError(t, err)
	assert.Empty(t, ids)

	rec, err := c.PushProgress(ctx, models.ProgressUpdate{ContentID: "v1", WatchedDuration: 50, TotalDuration: 100})
	require.NoError(t, err)
	assert.Equal(t, float64(50), rec.CompletionPercentage)
	assert.False(t, rec.Completed)

	rec, err = c.PushProgress(ctx, models.ProgressUpdate{ContentID: "v1", WatchedDuration: 10, TotalDuration: 100})
	require.NoError(t, err)
	assert.Equal(t, float64(50), rec.CompletionPercentage)

	require.NoError(t, c.PushCompletion(ctx, models.CompletionRequest{ContentID: "v1", ModuleID: "m1"}))
	ids, err = c.CheckModuleCompletion(ctx, modules)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)
	assert.Equal(t, 3, c.Pushes())
}

func TestNewOfflineClient_Invalid(t *testing.T) {
	_, err := NewOfflineClient([]byte(`not json`), nil)
	assert.Error(t, err)

	_, err = NewOfflineClient([]byte(recordedCourse), []byte(`[1, 2]`))
	assert.Error(t, err)
}
