package courseapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", WithLogger(logger.Nop())), server
}

func TestClient_FetchCourse(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/courses/c1", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"_id":"c1","name":"Go","sections":[
			{"id":"m2","title":"Second","order":2,"items":[{"id":"v2","type":"lecture","videoDuration":"120"}]},
			{"id":"m1","title":"First","order":1,"contents":[{"id":"v1","type":"video","duration":60},{"id":"d1","type":"pdf","file":"a.pdf"}]}
		]}}`))
	})

	course, err := client.FetchCourse(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", course.ID)
	assert.Equal(t, "Go", course.Title)
	require.Len(t, course.Modules, 2)
	assert.Equal(t, "m1", course.Modules[0].ID)
	assert.Equal(t, 0, course.Modules[0].Position)
	assert.Equal(t, "m2", course.Modules[1].ID)
	assert.Equal(t, models.ContentTypeVideo, course.Modules[1].Items[0].Type)
	assert.Equal(t, 120.0, course.Modules[1].Items[0].Duration)
	assert.Equal(t, models.ContentTypeDocument, course.Modules[0].Items[1].Type)
	assert.Equal(t, "a.pdf", course.Modules[0].Items[1].FileRef)
	assert.Equal(t, "m1", course.Modules[0].Items[1].ModuleID)

	// second fetch is served from the cache
	_, err = client.FetchCourse(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_FetchProgress(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"contentId":"v1","completionPercentage":96.5,"completed":true,"lastPosition":58}]`},
		{"progress envelope", `{"progress":[{"content_id":"v1","percentage":"96.5","isCompleted":"true","currentTime":58}]}`},
		{"data envelope", `{"data":{"progress":[{"id":"v1","completionPercentage":96.5,"watched":1,"lastPosition":58}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/courses/c1/progress", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})

			records, err := client.FetchProgress(context.Background(), "c1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "v1", records[0].ContentID)
			assert.Equal(t, 96.5, records[0].CompletionPercentage)
			assert.True(t, records[0].Completed)
			assert.Equal(t, 58.0, records[0].LastPosition)
			assert.Equal(t, models.StateConfirmed, records[0].State)
		})
	}
}

func TestClient_PushProgress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/progress", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "v1", got["contentId"])
		assert.Equal(t, "c1", got["courseId"])
		assert.Equal(t, 30.0, got["watchedDuration"])
		assert.Nil(t, got["completed"])

		_, _ = w.Write([]byte(`{"progress":{"contentId":"v1","completionPercentage":50,"completed":false}}`))
	})

	rec, err := client.PushProgress(context.Background(), models.ProgressUpdate{
		CourseID:        "c1",
		ContentID:       "v1",
		ModuleID:        "m1",
		ContentType:     models.ContentTypeVideo,
		WatchedDuration: 30,
		TotalDuration:   60,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.ContentID)
	assert.Equal(t, 50.0, rec.CompletionPercentage)
	assert.False(t, rec.Completed)
}

func TestClient_PushProgress_EmptyEcho(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	done := true
	rec, err := client.PushProgress(context.Background(), models.ProgressUpdate{
		ContentID:       "v1",
		WatchedDuration: 57,
		TotalDuration:   60,
		Completed:       &done,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", rec.ContentID)
	assert.Equal(t, 95.0, rec.CompletionPercentage)
	assert.True(t, rec.Completed)
}

func TestClient_PushCompletion(t *testing.T) {
	var body []byte
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/progress/complete", r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	err := client.PushCompletion(context.Background(), models.CompletionRequest{
		CourseID: "c1", ContentID: "d1", ModuleID: "m1", ContentType: models.ContentTypeDocument,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"courseId":"c1","contentId":"d1","moduleId":"m1","contentType":"document"}`, string(body))
}

func TestClient_CheckModuleCompletion(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/progress/modules/check", r.URL.Path)
		var req moduleCheckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Modules, 2)
		assert.Equal(t, []string{}, req.Modules[1].ContentIDs)
		_, _ = w.Write([]byte(`{"completedModuleIds":["m1",2]}`))
	})

	ids, err := client.CheckModuleCompletion(context.Background(), []models.ModuleContents{
		{ModuleID: "m1", ContentIDs: []string{"v1"}},
		{ModuleID: "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "2"}, ids)
}

func TestClient_NoCredentials(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"c1","modules":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "  ", WithLogger(logger.Nop()))
	assert.False(t, client.Authenticated())

	_, err := client.PushProgress(context.Background(), models.ProgressUpdate{ContentID: "v1"})
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = client.FetchProgress(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	// course structures are readable without a token
	_, _ = client.FetchCourse(context.Background(), "c1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	authed := client.WithToken("user-token")
	assert.True(t, authed.Authenticated())
	assert.False(t, client.Authenticated())
}

func TestClient_StatusError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := client.FetchCourse(context.Background(), "c1")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Equal(t, 0, StatusCode(errors.New("other")))
}

func TestClient_RateLimitedSlowsDown(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	before := client.limiter.GetRate()

	err := client.PushCompletion(context.Background(), models.CompletionRequest{ContentID: "d1"})
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Greater(t, client.limiter.GetRate(), before)
}

func TestClient_ContextCanceled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchProgress(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}
