package courseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drallgood/course-progress-sync/internal/cache"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/drallgood/course-progress-sync/internal/util"
)

const (
	apiPath = "/api"

	// DefaultTimeout is the HTTP timeout used when none is configured
	DefaultTimeout = 15 * time.Second
	// DefaultCacheTTL is how long a fetched course structure is reused
	DefaultCacheTTL = 5 * time.Minute
)

// Client talks to the course service REST API
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	limiter  *util.RateLimiter
	courses  cache.Cache[string, *models.Course]
	cacheTTL time.Duration
	logger   *logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimiter shares a rate limiter between clients
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(c *Client) {
		if rl != nil {
			c.limiter = rl
		}
	}
}

// WithCourseCache shares a course structure cache between clients
func WithCourseCache(cc cache.Cache[string, *models.Course], ttl time.Duration) Option {
	return func(c *Client) {
		if cc != nil {
			c.courses = cc
		}
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a new course service client
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		cacheTTL: DefaultCacheTTL,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Component("course_api_client")
	if c.limiter == nil {
		c.limiter = util.NewRateLimiter(util.DefaultRate, util.DefaultBurst, c.logger)
	}
	if c.courses == nil {
		c.courses = cache.NewMemoryCache[string, *models.Course](c.logger)
	}
	return c
}

// WithToken returns a client for another user sharing transport, limiter and cache
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = strings.TrimSpace(token)
	return &cp
}

// Authenticated reports whether a bearer token is configured
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// FetchCourse returns the normalized structure of a course
func (c *Client) FetchCourse(ctx context.Context, courseID string) (*models.Course, error) {
	if courseID == "" {
		return nil, fmt.Errorf("course ID is required")
	}
	if cached, ok := c.courses.Get(courseID); ok {
		c.logger.Debug("Course structure served from cache", map[string]interface{}{
			"course_id": courseID,
		})
		return cached, nil
	}

	endpoint := "/courses/" + url.PathEscape(courseID)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, err
	}
	course, err := NormalizeCourse(body)
	if err != nil {
		c.logger.Error("Failed to decode course", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return nil, err
	}
	if course.ID == "" {
		course.ID = courseID
	}
	c.courses.Set(courseID, course, c.cacheTTL)

	c.logger.Info("Fetched course structure", map[string]interface{}{
		"course_id": courseID,
		"modules":   len(course.Modules),
		"items":     course.ContentCount(),
	})
	return course, nil
}

// FetchProgress returns the user's progress records for a course
func (c *Client) FetchProgress(ctx context.Context, courseID string) ([]models.ProgressRecord, error) {
	if courseID == "" {
		return nil, fmt.Errorf("course ID is required")
	}
	endpoint := "/courses/" + url.PathEscape(courseID) + "/progress"
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, true)
	if err != nil {
		return nil, err
	}
	records, err := NormalizeProgress(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched progress", map[string]interface{}{
		"course_id": courseID,
		"count":     len(records),
	})
	return records, nil
}

// PushProgress sends a progress update and returns the record echoed by the service.
// When the service echoes nothing usable the returned record mirrors the update.
func (c *Client) PushProgress(ctx context.Context, update models.ProgressUpdate) (models.ProgressRecord, error) {
	body, err := c.do(ctx, http.MethodPost, "/progress", update, true)
	if err != nil {
		return models.ProgressRecord{}, err
	}
	rec, ok, err := NormalizeProgressRecord(body)
	if err != nil || !ok {
		rec = echoFromUpdate(update)
	}
	if rec.ContentID == "" {
		rec.ContentID = update.ContentID
	}
	return rec, nil
}

func echoFromUpdate(u models.ProgressUpdate) models.ProgressRecord {
	rec := models.ProgressRecord{
		ContentID:       u.ContentID,
		ModuleID:        u.ModuleID,
		ContentType:     u.ContentType,
		WatchedDuration: u.WatchedDuration,
		TotalDuration:   u.TotalDuration,
		State:           models.StateConfirmed,
	}
	if u.TotalDuration > 0 {
		rec.CompletionPercentage = clamp(u.WatchedDuration*100/u.TotalDuration, 0, 100)
	}
	if u.Completed != nil {
		rec.Completed = *u.Completed
	}
	return rec
}

// PushCompletion explicitly marks a content item complete
func (c *Client) PushCompletion(ctx context.Context, req models.CompletionRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/progress/complete", req, true)
	return err
}

// CheckModuleCompletion sends the module completion set and returns the ids of
// modules the service considers complete
func (c *Client) CheckModuleCompletion(ctx context.Context, modules []models.ModuleContents) ([]string, error) {
	payload := moduleCheckRequest{Modules: make([]moduleContentsPayload, 0, len(modules))}
	for _, m := range modules {
		ids := m.ContentIDs
		if ids == nil {
			ids = []string{}
		}
		payload.Modules = append(payload.Modules, moduleContentsPayload{ModuleID: m.ModuleID, ContentIDs: ids})
	}
	body, err := c.do(ctx, http.MethodPost, "/progress/modules/check", payload, true)
	if err != nil {
		return nil, err
	}
	return normalizeModuleIDs(body)
}

// do executes one request against the API and returns the body of a 2xx response.
// Course structures are public; progress endpoints need a token.
func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}, authRequired bool) ([]byte, error) {
	if authRequired && !c.Authenticated() {
		return nil, ErrNoCredentials
	}
	log := c.logger.WithFields(map[string]interface{}{
		"method":   method,
		"endpoint": endpoint,
	})

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath+endpoint, reqBody)
	if err != nil {
		log.Error("Failed to create request", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Error("Request failed", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("Failed to read response body", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := c.limiter.OnRateLimit(util.ParseRetryAfter(resp.Header))
		log.Warn("Rate limited by course service", map[string]interface{}{
			"hold_off": delay.String(),
		})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error("Unexpected status code", map[string]interface{}{
			"status":   resp.StatusCode,
			"response": truncate(string(body), 512),
		})
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
