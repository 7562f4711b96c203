package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/auth"
	"github.com/drallgood/course-progress-sync/internal/events"
	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/unlock"
	"github.com/drallgood/course-progress-sync/internal/viewer"
)

// DefaultCloseTimeout bounds the final flush of DELETE /api/sessions/{id}
const DefaultCloseTimeout = 10 * time.Second

// Handler provides the HTTP handlers of the viewing sessions API
type Handler struct {
	sessions     *viewer.Manager
	bus          events.Publisher
	dashboard    *Dashboard
	validate     *validator.Validate
	closeTimeout time.Duration
	logger       *logger.Logger
}

// NewHandler creates a new API handler. dashboard may be nil.
func NewHandler(sessions *viewer.Manager, bus events.Publisher, dashboard *Dashboard, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Get()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		sessions:     sessions,
		bus:          bus,
		dashboard:    dashboard,
		validate:     validate,
		closeTimeout: DefaultCloseTimeout,
		logger:       log.Component("api"),
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeJSONResponse writes a JSON response
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode JSON response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeSuccessResponse writes a success response
func (h *Handler) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	h.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError maps domain errors to status codes
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var statusErr *courseapi.StatusError
	switch {
	case errors.Is(err, viewer.ErrSessionNotFound),
		errors.Is(err, viewer.ErrUnknownContent),
		errors.Is(err, unlock.ErrUnknownModule):
		status = http.StatusNotFound
	case errors.Is(err, viewer.ErrInvalidEvent):
		status = http.StatusBadRequest
	case errors.Is(err, viewer.ErrEmptyCourse), errors.Is(err, viewer.ErrNotOpen):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &statusErr):
		status = http.StatusBadGateway
		if statusErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
	}

	fields := map[string]interface{}{
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields)
	} else {
		h.logger.Debug("Request rejected", fields)
	}
	h.writeErrorResponse(w, status, err.Error())
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*viewer.Session, bool) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

// CreateSession handles POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.sessions.Create(r.Context(), req.CourseID, auth.TokenFromContext(r.Context()))
	if errors.Is(err, viewer.ErrEmptyCourse) && s != nil {
		h.writeSuccessResponse(w, s.Snapshot())
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    s.Snapshot(),
	})
}

// GetSession handles GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeSuccessResponse(w, s.Snapshot())
}

// PlayerEvent handles POST /api/sessions/{id}/events
func (h *Handler) PlayerEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req PlayerEventRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	eventType, err := viewer.ParseEventType(req.Type)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = s.HandlePlayerEvent(viewer.PlayerEvent{
		Type:         eventType,
		ContentID:    req.ContentID,
		CurrentTime:  req.CurrentTime,
		Duration:     req.Duration,
		PlaybackRate: req.PlaybackRate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, s.Snapshot())
}

// SelectContent handles POST /api/sessions/{id}/select
func (h *Handler) SelectContent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req SelectContentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	moduleIndex := -1
	if req.ModuleIndex != nil {
		moduleIndex = *req.ModuleIndex
	} else {
		snap := s.Snapshot()
		if item, ok := snap.Item(req.ContentID); ok {
			moduleIndex = moduleIndexOf(snap, item.ModuleID)
		}
	}

	applied, err := s.SelectContent(req.ContentID, moduleIndex)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, ActionResponse{Applied: applied, Snapshot: s.Snapshot()})
}

// ToggleModule handles POST /api/sessions/{id}/modules/{index}/toggle
func (h *Handler) ToggleModule(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "Module index must be a non-negative integer")
		return
	}

	expanded, err := s.ToggleModule(index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snap := s.Snapshot()
	applied := false
	if m, ok := snap.Module(index); ok {
		applied = m.Unlocked
	}
	h.writeSuccessResponse(w, ActionResponse{Applied: applied, Expanded: &expanded, Snapshot: snap})
}

// ToggleComplete handles POST /api/sessions/{id}/complete
func (h *Handler) ToggleComplete(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := s.ToggleComplete(req.ContentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, ActionResponse{Applied: applied, Snapshot: s.Snapshot()})
}

// CloseSession handles DELETE /api/sessions/{id}
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.closeTimeout)
	defer cancel()

	if err := h.sessions.Close(ctx, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccessResponse(w, map[string]string{"message": "Session closed"})
}

// RefreshCourse handles POST /api/courses/{courseId}/refresh
func (h *Handler) RefreshCourse(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseId")
	if courseID == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "Course ID is required")
		return
	}

	h.bus.Publish(events.TopicRefreshRequested, events.RefreshRequest{CourseID: courseID})
	h.logger.Info("Progress refresh requested", map[string]interface{}{
		"course_id": courseID,
	})
	h.writeJSONResponse(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"message": "Refresh requested"},
	})
}

// GetDashboard handles GET /api/courses/{courseId}/dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "Dashboard is disabled")
		return
	}
	summary, ok := h.dashboard.Get(r.PathValue("courseId"))
	if !ok {
		h.writeErrorResponse(w, http.StatusNotFound, "No progress reported for this course")
		return
	}
	h.writeSuccessResponse(w, summary)
}

func moduleIndexOf(snap viewer.Snapshot, moduleID string) int {
	for _, m := range snap.Modules {
		if m.ID == moduleID {
			return m.Index
		}
	}
	return -1
}
