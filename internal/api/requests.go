package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	CourseID string `json:"courseId" validate:"required"`
}

// PlayerEventRequest is the body of POST /api/sessions/{id}/events
type PlayerEventRequest struct {
	Type         string  `json:"type" validate:"required,oneof=time_update timeupdate seeked seek rate_change ratechange ended"`
	ContentID    string  `json:"contentId"`
	CurrentTime  float64 `json:"currentTime" validate:"gte=0"`
	Duration     float64 `json:"duration" validate:"gte=0"`
	PlaybackRate float64 `json:"playbackRate" validate:"gte=0,lte=16"`
}

// SelectContentRequest is the body of POST /api/sessions/{id}/select. A
// missing module index means the module that holds the item.
type SelectContentRequest struct {
	ContentID   string `json:"contentId" validate:"required"`
	ModuleIndex *int   `json:"moduleIndex" validate:"omitempty,gte=0"`
}

// CompleteRequest is the body of POST /api/sessions/{id}/complete
type CompleteRequest struct {
	ContentID string `json:"contentId" validate:"required"`
}

// ActionResponse reports whether a learner action was applied together with
// the resulting state
type ActionResponse struct {
	Applied  bool        `json:"applied"`
	Expanded *bool       `json:"expanded,omitempty"`
	Snapshot interface{} `json:"snapshot"`
}

// decodeAndValidate reads a JSON body into dst and runs the struct validation
func (h *Handler) decodeAndValidate(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
