package courseapi

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned when no bearer token is available. Progress
// operations treat it as a silent no-op.
var ErrNoCredentials = errors.New("no credentials for course service")

// StatusError is returned for any non-2xx response
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("course service %s: unexpected status code %d", e.Endpoint, e.StatusCode)
}

// StatusCode returns the HTTP status of a StatusError in err's chain, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
