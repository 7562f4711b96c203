package viewer

import "fmt"

// EventType is a player callback
type EventType string

const (
	EventTimeUpdate EventType = "time_update"
	EventSeeked     EventType = "seeked"
	EventRateChange EventType = "rate_change"
	EventEnded      EventType = "ended"
)

// ParseEventType accepts the event names used by HTML media elements as well
func ParseEventType(raw string) (EventType, error) {
	switch raw {
	case "time_update", "timeupdate":
		return EventTimeUpdate, nil
	case "seeked", "seek":
		return EventSeeked, nil
	case "rate_change", "ratechange":
		return EventRateChange, nil
	case "ended":
		return EventEnded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, raw)
	}
}

// PlayerEvent is one callback of the video player. ContentID defaults to the
// active item, Duration to the item's known duration.
type PlayerEvent struct {
	Type         EventType `json:"type"`
	ContentID    string    `json:"contentId,omitempty"`
	CurrentTime  float64   `json:"currentTime"`
	Duration     float64   `json:"duration,omitempty"`
	PlaybackRate float64   `json:"playbackRate,omitempty"`
}
