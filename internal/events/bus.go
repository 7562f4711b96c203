// Package events is the publish/subscribe boundary between the progress engine
// and sibling views such as dashboards.
package events

import (
	"sort"
	"sync"

	"github.com/drallgood/course-progress-sync/internal/models"
)

// Topic names a stream of notifications
type Topic string

const (
	// TopicProgressChanged carries models.ProgressChanged
	TopicProgressChanged Topic = "progress.changed"
	// TopicRefreshRequested carries a RefreshRequest
	TopicRefreshRequested Topic = "progress.refresh"
)

// RefreshRequest asks sessions of a course to re-pull progress. An empty
// CourseID addresses every course.
type RefreshRequest struct {
	CourseID string `json:"courseId"`
}

// Handler receives the payload published on a topic
type Handler func(payload interface{})

// Publisher publishes notifications
type Publisher interface {
	Publish(topic Topic, payload interface{})
}

// Subscriber registers handlers. The returned function removes the handler.
type Subscriber interface {
	Subscribe(topic Topic, h Handler) (unsubscribe func())
}

// Bus is an in-process Publisher and Subscriber. Handlers run synchronously on
// the publishing goroutine, outside the bus lock.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Topic]map[int]Handler
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic]map[int]Handler)}
}

// Subscribe registers h for topic
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every handler of topic in subscription order
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[topic]))
	for id := range b.handlers[topic] {
		ids = append(ids, id)
	}
	handlers := make(map[int]Handler, len(ids))
	for _, id := range ids {
		handlers[id] = b.handlers[topic][id]
	}
	b.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		handlers[id](payload)
	}
}

// PublishProgressChanged is a typed helper for TopicProgressChanged
func PublishProgressChanged(p Publisher, ev models.ProgressChanged) {
	if p == nil {
		return
	}
	p.Publish(TopicProgressChanged, ev)
}
