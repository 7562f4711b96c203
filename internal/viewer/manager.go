package viewer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/database"
	"github.com/drallgood/course-progress-sync/internal/logger"
)

// ErrSessionNotFound is returned for unknown or closed session ids
var ErrSessionNotFound = errors.New("session not found")

// ClientFactory returns a course service client acting for the given bearer token
type ClientFactory func(token string) courseapi.ClientInterface

// Manager keeps the open sessions of the process
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	newClient ClientFactory
	template  Options
	log       *logger.Logger
}

// NewManager creates a session registry. template holds the options shared by
// every session; CourseID, Client and Owner are set per session.
func NewManager(newClient ClientFactory, template Options, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	if template.Logger == nil {
		template.Logger = log
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		newClient: newClient,
		template:  template,
		log:       log.Component("session_manager"),
	}
}

// Create opens a session for courseID on behalf of the token holder. An empty
// course returns the unregistered session together with ErrEmptyCourse so
// callers can render the empty state.
func (m *Manager) Create(ctx context.Context, courseID, token string) (*Session, error) {
	if courseID == "" {
		return nil, fmt.Errorf("course ID is required")
	}
	opts := m.template
	opts.CourseID = courseID
	opts.Client = m.newClient(token)
	if token != "" {
		opts.Owner = database.OwnerKey(token)
	}

	s := NewSession(uuid.NewString(), opts)
	if err := s.Open(ctx); err != nil {
		if errors.Is(err, ErrEmptyCourse) {
			return s, err
		}
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info("Session created", map[string]interface{}{
		"session_id":    s.ID(),
		"course_id":     courseID,
		"authenticated": token != "",
	})
	return s, nil
}

// Get returns an open session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close flushes and removes a session
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Close(ctx)
}

// CloseAll closes every session, used on shutdown
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.log.Warn("Failed to close session", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
		}
	}
}

// IDs returns the ids of the open sessions, sorted
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
