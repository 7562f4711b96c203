// Package unlock derives module completion and gating from item progress.
//
// Module 0 is always unlocked. Module i > 0 is unlocked iff module i-1 is
// complete, and a module is complete iff it has items and all are complete.
package unlock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
)

var (
	// ErrModuleLocked is returned when opening or selecting inside a locked module
	ErrModuleLocked = errors.New("module is locked")
	// ErrUnknownModule is returned for an out of range module index
	ErrUnknownModule = errors.New("unknown module")
)

// CompletionSource answers whether a content item is complete
type CompletionSource interface {
	IsCompleted(contentID string) bool
}

// TransitionKind names a module state change
type TransitionKind string

const (
	TransitionCompleted   TransitionKind = "completed"
	TransitionUncompleted TransitionKind = "uncompleted"
	TransitionUnlocked    TransitionKind = "unlocked"
	TransitionLocked      TransitionKind = "locked"
)

// Transition is a module state change detected by Recompute
type Transition struct {
	ModuleIndex int            `json:"moduleIndex"`
	ModuleID    string         `json:"moduleId"`
	Kind        TransitionKind `json:"kind"`
}

// Engine tracks module completion, unlock state and which modules are expanded
type Engine struct {
	mu        sync.Mutex
	modules   []models.Module
	source    CompletionSource
	index     map[string]int
	completed []bool
	expanded  []bool
	listeners []func(Transition)
	log       *logger.Logger
}

// New builds an engine over an ordered module list. The initial state does not
// produce transitions.
func New(modules []models.Module, source CompletionSource, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	e := &Engine{
		modules:   modules,
		source:    source,
		index:     make(map[string]int),
		completed: make([]bool, len(modules)),
		expanded:  make([]bool, len(modules)),
		log:       log.Component("unlock"),
	}
	for i, m := range modules {
		for _, item := range m.Items {
			e.index[item.ID] = i
		}
		e.completed[i] = e.moduleComplete(i)
	}
	return e
}

// OnTransition registers a listener for module transitions
func (e *Engine) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Len returns the number of modules
func (e *Engine) Len() int {
	return len(e.modules)
}

// Module returns the module at index i
func (e *Engine) Module(i int) (models.Module, bool) {
	if i < 0 || i >= len(e.modules) {
		return models.Module{}, false
	}
	return e.modules[i], true
}

// ModuleIndex returns the index of the module holding a content item
func (e *Engine) ModuleIndex(contentID string) (int, bool) {
	i, ok := e.index[contentID]
	return i, ok
}

// IsCompleted reports whether module i has items and all of them are complete
func (e *Engine) IsCompleted(i int) bool {
	if i < 0 || i >= len(e.modules) {
		return false
	}
	return e.moduleComplete(i)
}

// IsUnlocked reports whether module i may be opened
func (e *Engine) IsUnlocked(i int) bool {
	if i == 0 {
		return true
	}
	if i < 0 || i >= len(e.modules) {
		return false
	}
	return e.moduleComplete(i - 1)
}

// Expanded reports whether module i is open in the tree
func (e *Engine) Expanded(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.expanded) {
		return false
	}
	return e.expanded[i]
}

// Expand opens module i. Locked modules stay closed.
func (e *Engine) Expand(i int) error {
	if i < 0 || i >= len(e.modules) {
		return fmt.Errorf("%w: %d", ErrUnknownModule, i)
	}
	if !e.IsUnlocked(i) {
		return fmt.Errorf("%w: %s", ErrModuleLocked, e.modules[i].ID)
	}
	e.mu.Lock()
	e.expanded[i] = true
	e.mu.Unlock()
	return nil
}

// Toggle flips the expanded state of module i and returns the new state
func (e *Engine) Toggle(i int) (bool, error) {
	if i < 0 || i >= len(e.modules) {
		return false, fmt.Errorf("%w: %d", ErrUnknownModule, i)
	}
	if !e.IsUnlocked(i) {
		return false, fmt.Errorf("%w: %s", ErrModuleLocked, e.modules[i].ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expanded[i] = !e.expanded[i]
	return e.expanded[i], nil
}

// Recompute re-derives module completion and returns the transitions since the
// previous call. Completing module i expands module i+1; locking a module
// collapses it.
func (e *Engine) Recompute() []Transition {
	e.mu.Lock()
	var transitions []Transition
	for i := range e.modules {
		now := e.moduleComplete(i)
		if now == e.completed[i] {
			continue
		}
		e.completed[i] = now

		kind := TransitionUncompleted
		if now {
			kind = TransitionCompleted
		}
		transitions = append(transitions, Transition{ModuleIndex: i, ModuleID: e.modules[i].ID, Kind: kind})

		next := i + 1
		if next >= len(e.modules) {
			continue
		}
		if now {
			e.expanded[next] = true
			transitions = append(transitions, Transition{ModuleIndex: next, ModuleID: e.modules[next].ID, Kind: TransitionUnlocked})
		} else {
			e.expanded[next] = false
			transitions = append(transitions, Transition{ModuleIndex: next, ModuleID: e.modules[next].ID, Kind: TransitionLocked})
		}
	}
	listeners := e.listeners
	e.mu.Unlock()

	for _, t := range transitions {
		e.log.Info("Module transition", map[string]interface{}{
			"module_index": t.ModuleIndex,
			"module_id":    t.ModuleID,
			"kind":         string(t.Kind),
		})
		for _, fn := range listeners {
			fn(t)
		}
	}
	return transitions
}

// CompletionSet returns the modules with their content ids, as sent to the
// course service for a module completion check.
func (e *Engine) CompletionSet() []models.ModuleContents {
	out := make([]models.ModuleContents, 0, len(e.modules))
	for _, m := range e.modules {
		out = append(out, models.ModuleContents{ModuleID: m.ID, ContentIDs: m.ItemIDs()})
	}
	return out
}

// CompletedModuleIDs returns the ids of the modules currently complete
func (e *Engine) CompletedModuleIDs() []string {
	var ids []string
	for i, m := range e.modules {
		if e.moduleComplete(i) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (e *Engine) moduleComplete(i int) bool {
	items := e.modules[i].Items
	if len(items) == 0 || e.source == nil {
		return false
	}
	for _, item := range items {
		if !e.source.IsCompleted(item.ID) {
			return false
		}
	}
	return true
}
