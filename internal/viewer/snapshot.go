package viewer

import (
	"github.com/drallgood/course-progress-sync/internal/models"
	psync "github.com/drallgood/course-progress-sync/internal/sync"
)

// Snapshot is the render state of a session
type Snapshot struct {
	SessionID           string       `json:"sessionId"`
	CourseID            string       `json:"courseId"`
	Title               string       `json:"title"`
	Empty               bool         `json:"empty"`
	Modules             []ModuleView `json:"modules"`
	ActiveContentID     string       `json:"activeContentId,omitempty"`
	ActiveModuleIndex   int          `json:"activeModuleIndex"`
	AggregatePercentage float64      `json:"aggregatePercentage"`
	PlaybackRate        float64      `json:"playbackRate"`
	SyncStatus          psync.Status `json:"syncStatus"`
	Notice              *Notice      `json:"notice,omitempty"`
}

// ModuleView is one module in the course tree
type ModuleView struct {
	Index     int        `json:"index"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Unlocked  bool       `json:"unlocked"`
	Completed bool       `json:"completed"`
	Expanded  bool       `json:"expanded"`
	Items     []ItemView `json:"items"`
}

// ItemView is a content item with its progress
type ItemView struct {
	models.ContentItem
	Completed            bool               `json:"completed"`
	CompletionPercentage float64            `json:"completionPercentage"`
	LastPosition         float64            `json:"lastPosition"`
	State                models.RecordState `json:"state,omitempty"`
	Active               bool               `json:"active"`
}

// Module returns the view of module i
func (s Snapshot) Module(i int) (ModuleView, bool) {
	if i < 0 || i >= len(s.Modules) {
		return ModuleView{}, false
	}
	return s.Modules[i], true
}

// Item finds an item view by content id
func (s Snapshot) Item(contentID string) (ItemView, bool) {
	for _, m := range s.Modules {
		for _, item := range m.Items {
			if item.ID == contentID {
				return item, true
			}
		}
	}
	return ItemView{}, false
}
