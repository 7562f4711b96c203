package models

import "strings"

// ContentType classifies a content item
type ContentType string

const (
	ContentTypeVideo    ContentType = "video"
	ContentTypeDocument ContentType = "document"
	ContentTypeOther    ContentType = "other"
)

// ParseContentType maps the type names used by the course service onto the three known kinds
func ParseContentType(raw string) ContentType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "video", "lecture", "lesson_video", "recording":
		return ContentTypeVideo
	case "document", "pdf", "doc", "article", "reading":
		return ContentTypeDocument
	default:
		return ContentTypeOther
	}
}

// Playable reports whether completion is derived from playback instead of a manual toggle
func (t ContentType) Playable() bool {
	return t == ContentTypeVideo
}

// ContentItem is a single learning unit inside a module
type ContentItem struct {
	ID           string      `json:"id"`
	ModuleID     string      `json:"moduleId"`
	Title        string      `json:"title"`
	Type         ContentType `json:"type"`
	Duration     float64     `json:"duration,omitempty"` // seconds, videos only
	ExternalLink string      `json:"externalLink,omitempty"`
	FileRef      string      `json:"fileRef,omitempty"`
}

// Module is an ordered group of content items
type Module struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Position int           `json:"position"`
	Items    []ContentItem `json:"items"`
}

// ItemIDs returns the content item identifiers in order
func (m Module) ItemIDs() []string {
	ids := make([]string, 0, len(m.Items))
	for _, item := range m.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// Course is the ordered module tree of a course
type Course struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Modules []Module `json:"modules"`
}

// Empty reports whether the course has nothing to show
func (c *Course) Empty() bool {
	return c == nil || c.ContentCount() == 0
}

// ContentCount returns the number of content items across all modules
func (c *Course) ContentCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, m := range c.Modules {
		n += len(m.Items)
	}
	return n
}

// FirstPlayable returns the first video of the first module, falling back to
// the first item of that module of any type.
func (c *Course) FirstPlayable() (ContentItem, bool) {
	if c == nil || len(c.Modules) == 0 {
		return ContentItem{}, false
	}
	first := c.Modules[0]
	for _, item := range first.Items {
		if item.Type.Playable() {
			return item, true
		}
	}
	if len(first.Items) > 0 {
		return first.Items[0], true
	}
	return ContentItem{}, false
}

// Item finds a content item and the index of its module
func (c *Course) Item(contentID string) (ContentItem, int, bool) {
	if c == nil {
		return ContentItem{}, -1, false
	}
	for mi, m := range c.Modules {
		for _, item := range m.Items {
			if item.ID == contentID {
				return item, mi, true
			}
		}
	}
	return ContentItem{}, -1, false
}
