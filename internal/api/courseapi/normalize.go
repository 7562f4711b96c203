package courseapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/drallgood/course-progress-sync/internal/models"
)

func firstString(values ...flexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func firstText(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...flexFloat) (float64, bool) {
	for _, v := range values {
		if v.Set {
			return v.Value, true
		}
	}
	return 0, false
}

func firstBool(values ...flexBool) (bool, bool) {
	for _, v := range values {
		if v.Set {
			return v.Value, true
		}
	}
	return false, false
}

// NormalizeCourse decodes a course structure in any supported shape into the internal model.
// Modules are ordered by position (or order) when the service provides one.
func NormalizeCourse(data []byte) (*models.Course, error) {
	var raw rawCourse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode course: %w", err)
	}
	for raw.Data != nil || raw.Course != nil {
		if raw.Data != nil {
			raw = *raw.Data
		} else {
			raw = *raw.Course
		}
	}

	rawModules := raw.Modules
	if len(rawModules) == 0 {
		rawModules = raw.Sections
	}

	type indexed struct {
		mod   rawModule
		index int
		pos   float64
	}
	ordered := make([]indexed, len(rawModules))
	for i, m := range rawModules {
		pos, ok := firstFloat(m.Position, m.Order)
		if !ok {
			pos = float64(i)
		}
		ordered[i] = indexed{mod: m, index: i, pos: pos}
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].pos < ordered[b].pos
	})

	course := &models.Course{
		ID:      firstString(raw.ID, raw.AltID, raw.CourseID),
		Title:   firstText(raw.Title, raw.Name),
		Modules: make([]models.Module, 0, len(ordered)),
	}
	for i, o := range ordered {
		course.Modules = append(course.Modules, normalizeModule(o.mod, i))
	}
	return course, nil
}

func normalizeModule(raw rawModule, position int) models.Module {
	id := firstString(raw.ID, raw.AltID, raw.ModuleID)
	if id == "" {
		id = fmt.Sprintf("module-%d", position)
	}
	contents := raw.Contents
	if len(contents) == 0 {
		contents = raw.Items
	}
	if len(contents) == 0 {
		contents = raw.Lessons
	}

	mod := models.Module{
		ID:       id,
		Title:    firstText(raw.Title, raw.Name),
		Position: position,
		Items:    make([]models.ContentItem, 0, len(contents)),
	}
	for _, c := range contents {
		item := models.ContentItem{
			ID:           firstString(c.ID, c.AltID, c.ContentID),
			ModuleID:     id,
			Title:        firstText(c.Title, c.Name),
			Type:         models.ParseContentType(firstText(c.Type, c.ContentType, c.Kind)),
			ExternalLink: firstText(c.ExternalLink, c.Link, c.URL),
			FileRef:      firstText(c.File, c.FileURL),
		}
		if item.ID == "" {
			continue
		}
		if d, ok := firstFloat(c.Duration, c.VideoDuration, c.DurationSeconds); ok && d > 0 {
			item.Duration = d
		}
		mod.Items = append(mod.Items, item)
	}
	return mod
}

// NormalizeProgress decodes a progress list. The list may be bare or wrapped in
// a "progress" or "data" field.
func NormalizeProgress(data []byte) ([]models.ProgressRecord, error) {
	list, err := unwrapList(data)
	if err != nil {
		return nil, err
	}
	var raws []rawProgress
	if err := json.Unmarshal(list, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	records := make([]models.ProgressRecord, 0, len(raws))
	for _, r := range raws {
		rec, ok := normalizeProgressEntry(r)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// NormalizeProgressRecord decodes a single echoed progress record
func NormalizeProgressRecord(data []byte) (models.ProgressRecord, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return models.ProgressRecord{}, false, nil
	}
	var env progressEnvelope
	if err := json.Unmarshal(data, &env); err == nil {
		for _, inner := range []json.RawMessage{env.Progress, env.Record, env.Data} {
			if len(inner) > 0 && inner[0] == '{' {
				data = inner
				break
			}
		}
	}
	var raw rawProgress
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.ProgressRecord{}, false, fmt.Errorf("failed to decode progress record: %w", err)
	}
	rec, ok := normalizeProgressEntry(raw)
	return rec, ok, nil
}

func unwrapList(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return []byte("[]"), nil
	}
	if data[0] == '[' {
		return data, nil
	}
	var env progressEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	for _, inner := range []json.RawMessage{env.Progress, env.Data} {
		inner = bytes.TrimSpace(inner)
		if len(inner) == 0 {
			continue
		}
		if inner[0] == '[' {
			return inner, nil
		}
		if inner[0] == '{' {
			return unwrapList(inner)
		}
	}
	return []byte("[]"), nil
}

func normalizeProgressEntry(r rawProgress) (models.ProgressRecord, bool) {
	id := firstString(r.ContentID, r.ContentIDSnake, r.ID)
	if id == "" {
		return models.ProgressRecord{}, false
	}
	rec := models.ProgressRecord{
		ContentID: id,
		ModuleID:  string(r.ModuleID),
		State:     models.StateConfirmed,
	}
	if t := firstText(r.ContentType, r.Type); t != "" {
		rec.ContentType = models.ParseContentType(t)
	}
	if pct, ok := firstFloat(r.CompletionPercentage, r.Percentage, r.Progress); ok {
		if pct > 0 && pct <= 1 && !r.CompletionPercentage.Set && !r.Percentage.Set {
			// fractional "progress" values
			pct *= 100
		}
		rec.CompletionPercentage = clamp(pct, 0, 100)
	}
	if done, ok := firstBool(r.Completed, r.IsCompleted, r.Watched); ok {
		rec.Completed = done
	}
	if pos, ok := firstFloat(r.LastPosition, r.CurrentTime); ok && pos > 0 {
		rec.LastPosition = pos
	}
	if total, ok := firstFloat(r.TotalDuration, r.Duration); ok && total > 0 {
		rec.TotalDuration = total
	}
	if watched, ok := firstFloat(r.WatchedDuration); ok && watched > 0 {
		rec.WatchedDuration = watched
	}
	return rec, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeModuleIDs(data []byte) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var resp moduleCheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode module completion: %w", err)
	}
	for resp.Data != nil {
		resp = *resp.Data
	}
	raw := resp.CompletedModuleIDs
	if len(raw) == 0 {
		raw = resp.CompletedModuleIDsSnake
	}
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if id != "" {
			ids = append(ids, string(id))
		}
	}
	return ids, nil
}
