package courseapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexString accepts JSON strings and numbers, as ids are sent either way
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat accepts JSON numbers and numeric strings
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			// unparseable values are treated as absent
			return nil
		}
		f.Value, f.Set = v, true
		return nil
	}
	if err := json.Unmarshal(data, &f.Value); err != nil {
		return err
	}
	f.Set = true
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms
type flexBool struct {
	Value bool
	Set   bool
}

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		f.Value, f.Set = true, true
	case "false", "0", "no":
		f.Value, f.Set = false, true
	}
	return nil
}

// rawCourse is the course structure in any of the shapes the service returns
type rawCourse struct {
	ID       flexString  `json:"id"`
	AltID    flexString  `json:"_id"`
	CourseID flexString  `json:"courseId"`
	Title    string      `json:"title"`
	Name     string      `json:"name"`
	Modules  []rawModule `json:"modules"`
	Sections []rawModule `json:"sections"`
	Data     *rawCourse  `json:"data"`
	Course   *rawCourse  `json:"course"`
}

type rawModule struct {
	ID       flexString   `json:"id"`
	AltID    flexString   `json:"_id"`
	ModuleID flexString   `json:"moduleId"`
	Title    string       `json:"title"`
	Name     string       `json:"name"`
	Position flexFloat    `json:"position"`
	Order    flexFloat    `json:"order"`
	Contents []rawContent `json:"contents"`
	Items    []rawContent `json:"items"`
	Lessons  []rawContent `json:"lessons"`
}

type rawContent struct {
	ID              flexString `json:"id"`
	AltID           flexString `json:"_id"`
	ContentID       flexString `json:"contentId"`
	Title           string     `json:"title"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	ContentType     string     `json:"contentType"`
	Kind            string     `json:"kind"`
	Duration        flexFloat  `json:"duration"`
	VideoDuration   flexFloat  `json:"videoDuration"`
	DurationSeconds flexFloat  `json:"durationSeconds"`
	ExternalLink    string     `json:"externalLink"`
	Link            string     `json:"link"`
	URL             string     `json:"url"`
	File            string     `json:"file"`
	FileURL         string     `json:"fileUrl"`
}

// rawProgress is one progress entry as returned by the service
type rawProgress struct {
	ContentID            flexString `json:"contentId"`
	ContentIDSnake       flexString `json:"content_id"`
	ID                   flexString `json:"id"`
	ModuleID             flexString `json:"moduleId"`
	ContentType          string     `json:"contentType"`
	Type                 string     `json:"type"`
	Completed            flexBool   `json:"completed"`
	IsCompleted          flexBool   `json:"isCompleted"`
	Watched              flexBool   `json:"watched"`
	CompletionPercentage flexFloat  `json:"completionPercentage"`
	Percentage           flexFloat  `json:"percentage"`
	Progress             flexFloat  `json:"progress"`
	LastPosition         flexFloat  `json:"lastPosition"`
	CurrentTime          flexFloat  `json:"currentTime"`
	TotalDuration        flexFloat  `json:"totalDuration"`
	Duration             flexFloat  `json:"duration"`
	WatchedDuration      flexFloat  `json:"watchedDuration"`
}

// progressEnvelope covers {"progress": ...}, {"data": ...} and {"record": ...} wrappers
type progressEnvelope struct {
	Progress json.RawMessage `json:"progress"`
	Data     json.RawMessage `json:"data"`
	Record   json.RawMessage `json:"record"`
}

type moduleCheckResponse struct {
	CompletedModuleIDs      []flexString         `json:"completedModuleIds"`
	CompletedModuleIDsSnake []flexString         `json:"completed_module_ids"`
	Data                    *moduleCheckResponse `json:"data"`
}

type moduleCheckRequest struct {
	Modules []moduleContentsPayload `json:"modules"`
}

type moduleContentsPayload struct {
	ModuleID   string   `json:"moduleId"`
	ContentIDs []string `json:"contentIds"`
}
