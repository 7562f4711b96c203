package testutils

import "github.com/drallgood/course-progress-sync/internal/models"

// TwoModuleCourse returns a course with two modules:
//
//	m1: v1 (video, 100s), d1 (document)
//	m2: v2 (video, 60s)
func TwoModuleCourse() *models.Course {
	return &models.Course{
		ID:    "c1",
		Title: "Go in Practice",
		Modules: []models.Module{
			{
				ID:       "m1",
				Title:    "Basics",
				Position: 0,
				Items: []models.ContentItem{
					{ID: "v1", ModuleID: "m1", Title: "Intro", Type: models.ContentTypeVideo, Duration: 100},
					{ID: "d1", ModuleID: "m1", Title: "Notes", Type: models.ContentTypeDocument, FileRef: "notes.pdf"},
				},
			},
			{
				ID:       "m2",
				Title:    "Concurrency",
				Position: 1,
				Items: []models.ContentItem{
					{ID: "v2", ModuleID: "m2", Title: "Goroutines", Type: models.ContentTypeVideo, Duration: 60},
				},
			},
		},
	}
}
