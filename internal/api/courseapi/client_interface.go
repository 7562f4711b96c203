package courseapi

import (
	"context"

	"github.com/drallgood/course-progress-sync/internal/models"
)

// ClientInterface is the remote contract consumed by the progress engine.
// It allows the viewer and sync packages to be tested with mocks.
type ClientInterface interface {
	// Authenticated reports whether a credential is available
	Authenticated() bool
	FetchCourse(ctx context.Context, courseID string) (*models.Course, error)
	FetchProgress(ctx context.Context, courseID string) ([]models.ProgressRecord, error)
	PushProgress(ctx context.Context, update models.ProgressUpdate) (models.ProgressRecord, error)
	PushCompletion(ctx context.Context, req models.CompletionRequest) error
	CheckModuleCompletion(ctx context.Context, modules []models.ModuleContents) ([]string, error)
}

var _ ClientInterface = (*Client)(nil)
