// Package testutils holds test doubles shared by the package tests.
package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/drallgood/course-progress-sync/internal/api/courseapi"
	"github.com/drallgood/course-progress-sync/internal/models"
)

// MockCourseClient is a mock implementation of courseapi.ClientInterface.
// PushProgress may be stubbed with a func(models.ProgressUpdate) models.ProgressRecord
// to compute the echoed record.
type MockCourseClient struct {
	mock.Mock
}

var _ courseapi.ClientInterface = (*MockCourseClient)(nil)

// Authenticated mocks the Authenticated method
func (m *MockCourseClient) Authenticated() bool {
	args := m.Called()
	return args.Bool(0)
}

// FetchCourse mocks the FetchCourse method
func (m *MockCourseClient) FetchCourse(ctx context.Context, courseID string) (*models.Course, error) {
	args := m.Called(ctx, courseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Course), args.Error(1)
}

// FetchProgress mocks the FetchProgress method
func (m *MockCourseClient) FetchProgress(ctx context.Context, courseID string) ([]models.ProgressRecord, error) {
	args := m.Called(ctx, courseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProgressRecord), args.Error(1)
}

// PushProgress mocks the PushProgress method
func (m *MockCourseClient) PushProgress(ctx context.Context, update models.ProgressUpdate) (models.ProgressRecord, error) {
	args := m.Called(ctx, update)
	if fn, ok := args.Get(0).(func(models.ProgressUpdate) models.ProgressRecord); ok {
		return fn(update), args.Error(1)
	}
	return args.Get(0).(models.ProgressRecord), args.Error(1)
}

// PushCompletion mocks the PushCompletion method
func (m *MockCourseClient) PushCompletion(ctx context.Context, req models.CompletionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// CheckModuleCompletion mocks the CheckModuleCompletion method
func (m *MockCourseClient) CheckModuleCompletion(ctx context.Context, modules []models.ModuleContents) ([]string, error) {
	args := m.Called(ctx, modules)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// Echo answers a progress push with the record the update describes
func Echo(u models.ProgressUpdate) models.ProgressRecord {
	rec := models.ProgressRecord{
		ContentID:       u.ContentID,
		ModuleID:        u.ModuleID,
		ContentType:     u.ContentType,
		WatchedDuration: u.WatchedDuration,
		TotalDuration:   u.TotalDuration,
	}
	if u.TotalDuration > 0 {
		rec.CompletionPercentage = u.WatchedDuration * 100 / u.TotalDuration
	}
	if u.Completed != nil {
		rec.Completed = *u.Completed
	}
	return rec
}

// NewAcceptingClient returns an authenticated mock that accepts every push and
// reports no completed modules. Course and progress fetches are left to the caller.
func NewAcceptingClient() *MockCourseClient {
	m := new(MockCourseClient)
	m.On("Authenticated").Return(true).Maybe()
	m.On("PushProgress", mock.Anything, mock.Anything).Return(Echo, nil).Maybe()
	m.On("PushCompletion", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("CheckModuleCompletion", mock.Anything, mock.Anything).Return([]string{}, nil).Maybe()
	return m
}
