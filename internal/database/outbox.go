package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
)

// OwnerKey derives a stable, non-reversible owner key from a bearer token
func OwnerKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// Outbox stores undelivered progress updates per owner and course
type Outbox struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewOutbox creates an outbox on top of an open database
func NewOutbox(d *Database, log *logger.Logger) *Outbox {
	if log == nil {
		log = logger.Get()
	}
	return &Outbox{db: d.GetDB(), logger: log.Component("outbox")}
}

// SaveProgress stores a progress update, replacing an older pending update for the same item
func (o *Outbox) SaveProgress(ctx context.Context, owner string, update models.ProgressUpdate, cause error) error {
	return o.save(ctx, owner, update.CourseID, update.ContentID, OutboxKindProgress, update, cause)
}

// SaveCompletion stores an explicit completion request
func (o *Outbox) SaveCompletion(ctx context.Context, owner string, req models.CompletionRequest, cause error) error {
	return o.save(ctx, owner, req.CourseID, req.ContentID, OutboxKindCompletion, req, cause)
}

func (o *Outbox) save(ctx context.Context, owner, courseID, contentID string, kind OutboxKind, payload interface{}, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	entry := OutboxEntry{
		Owner:     owner,
		CourseID:  courseID,
		ContentID: contentID,
		Kind:      kind,
		Payload:   string(data),
		Attempts:  1,
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing OutboxEntry
		res := tx.Where("owner = ? AND course_id = ? AND content_id = ? AND kind = ?", owner, courseID, contentID, kind).
			Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
			entry.Attempts = existing.Attempts + 1
		}
		return tx.Save(&entry).Error
	})
	if err != nil {
		o.logger.Error("Failed to store outbox entry", map[string]interface{}{
			"course_id":  courseID,
			"content_id": contentID,
			"error":      err.Error(),
		})
		return fmt.Errorf("failed to store outbox entry: %w", err)
	}

	o.logger.Info("Stored undelivered update", map[string]interface{}{
		"course_id":  courseID,
		"content_id": contentID,
		"kind":       string(kind),
		"attempts":   entry.Attempts,
	})
	return nil
}

// Pending returns the entries for an owner and course, oldest first
func (o *Outbox) Pending(ctx context.Context, owner, courseID string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.db.WithContext(ctx).
		Where("owner = ? AND course_id = ?", owner, courseID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entries: %w", err)
	}
	return entries, nil
}

// Delete removes delivered entries
func (o *Outbox) Delete(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := o.db.WithContext(ctx).Delete(&OutboxEntry{}, ids).Error; err != nil {
		return fmt.Errorf("failed to delete outbox entries: %w", err)
	}
	return nil
}

// Count returns the number of stored entries
func (o *Outbox) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := o.db.WithContext(ctx).Model(&OutboxEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// DecodeProgress decodes the payload of a progress entry
func (e OutboxEntry) DecodeProgress() (models.ProgressUpdate, error) {
	var u models.ProgressUpdate
	if e.Kind != OutboxKindProgress {
		return u, fmt.Errorf("outbox entry %d is a %s entry", e.ID, e.Kind)
	}
	if err := json.Unmarshal([]byte(e.Payload), &u); err != nil {
		return u, fmt.Errorf("failed to decode outbox entry %d: %w", e.ID, err)
	}
	return u, nil
}

// DecodeCompletion decodes the payload of a completion entry
func (e OutboxEntry) DecodeCompletion() (models.CompletionRequest, error) {
	var r models.CompletionRequest
	if e.Kind != OutboxKindCompletion {
		return r, fmt.Errorf("outbox entry %d is a %s entry", e.ID, e.Kind)
	}
	if err := json.Unmarshal([]byte(e.Payload), &r); err != nil {
		return r, fmt.Errorf("failed to decode outbox entry %d: %w", e.ID, err)
	}
	return r, nil
}
