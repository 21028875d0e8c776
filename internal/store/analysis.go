package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AcquireImage marks the image as under processing and creates its analysis job, already in
// processing, inside one transaction. A second caller loses the conditional flag update and
// gets ErrImageBusy. An image that already has a completed analysis is not analyzed again:
// that job is returned unchanged with created false.
func (s *Store) AcquireImage(ctx context.Context, imageID string, useMock bool) (job *models.AnalysisJob, created bool, err error) {
	if err := models.AnalysisLifecycle.Check(models.StatusPending, models.StatusProcessing); err != nil {
		return nil, false, err
	}

	var existingID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var image models.SourceImage
		if err := tx.First(&image, "id = ?", imageID).Error; err != nil {
			return notFound(err, "image", imageID)
		}

		var done models.AnalysisJob
		res := tx.Where("image_id = ? AND status = ?", imageID, models.StatusCompleted).
			Order("completed_at DESC").
			Limit(1).
			Find(&done)
		if res.Error != nil {
			return fmt.Errorf("look up completed analysis for image %s: %w", imageID, res.Error)
		}
		if res.RowsAffected == 1 {
			existingID = done.ID
			return nil
		}

		jobID := uuid.NewString()
		if err := acquire(tx, imageID, jobID); err != nil {
			return err
		}

		now := s.now()
		job = &models.AnalysisJob{
			ID:            jobID,
			OwnerID:       image.OwnerID,
			ImageID:       imageID,
			Status:        models.StatusProcessing,
			RequestedMock: useMock,
			StartedAt:     &now,
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create analysis job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if existingID != "" {
		job, err = s.GetAnalysis(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return job, false, nil
	}
	return job, true, nil
}

// StartAnalysis moves a pending job to processing, taking the image flag on its behalf.
// Jobs already processing and holding the flag are returned unchanged.
func (s *Store) StartAnalysis(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.AnalysisJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "analysis job", jobID)
		}

		switch job.Status {
		case models.StatusProcessing:
			return nil
		case models.StatusPending:
		default:
			return models.AnalysisLifecycle.Check(job.Status, models.StatusProcessing)
		}

		if err := acquire(tx, job.ImageID, job.ID); err != nil {
			return err
		}

		res := tx.Model(&models.AnalysisJob{}).
			Where("id = ? AND status = ?", jobID, models.StatusPending).
			Updates(map[string]interface{}{
				"status":     models.StatusProcessing,
				"started_at": s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("start analysis job %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("analysis job %s changed concurrently: %w", jobID, models.ErrIllegalTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAnalysis(ctx, jobID)
}

// acquire flips the image's in-flight flag for jobID. Re-acquiring for the job that already
// holds the flag succeeds.
func acquire(tx *gorm.DB, imageID, jobID string) error {
	res := tx.Model(&models.SourceImage{}).
		Where("id = ? AND (currently_under_processing = ? OR processing_job_id = ?)", imageID, false, jobID).
		Updates(map[string]interface{}{
			"currently_under_processing": true,
			"processing_job_id":          jobID,
		})
	if res.Error != nil {
		return fmt.Errorf("acquire image %s: %w", imageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("image %s: %w", imageID, ErrImageBusy)
	}
	return nil
}

// release clears the image flag if jobID still holds it.
func release(tx *gorm.DB, imageID, jobID string) error {
	err := tx.Model(&models.SourceImage{}).
		Where("id = ? AND processing_job_id = ?", imageID, jobID).
		Updates(map[string]interface{}{
			"currently_under_processing": false,
			"processing_job_id":          nil,
		}).Error
	if err != nil {
		return fmt.Errorf("release image %s: %w", imageID, err)
	}
	return nil
}

// GetAnalysis loads a job together with its detected items in position order.
func (s *Store) GetAnalysis(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&job, "id = ?", jobID).Error
	if err != nil {
		return nil, notFound(err, "analysis job", jobID)
	}
	return &job, nil
}

// CompleteAnalysis replaces the job's items and flips processing -> completed together with
// event_sent in one transaction. emit is true for exactly one caller per job; a job already
// completed is returned with emit false.
func (s *Store) CompleteAnalysis(ctx context.Context, jobID string, outcome models.AnalysisOutcome) (job *models.AnalysisJob, emit bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.AnalysisJob
		if err := tx.First(&current, "id = ?", jobID).Error; err != nil {
			return notFound(err, "analysis job", jobID)
		}
		if current.Status == models.StatusCompleted {
			return nil
		}
		if err := models.AnalysisLifecycle.Check(current.Status, models.StatusCompleted); err != nil {
			return err
		}

		if err := tx.Where("analysis_id = ?", jobID).Delete(&models.DetectedFoodItem{}).Error; err != nil {
			return fmt.Errorf("delete previous items: %w", err)
		}
		if len(outcome.Items) > 0 {
			items := make([]models.DetectedFoodItem, len(outcome.Items))
			for i, item := range outcome.Items {
				item.ID = 0
				item.AnalysisID = jobID
				item.Position = i
				items[i] = item
			}
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("insert detected items: %w", err)
			}
		}

		now := s.now()
		res := tx.Model(&models.AnalysisJob{}).
			Where("id = ? AND status = ?", jobID, models.StatusProcessing).
			Updates(map[string]interface{}{
				"status":           models.StatusCompleted,
				"meal_type":        outcome.MealType,
				"balance_score":    outcome.BalanceScore,
				"recommendations":  datatypes.NewJSONType(outcome.Recommendations),
				"is_fallback_data": outcome.IsFallbackData,
				"error_message":    nil,
				"event_sent":       true,
				"event_sent_at":    now,
				"completed_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("complete analysis job %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("analysis job %s changed concurrently: %w", jobID, models.ErrIllegalTransition)
		}
		emit = true

		return release(tx, current.ImageID, jobID)
	})
	if err != nil {
		return nil, false, err
	}

	job, err = s.GetAnalysis(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, emit, nil
}

// FailAnalysis flips processing -> failed, recording message and leaving result fields as they
// were. emit follows the same once-only rule as CompleteAnalysis.
func (s *Store) FailAnalysis(ctx context.Context, jobID, message string) (job *models.AnalysisJob, emit bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.AnalysisJob
		if err := tx.First(&current, "id = ?", jobID).Error; err != nil {
			return notFound(err, "analysis job", jobID)
		}
		if current.Status.Terminal() {
			return nil
		}
		if err := models.AnalysisLifecycle.Check(current.Status, models.StatusFailed); err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&models.AnalysisJob{}).
			Where("id = ? AND status = ?", jobID, models.StatusProcessing).
			Updates(map[string]interface{}{
				"status":        models.StatusFailed,
				"error_message": message,
				"event_sent":    true,
				"event_sent_at": now,
				"completed_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("fail analysis job %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("analysis job %s changed concurrently: %w", jobID, models.ErrIllegalTransition)
		}
		emit = true

		return release(tx, current.ImageID, jobID)
	})
	if err != nil {
		return nil, false, err
	}

	job, err = s.GetAnalysis(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, emit, nil
}

// ListCompletedAnalyses returns the owner's completed jobs created in [from, to), with items,
// in creation order.
func (s *Store) ListCompletedAnalyses(ctx context.Context, ownerID string, from, to time.Time) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("owner_id = ? AND status = ? AND created_at >= ? AND created_at < ?",
			ownerID, models.StatusCompleted, from.UTC(), to.UTC()).
		Order("created_at, id").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list completed analyses for %s: %w", ownerID, err)
	}
	return jobs, nil
}

// IsImageBusy reports whether err means the image already has an analysis in flight, either
// through the flag or the partial unique index.
func IsImageBusy(err error) bool {
	return errors.Is(err, ErrImageBusy) || errors.Is(err, gorm.ErrDuplicatedKey)
}
