package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateOrGetReport returns the report row for (owner, weekStart), inserting a pending one when
// none exists. created is false when the row was already there, including when a concurrent
// caller won the insert.
func (s *Store) CreateOrGetReport(ctx context.Context, ownerID, weekStart, weekEnd string) (job *models.WeeklyReportJob, created bool, err error) {
	candidate := models.WeeklyReportJob{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		WeekStart: weekStart,
		WeekEnd:   weekEnd,
		Status:    models.StatusPending,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "week_start"}},
			DoNothing: true,
		}).
		Create(&candidate)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create weekly report %s/%s: %w", ownerID, weekStart, res.Error)
	}

	job, err = s.FindReport(ctx, ownerID, weekStart)
	if err != nil {
		return nil, false, err
	}
	return job, res.RowsAffected == 1 && job.ID == candidate.ID, nil
}

// FindReport loads the report for (owner, weekStart).
func (s *Store) FindReport(ctx context.Context, ownerID, weekStart string) (*models.WeeklyReportJob, error) {
	var job models.WeeklyReportJob
	err := s.db.WithContext(ctx).
		First(&job, "owner_id = ? AND week_start = ?", ownerID, weekStart).Error
	if err != nil {
		return nil, notFound(err, "weekly report", ownerID+"/"+weekStart)
	}
	return &job, nil
}

// GetReport loads a report by ID.
func (s *Store) GetReport(ctx context.Context, reportID string) (*models.WeeklyReportJob, error) {
	var job models.WeeklyReportJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", reportID).Error; err != nil {
		return nil, notFound(err, "weekly report", reportID)
	}
	return &job, nil
}

// BeginReport freezes snapshot into the report and moves it to processing. started is false
// when the report's current state does not allow that (completed, or processing within its
// lease); the report is returned as found. A report left in processing past the lease is
// taken over and restarted.
func (s *Store) BeginReport(ctx context.Context, reportID string, snapshot []byte) (job *models.WeeklyReportJob, started bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.WeeklyReportJob
		if err := tx.First(&current, "id = ?", reportID).Error; err != nil {
			return notFound(err, "weekly report", reportID)
		}

		now := s.now()
		cutoff := now.Add(-s.reportLease)
		reclaim := current.Status == models.StatusProcessing &&
			current.StartedAt != nil && current.StartedAt.Before(cutoff)
		if !reclaim && !models.ReportLifecycle.Allows(current.Status, models.StatusProcessing) {
			return nil
		}

		q := tx.Model(&models.WeeklyReportJob{}).
			Where("id = ? AND status = ?", reportID, current.Status)
		if reclaim {
			q = q.Where("started_at < ?", cutoff)
		}
		res := q.Updates(map[string]interface{}{
			"status":         models.StatusProcessing,
			"input_snapshot": datatypes.JSON(snapshot),
			"error_message":  nil,
			"attempts":       gorm.Expr("attempts + 1"),
			"started_at":     now,
		})
		if res.Error != nil {
			return fmt.Errorf("begin weekly report %s: %w", reportID, res.Error)
		}
		started = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	job, err = s.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}
	return job, started, nil
}

// CompleteReport writes the generated report and flips processing -> completed. emit is true
// only for the transition that first stamps notification_sent.
func (s *Store) CompleteReport(ctx context.Context, reportID string, outcome models.ReportOutcome) (job *models.WeeklyReportJob, emit bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.WeeklyReportJob
		if err := tx.First(&current, "id = ?", reportID).Error; err != nil {
			return notFound(err, "weekly report", reportID)
		}
		if current.Status == models.StatusCompleted {
			return nil
		}
		if err := models.ReportLifecycle.Check(current.Status, models.StatusCompleted); err != nil {
			return err
		}

		now := s.now()
		updates := map[string]interface{}{
			"status":                models.StatusCompleted,
			"report_text":           outcome.ReportText,
			"health_report":         datatypes.NewJSONType(outcome.HealthReport),
			"recommendation_blocks": datatypes.NewJSONType(outcome.Blocks),
			"is_fallback_data":      outcome.IsFallbackData,
			"error_message":         nil,
			"completed_at":          now,
		}
		if !current.NotificationSent {
			updates["notification_sent"] = true
			updates["notification_sent_at"] = now
		}

		res := tx.Model(&models.WeeklyReportJob{}).
			Where("id = ? AND status = ?", reportID, models.StatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("complete weekly report %s: %w", reportID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("weekly report %s changed concurrently: %w", reportID, models.ErrIllegalTransition)
		}
		emit = !current.NotificationSent

		return tx.Model(&models.User{}).
			Where("id = ?", current.OwnerID).
			Update("last_report_at", now).Error
	})
	if err != nil {
		return nil, false, err
	}

	job, err = s.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}
	return job, emit, nil
}

// FailReport flips processing -> failed with message. A report already terminal is returned
// unchanged.
func (s *Store) FailReport(ctx context.Context, reportID, message string) (*models.WeeklyReportJob, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.WeeklyReportJob
		if err := tx.First(&current, "id = ?", reportID).Error; err != nil {
			return notFound(err, "weekly report", reportID)
		}
		if current.Status.Terminal() {
			return nil
		}
		if err := models.ReportLifecycle.Check(current.Status, models.StatusFailed); err != nil {
			return err
		}

		res := tx.Model(&models.WeeklyReportJob{}).
			Where("id = ? AND status = ?", reportID, models.StatusProcessing).
			Updates(map[string]interface{}{
				"status":        models.StatusFailed,
				"error_message": message,
				"completed_at":  s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("fail weekly report %s: %w", reportID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("weekly report %s changed concurrently: %w", reportID, models.ErrIllegalTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReport(ctx, reportID)
}

// MarkReportRead sets is_read/read_at on a completed report. emit is true only for the call
// that performed the flip.
func (s *Store) MarkReportRead(ctx context.Context, reportID string) (job *models.WeeklyReportJob, emit bool, err error) {
	current, err := s.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}
	if current.Status != models.StatusCompleted {
		return nil, false, fmt.Errorf("weekly report %s is %s: %w", reportID, current.Status, ErrNotCompleted)
	}

	res := s.db.WithContext(ctx).
		Model(&models.WeeklyReportJob{}).
		Where("id = ? AND status = ? AND is_read = ?", reportID, models.StatusCompleted, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": s.now(),
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("mark weekly report %s read: %w", reportID, res.Error)
	}

	job, err = s.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}
	return job, res.RowsAffected == 1, nil
}
