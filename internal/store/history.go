package store

import (
	"context"
	"fmt"

	"github.com/jimdaga/balanced-plate/internal/models"
	"gorm.io/gorm"
)

// ListAnalyses returns one page of the owner's analysis jobs, newest first, with items, and
// the owner's total job count.
func (s *Store) ListAnalyses(ctx context.Context, ownerID string, limit, offset int) ([]models.AnalysisJob, int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.AnalysisJob{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count analyses for %s: %w", ownerID, err)
	}

	var jobs []models.AnalysisJob
	err := db.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses for %s: %w", ownerID, err)
	}
	return jobs, total, nil
}

// ListReports returns one page of the owner's weekly reports, latest week first, and the
// owner's total report count.
func (s *Store) ListReports(ctx context.Context, ownerID string, limit, offset int) ([]models.WeeklyReportJob, int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.WeeklyReportJob{}).Where("owner_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count weekly reports for %s: %w", ownerID, err)
	}

	var jobs []models.WeeklyReportJob
	err := db.
		Where("owner_id = ?", ownerID).
		Order("week_start DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list weekly reports for %s: %w", ownerID, err)
	}
	return jobs, total, nil
}
