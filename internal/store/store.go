// Package store persists source images, analysis jobs and weekly report jobs.
// Every status change and its companion sent-flag are written by a single conditional
// UPDATE, so concurrent workers cannot both observe a transition as theirs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a referenced image, job or user does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrImageBusy is returned when an image already has an analysis in flight.
	ErrImageBusy = errors.New("image is already under processing")

	// ErrNotCompleted is returned when a report is marked read before it completed.
	ErrNotCompleted = errors.New("report is not completed")
)

// DefaultReportLease is how long a report may stay in processing before another run treats
// its worker as dead and takes it over.
const DefaultReportLease = 15 * time.Minute

// Store is the gorm-backed job store.
type Store struct {
	db          *gorm.DB
	now         func() time.Time
	reportLease time.Duration
}

// New creates a Store over an already migrated database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		reportLease: DefaultReportLease,
	}
}

// WithReportLease sets the processing lease for weekly reports. Non-positive values keep
// the current lease.
func (s *Store) WithReportLease(d time.Duration) *Store {
	if d > 0 {
		s.reportLease = d
	}
	return s
}

// WithClock replaces the store's time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = func() time.Time { return now().UTC() }
	return s
}

// CreateUser inserts a user, assigning an ID when missing.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ListActiveUserIDs returns the IDs of every active user, ordered for stable batch runs.
func (s *Store) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("is_active = ?", true).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return ids, nil
}

// CreateImage registers a stored photo for an owner.
func (s *Store) CreateImage(ctx context.Context, image *models.SourceImage) error {
	if image.ID == "" {
		image.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

// GetImage loads an image by ID.
func (s *Store) GetImage(ctx context.Context, imageID string) (*models.SourceImage, error) {
	var image models.SourceImage
	if err := s.db.WithContext(ctx).First(&image, "id = ?", imageID).Error; err != nil {
		return nil, notFound(err, "image", imageID)
	}
	return &image, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
