package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const dateLayout = aggregate.DateLayout

// DefaultBatchConcurrency bounds how many users' reports generate at once.
const DefaultBatchConcurrency = 4

// UserSource enumerates the users that receive weekly reports.
type UserSource interface {
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// ReportRunner generates one user's report for a window.
type ReportRunner interface {
	RunWeeklyReportJob(ctx context.Context, ownerID string, weekStart, weekEnd time.Time) (*pipeline.ReportRun, error)
}

// BatchSummary is the outcome of one batch invocation.
type BatchSummary struct {
	SuccessCount int    `json:"success_count"`
	ErrorCount   int    `json:"error_count"`
	WeekStart    string `json:"week_start"`
	WeekEnd      string `json:"week_end"`
}

// Batch generates the weekly report of every active user.
type Batch struct {
	users       UserSource
	runner      ReportRunner
	loc         *time.Location
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewBatch creates a Batch. "Today" is read in loc when picking the previous week.
func NewBatch(users UserSource, runner ReportRunner, loc *time.Location, concurrency int, logger *slog.Logger) *Batch {
	if loc == nil {
		loc = time.UTC
	}
	if concurrency < 1 {
		concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		users:       users,
		runner:      runner,
		loc:         loc,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// PreviousWeek returns the Monday..Sunday week before the one containing today, as dates
// at UTC midnight.
func PreviousWeek(today time.Time) (start, end time.Time) {
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	sinceMonday := (int(day.Weekday()) + 6) % 7
	monday := day.AddDate(0, 0, -sinceMonday)
	return monday.AddDate(0, 0, -7), monday.AddDate(0, 0, -1)
}

// Run generates reports for the week before today.
func (b *Batch) Run(ctx context.Context) (*BatchSummary, error) {
	start, end := PreviousWeek(b.now().In(b.loc))
	return b.RunWindow(ctx, start, end)
}

// RunWindow generates reports for weekStart..weekEnd. Per-user failures are counted and logged
// and never abort the batch; only failing to enumerate users returns an error.
func (b *Batch) RunWindow(ctx context.Context, weekStart, weekEnd time.Time) (*BatchSummary, error) {
	summary := &BatchSummary{
		WeekStart: weekStart.Format(dateLayout),
		WeekEnd:   weekEnd.Format(dateLayout),
	}

	ids, err := b.users.ListActiveUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}

	b.logger.Info("Weekly report batch started",
		"week_start", summary.WeekStart,
		"week_end", summary.WeekEnd,
		"users", len(ids),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			run, err := b.runner.RunWeeklyReportJob(ctx, id, weekStart, weekEnd)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.ErrorCount++
				b.logger.Error("Weekly report failed for user", "user_id", id, "error", err)
				return nil
			}
			summary.SuccessCount++
			b.logger.Debug("Weekly report processed for user", "user_id", id, "state", run.State)
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Info("Weekly report batch finished",
		"week_start", summary.WeekStart,
		"success_count", summary.SuccessCount,
		"error_count", summary.ErrorCount,
	)
	return summary, nil
}
