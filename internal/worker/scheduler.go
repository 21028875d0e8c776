package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/balanced-plate/internal/config"
)

// StartScheduler creates and starts an Asynq Scheduler that enqueues the weekly report batch
// on cfg.ReportSchedule. Returns a stop function for graceful shutdown.
func StartScheduler(cfg *config.Config, logger *slog.Logger) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	location, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		logger.Warn("Invalid timezone, using UTC", "timezone", cfg.ReportTimezone, "error", err)
		location = time.UTC
	}

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: location,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	// Empty payload: the handler picks the week before the run date
	task, err := NewWeeklyBatchTask(time.Time{})
	if err != nil {
		return nil, err
	}

	entryID, err := scheduler.Register(cfg.ReportSchedule, task, asynq.Unique(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to register weekly report schedule: %w", err)
	}

	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info(
		"Scheduler started",
		"schedule", cfg.ReportSchedule,
		"timezone", cfg.ReportTimezone,
		"entry_id", entryID,
	)

	return func() { scheduler.Shutdown() }, nil
}
