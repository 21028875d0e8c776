package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jimdaga/balanced-plate/internal/config"
	"github.com/jimdaga/balanced-plate/internal/pipeline"
)

// BatchRetryDelay is the fixed wait before a failed batch invocation runs again.
const BatchRetryDelay = time.Minute

// Pipeline is the part of the orchestrator the task handlers drive.
type Pipeline interface {
	RunAnalysisJob(ctx context.Context, jobID string) error
	GenerateReport(ctx context.Context, reportID string) (*pipeline.ReportRun, error)
}

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Run starts the Asynq worker server and blocks until shutdown signal.
// Use this for standalone worker mode.
func Run(cfg *config.Config, p Pipeline, batch *Batch, logger *slog.Logger) error {
	srv, mux, err := newServer(cfg, p, batch, logger)
	if err != nil {
		return err
	}
	return srv.Run(mux)
}

// Start starts the Asynq worker in non-blocking mode and returns a stop function.
// Use this for embedded mode so the caller can coordinate shutdown.
func Start(cfg *config.Config, p Pipeline, batch *Batch, logger *slog.Logger) (stop func(), err error) {
	srv, mux, err := newServer(cfg, p, batch, logger)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(cfg *config.Config, p Pipeline, batch *Batch, logger *slog.Logger) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     cfg.WorkerConcurrency,
			ShutdownTimeout: 30 * time.Second,
			RetryDelayFunc:  retryDelay,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	logger.Info("Worker starting", "concurrency", cfg.WorkerConcurrency, "redis", cfg.RedisURL)
	return srv, NewMux(p, batch, logger), nil
}

// NewMux routes every task type to its handler.
func NewMux(p Pipeline, batch *Batch, logger *slog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRunAnalysis, handleRunAnalysis(logger, p))
	mux.HandleFunc(TaskGenerateReport, handleGenerateReport(logger, p))
	mux.HandleFunc(TaskWeeklyReportBatch, handleWeeklyReportBatch(logger, batch))
	return mux
}

// retryDelay waits a fixed interval between batch invocations and backs off exponentially
// for everything else.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if task.Type() == TaskWeeklyReportBatch {
		return BatchRetryDelay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// final reports whether the pipeline already settled the job, so queue retries cannot help.
func final(err error) bool {
	return errors.Is(err, pipeline.ErrNotFound) ||
		errors.Is(err, pipeline.ErrConflict) ||
		errors.Is(err, pipeline.ErrJobFailed)
}

// handleRunAnalysis runs one accepted analysis job through the provider.
func handleRunAnalysis(logger *slog.Logger, p Pipeline) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload analysisPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.JobID == "" {
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		logger.Info("Processing analysis:run task", "job_id", payload.JobID)

		if err := p.RunAnalysisJob(ctx, payload.JobID); err != nil {
			if final(err) {
				return fmt.Errorf("analysis job %s: %w: %w", payload.JobID, err, asynq.SkipRetry)
			}
			return fmt.Errorf("analysis job %s: %w", payload.JobID, err)
		}
		return nil
	}
}

// handleGenerateReport generates one queued weekly report.
func handleGenerateReport(logger *slog.Logger, p Pipeline) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload reportPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.ReportID == "" {
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		logger.Info("Processing report:generate task", "report_id", payload.ReportID)

		run, err := p.GenerateReport(ctx, payload.ReportID)
		if err != nil {
			if final(err) {
				return fmt.Errorf("weekly report %s: %w: %w", payload.ReportID, err, asynq.SkipRetry)
			}
			return fmt.Errorf("weekly report %s: %w", payload.ReportID, err)
		}

		logger.Info("Weekly report task done", "report_id", payload.ReportID, "state", run.State)
		return nil
	}
}

// handleWeeklyReportBatch runs the batch for the requested week, or the previous one.
func handleWeeklyReportBatch(logger *slog.Logger, batch *Batch) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload batchPayload
		if len(task.Payload()) > 0 {
			if err := json.Unmarshal(task.Payload(), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
			}
		}

		var (
			summary *BatchSummary
			err     error
		)
		if payload.WeekStart == "" {
			summary, err = batch.Run(ctx)
		} else {
			start, perr := time.Parse(dateLayout, payload.WeekStart)
			if perr != nil {
				return fmt.Errorf("invalid week_start %q: %w", payload.WeekStart, asynq.SkipRetry)
			}
			summary, err = batch.RunWindow(ctx, start, start.AddDate(0, 0, 6))
		}
		if err != nil {
			return fmt.Errorf("weekly report batch: %w", err)
		}

		logger.Info("Weekly report batch summary",
			"week_start", summary.WeekStart,
			"week_end", summary.WeekEnd,
			"success_count", summary.SuccessCount,
			"error_count", summary.ErrorCount,
		)
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
func makeErrorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)

		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			logger.Error(
				"Task archived, no retries left",
				"task_type", task.Type(),
				"payload", string(task.Payload()),
			)
		}
	}
}
