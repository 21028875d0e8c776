package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/models"
)

// RunState says what a weekly report run did.
type RunState string

// Run states
const (
	RunGenerated        RunState = "generated"
	RunAlreadyCompleted RunState = "already_completed"
	RunInFlight         RunState = "in_flight"
	RunFailed           RunState = "failed"
)

// ReportRun is the result of RunWeeklyReportJob. Started is false when no new generation
// was attempted because the week was completed or already in flight.
type ReportRun struct {
	Job     *models.WeeklyReportJob
	Started bool
	State   RunState
}

// TriggerWeeklyReport records the report for (ownerID, weekStart) and queues its generation.
// A completed week is returned as is without queuing anything.
func (o *Orchestrator) TriggerWeeklyReport(ctx context.Context, ownerID string, weekStart, weekEnd time.Time) (string, error) {
	job, err := o.createOrGetReport(ctx, ownerID, weekStart, weekEnd)
	if err != nil {
		return "", err
	}
	if job.Status == models.StatusCompleted || o.dispatcher == nil {
		return job.ID, nil
	}
	if err := o.dispatcher.EnqueueReport(ctx, job.ID); err != nil {
		return "", fmt.Errorf("enqueue weekly report %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// RunWeeklyReportJob generates the report for (ownerID, weekStart..weekEnd) unless that week is
// already completed or in flight. Generation failures terminalize the report as failed and are
// returned so the caller can count them; a later run may retry the week.
func (o *Orchestrator) RunWeeklyReportJob(ctx context.Context, ownerID string, weekStart, weekEnd time.Time) (*ReportRun, error) {
	job, err := o.createOrGetReport(ctx, ownerID, weekStart, weekEnd)
	if err != nil {
		return nil, err
	}
	return o.generate(ctx, job)
}

// GenerateReport runs generation for an existing report, as queued by TriggerWeeklyReport.
func (o *Orchestrator) GenerateReport(ctx context.Context, reportID string) (*ReportRun, error) {
	var job *models.WeeklyReportJob
	err := o.retry.Do(ctx, func(ctx context.Context) (err error) {
		job, err = o.store.GetReport(ctx, reportID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load weekly report %s: %w", reportID, classify(err))
	}
	return o.generate(ctx, job)
}

func (o *Orchestrator) createOrGetReport(ctx context.Context, ownerID string, weekStart, weekEnd time.Time) (*models.WeeklyReportJob, error) {
	if weekEnd.Before(weekStart) {
		return nil, fmt.Errorf("weekly report window %s..%s: end before start",
			weekStart.Format(aggregate.DateLayout), weekEnd.Format(aggregate.DateLayout))
	}

	var job *models.WeeklyReportJob
	err := o.retry.Do(ctx, func(ctx context.Context) (err error) {
		job, _, err = o.store.CreateOrGetReport(ctx, ownerID,
			weekStart.Format(aggregate.DateLayout), weekEnd.Format(aggregate.DateLayout))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create weekly report for %s: %w", ownerID, classify(err))
	}
	return job, nil
}

func (o *Orchestrator) generate(ctx context.Context, job *models.WeeklyReportJob) (*ReportRun, error) {
	// Processing reports still go through BeginReport, which takes over expired leases.
	if job.Status == models.StatusCompleted {
		run, _ := o.skip(job)
		return run, nil
	}
	previous := job.Status

	start, end, err := reportWindow(job)
	if err != nil {
		return nil, err
	}

	// Aggregate before flipping to processing so the snapshot is frozen with the transition.
	var snapshot []byte
	agg, aggErr := o.aggregator.Aggregate(ctx, job.OwnerID, start, end)
	if aggErr == nil {
		snapshot, aggErr = agg.JSON()
	}

	var begun *models.WeeklyReportJob
	var started bool
	err = o.retry.Do(ctx, func(ctx context.Context) (err error) {
		begun, started, err = o.store.BeginReport(ctx, job.ID, snapshot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("begin weekly report %s: %w", job.ID, classify(err))
	}
	job = begun
	if !started {
		if run, ok := o.skip(job); ok {
			return run, nil
		}
		return &ReportRun{Job: job, State: RunInFlight}, nil
	}
	if previous == models.StatusProcessing {
		o.logger.Warn("Reclaimed weekly report abandoned in processing",
			"report_id", job.ID,
			"user_id", job.OwnerID,
			"week_start", job.WeekStart,
		)
	}

	o.logger.Info("Weekly report generation started",
		"report_id", job.ID,
		"user_id", job.OwnerID,
		"week_start", job.WeekStart,
		"attempt", job.Attempts,
	)

	if aggErr != nil {
		return o.failReport(ctx, job, fmt.Errorf("aggregate window: %w", aggErr))
	}

	result, isFallback, err := o.summarizer.Summarize(ctx, snapshot)
	if err != nil {
		return o.failReport(ctx, job, fmt.Errorf("summarize window: %w", err))
	}
	outcome := result.Outcome(isFallback)

	var done *models.WeeklyReportJob
	var emit bool
	err = o.retry.Do(ctx, func(ctx context.Context) (err error) {
		done, emit, err = o.store.CompleteReport(ctx, job.ID, outcome)
		return err
	})
	if err != nil {
		return o.failReport(ctx, job, err)
	}

	o.logger.Info("Weekly report completed",
		"report_id", done.ID,
		"user_id", done.OwnerID,
		"week_start", done.WeekStart,
		"is_fallback_data", done.IsFallbackData,
	)
	if emit {
		o.publish(ctx, done.OwnerID, events.Report(events.RecommendationReady, done))
	}
	return &ReportRun{Job: done, Started: true, State: RunGenerated}, nil
}

// skip reports the run for a job whose state allows no new generation.
func (o *Orchestrator) skip(job *models.WeeklyReportJob) (*ReportRun, bool) {
	switch job.Status {
	case models.StatusCompleted:
		o.logger.Info("Weekly report already completed", "report_id", job.ID, "user_id", job.OwnerID)
		return &ReportRun{Job: job, State: RunAlreadyCompleted}, true
	case models.StatusProcessing:
		o.logger.Info("Weekly report already in flight, no new work started", "report_id", job.ID, "user_id", job.OwnerID)
		return &ReportRun{Job: job, State: RunInFlight}, true
	}
	return nil, false
}

func (o *Orchestrator) failReport(ctx context.Context, job *models.WeeklyReportJob, cause error) (*ReportRun, error) {
	ctx = context.WithoutCancel(ctx)

	failed := job
	err := o.retry.Do(ctx, func(ctx context.Context) (err error) {
		failed, err = o.store.FailReport(ctx, job.ID, cause.Error())
		return err
	})
	if err != nil {
		o.logger.Error("Failed to mark weekly report failed",
			"report_id", job.ID,
			"cause", cause,
			"error", err,
		)
		return &ReportRun{Job: job, Started: true, State: RunFailed}, fmt.Errorf("weekly report %s: %w", job.ID, cause)
	}

	o.logger.Error("Weekly report failed",
		"report_id", job.ID,
		"user_id", job.OwnerID,
		"error", cause,
	)
	return &ReportRun{Job: failed, Started: true, State: RunFailed},
		fmt.Errorf("weekly report %s: %w: %w", job.ID, ErrJobFailed, cause)
}

func reportWindow(job *models.WeeklyReportJob) (time.Time, time.Time, error) {
	start, err := time.Parse(aggregate.DateLayout, job.WeekStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("weekly report %s week_start: %w", job.ID, err)
	}
	end, err := time.Parse(aggregate.DateLayout, job.WeekEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("weekly report %s week_end: %w", job.ID, err)
	}
	return start, end, nil
}

// MarkReportRead marks a completed report read on behalf of ownerID and emits the read event
// on the first call only.
func (o *Orchestrator) MarkReportRead(ctx context.Context, ownerID, reportID string) (*models.WeeklyReportJob, error) {
	if _, err := o.Report(ctx, ownerID, reportID); err != nil {
		return nil, err
	}

	job, emit, err := o.store.MarkReportRead(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("mark weekly report %s read: %w", reportID, classify(err))
	}
	if emit {
		o.publish(ctx, job.OwnerID, events.Report(events.RecommendationRead, job))
	}
	return job, nil
}

// Report returns a weekly report owned by ownerID.
func (o *Orchestrator) Report(ctx context.Context, ownerID, reportID string) (*models.WeeklyReportJob, error) {
	job, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, classify(err)
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, fmt.Errorf("weekly report %s: %w", reportID, ErrNotFound)
	}
	return job, nil
}
