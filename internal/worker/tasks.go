package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type constants
const (
	TaskRunAnalysis       = "analysis:run"
	TaskGenerateReport    = "report:generate"
	TaskWeeklyReportBatch = "report:weekly_batch"
)

type analysisPayload struct {
	JobID string `json:"job_id"`
}

type reportPayload struct {
	ReportID string `json:"report_id"`
}

type batchPayload struct {
	WeekStart string `json:"week_start,omitempty"`
}

// Dispatcher enqueues pipeline jobs for the worker server.
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher connects an asynq client to redisURL.
func NewDispatcher(redisURL string) (*Dispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Dispatcher{client: asynq.NewClient(opt)}, nil
}

// Close closes the client connection gracefully.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}

// EnqueueAnalysis queues the run of an accepted analysis job. A job is queued at most once;
// enqueuing the same job again is not an error.
func (d *Dispatcher) EnqueueAnalysis(ctx context.Context, jobID string) error {
	task, err := NewAnalysisTask(jobID)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// EnqueueReport queues generation of a weekly report.
func (d *Dispatcher) EnqueueReport(ctx context.Context, reportID string) error {
	task, err := NewReportTask(reportID)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// EnqueueWeeklyBatch queues a batch run for the week starting weekStart, or for the previous
// week when weekStart is zero.
func (d *Dispatcher) EnqueueWeeklyBatch(ctx context.Context, weekStart time.Time) error {
	task, err := NewWeeklyBatchTask(weekStart)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task) error {
	_, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// NewAnalysisTask builds the task that runs one analysis job. The job ID doubles as the task
// ID so a job never sits in the queue twice.
func NewAnalysisTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(analysisPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskRunAnalysis,
		payload,
		asynq.TaskID(TaskRunAnalysis+":"+jobID),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}

// NewReportTask builds the task that generates one weekly report.
func NewReportTask(reportID string) (*asynq.Task, error) {
	payload, err := json.Marshal(reportPayload{ReportID: reportID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskGenerateReport,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}

// NewWeeklyBatchTask builds the batch task. An empty payload means "the previous week".
func NewWeeklyBatchTask(weekStart time.Time) (*asynq.Task, error) {
	var p batchPayload
	if !weekStart.IsZero() {
		p.WeekStart = weekStart.Format(dateLayout)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskWeeklyReportBatch,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}
