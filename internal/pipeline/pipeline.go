// Package pipeline drives analysis and weekly report jobs through their lifecycles.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/provider"
)

// Store is the persistence the orchestrator needs. *store.Store implements it.
type Store interface {
	GetImage(ctx context.Context, imageID string) (*models.SourceImage, error)
	AcquireImage(ctx context.Context, imageID string, useMock bool) (*models.AnalysisJob, bool, error)
	StartAnalysis(ctx context.Context, jobID string) (*models.AnalysisJob, error)
	GetAnalysis(ctx context.Context, jobID string) (*models.AnalysisJob, error)
	CompleteAnalysis(ctx context.Context, jobID string, outcome models.AnalysisOutcome) (*models.AnalysisJob, bool, error)
	FailAnalysis(ctx context.Context, jobID, message string) (*models.AnalysisJob, bool, error)

	CreateOrGetReport(ctx context.Context, ownerID, weekStart, weekEnd string) (*models.WeeklyReportJob, bool, error)
	GetReport(ctx context.Context, reportID string) (*models.WeeklyReportJob, error)
	BeginReport(ctx context.Context, reportID string, snapshot []byte) (*models.WeeklyReportJob, bool, error)
	CompleteReport(ctx context.Context, reportID string, outcome models.ReportOutcome) (*models.WeeklyReportJob, bool, error)
	FailReport(ctx context.Context, reportID, message string) (*models.WeeklyReportJob, error)
	MarkReportRead(ctx context.Context, reportID string) (*models.WeeklyReportJob, bool, error)
}

// Aggregator produces the window summary a weekly report is generated from.
type Aggregator interface {
	Aggregate(ctx context.Context, ownerID string, start, end time.Time) (*aggregate.WindowAggregate, error)
}

// Dispatcher hands accepted jobs to the worker pool.
type Dispatcher interface {
	EnqueueAnalysis(ctx context.Context, jobID string) error
	EnqueueReport(ctx context.Context, reportID string) error
}

// Deps are the collaborators of an Orchestrator. Dispatcher may be nil, in which case
// triggers only record the job and callers run it themselves.
type Deps struct {
	Store      Store
	Aggregator Aggregator
	Analyzer   provider.Analyzer
	Summarizer provider.Summarizer
	Fallback   *provider.Fallback
	Dispatcher Dispatcher
	Events     events.Publisher
	Retry      RetryPolicy
	Logger     *slog.Logger
}

// Orchestrator owns every job state transition.
type Orchestrator struct {
	store      Store
	aggregator Aggregator
	analyzer   provider.Analyzer
	summarizer provider.Summarizer
	fallback   *provider.Fallback
	dispatcher Dispatcher
	events     events.Publisher
	retry      RetryPolicy
	logger     *slog.Logger
}

// New creates an Orchestrator. A zero Retry uses DefaultRetry.
func New(d Deps) *Orchestrator {
	if d.Retry.MaxAttempts == 0 {
		d.Retry = DefaultRetry
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Fallback == nil {
		d.Fallback = provider.MustLoadFallback()
	}
	return &Orchestrator{
		store:      d.Store,
		aggregator: d.Aggregator,
		analyzer:   d.Analyzer,
		summarizer: d.Summarizer,
		fallback:   d.Fallback,
		dispatcher: d.Dispatcher,
		events:     d.Events,
		retry:      d.Retry,
		logger:     d.Logger,
	}
}

// publish delivers an event best-effort. Clients re-fetch state on reconnect, so a lost
// event is logged and never fails the job.
func (o *Orchestrator) publish(ctx context.Context, topic string, ev events.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), topic, ev); err != nil {
		o.logger.Error("Failed to publish event",
			"topic", topic,
			"event_type", ev.Type,
			"error", err,
		)
	}
}
