package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cenkalti/backoff/v4"
	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/provider"
	"github.com/jimdaga/balanced-plate/internal/store"
	"github.com/jimdaga/balanced-plate/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	testRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	weekStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	weekEnd   = time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

func (r *recorder) Publish(_ context.Context, topic string, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]events.Event{}
	}
	r.events[topic] = append(r.events[topic], ev)
	return nil
}

func (r *recorder) of(topic string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events[topic]...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evs := range r.events {
		n += len(evs)
	}
	return n
}

type fakeAnalyzer struct {
	result *provider.AnalysisResult
	calls  atomic.Int32
}

func (f *fakeAnalyzer) Analyze(context.Context, provider.ImageRef) (*provider.AnalysisResult, bool, error) {
	f.calls.Add(1)
	return f.result, false, nil
}

type fakeSummarizer struct {
	mu     sync.Mutex
	failed map[string]bool
	calls  int
}

func (f *fakeSummarizer) Summarize(_ context.Context, snapshot []byte) (*provider.ReportResult, bool, error) {
	var agg aggregate.WindowAggregate
	if err := json.Unmarshal(snapshot, &agg); err != nil {
		return nil, false, err
	}

	f.mu.Lock()
	f.calls++
	fail := f.failed[agg.OwnerID]
	f.mu.Unlock()

	if fail {
		return nil, false, errors.New("transport: connection reset by peer")
	}
	return &provider.ReportResult{
		HealthReport:    models.HealthReport{Summary: "Week of " + agg.StartDate},
		PriorityActions: []string{"Eat more vegetables"},
	}, false, nil
}

func (f *fakeSummarizer) setFailing(owner string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]bool{}
	}
	f.failed[owner] = fail
}

type fakeDispatcher struct {
	mu       sync.Mutex
	analyses []string
	reports  []string
	err      error
}

func (d *fakeDispatcher) EnqueueAnalysis(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.analyses = append(d.analyses, jobID)
	return nil
}

func (d *fakeDispatcher) EnqueueReport(_ context.Context, reportID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reports = append(d.reports, reportID)
	return nil
}

// failingStore fails every CompleteAnalysis as if the database were unreachable.
type failingStore struct {
	*store.Store
	completeCalls atomic.Int32
}

func (f *failingStore) CompleteAnalysis(context.Context, string, models.AnalysisOutcome) (*models.AnalysisJob, bool, error) {
	f.completeCalls.Add(1)
	return nil, false, errors.New("storage unavailable")
}

type harness struct {
	db         *gorm.DB
	store      *store.Store
	events     *recorder
	analyzer   *fakeAnalyzer
	summarizer *fakeSummarizer
	dispatcher *fakeDispatcher
	orch       *Orchestrator
}

func lunchResult() *provider.AnalysisResult {
	return &provider.AnalysisResult{
		MealType:     "Lunch",
		BalanceScore: 0.7,
		DetectedFoods: []provider.DetectedFood{
			{Name: "Rice", Confidence: 0.9, NutritionalInfo: provider.NutritionalInfo{Calories: 200, Carbs: 44}},
			{Name: "Beans", Confidence: 0.8, NutritionalInfo: provider.NutritionalInfo{Calories: 120, Protein: 7}},
		},
	}
}

func newHarness(t *testing.T, wrap func(*store.Store) Store) *harness {
	t.Helper()
	db := storetest.Open(t)
	storetest.User(t, db, "u1")
	storetest.Image(t, db, "img1", "u1")

	h := &harness{
		db:         db,
		store:      store.New(db),
		events:     &recorder{},
		analyzer:   &fakeAnalyzer{result: lunchResult()},
		summarizer: &fakeSummarizer{},
		dispatcher: &fakeDispatcher{},
	}

	var s Store = h.store
	if wrap != nil {
		s = wrap(h.store)
	}
	h.orch = New(Deps{
		Store:      s,
		Aggregator: aggregate.NewEngine(h.store, time.UTC),
		Analyzer:   h.analyzer,
		Summarizer: h.summarizer,
		Dispatcher: h.dispatcher,
		Events:     h.events,
		Retry:      testRetry,
	})
	return h
}

func TestAnalysisCompletesAndNotifiesOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	jobID, isNew, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, []string{jobID}, h.dispatcher.analyses)

	accepted, err := h.store.GetAnalysis(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, accepted.Status)

	require.NoError(t, h.orch.RunAnalysisJob(ctx, jobID))

	job, err := h.store.GetAnalysis(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, "Lunch", job.MealType)
	assert.Equal(t, 0.7, job.BalanceScore)
	assert.False(t, job.IsFallbackData)
	assert.Len(t, job.Items, 2)

	evs := h.events.of("u1")
	require.Len(t, evs, 1)
	assert.Equal(t, events.AnalysisCompleted, evs[0].Type)
	assert.Equal(t, jobID, evs[0].Data["analysis_id"])
	assert.Equal(t, 1, h.events.total())

	// Running a terminal job again changes nothing.
	require.NoError(t, h.orch.RunAnalysisJob(ctx, jobID))
	assert.Len(t, h.events.of("u1"), 1)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
}

func TestRetriggerOfAnalyzedImageReturnsExistingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	jobID, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)
	require.NoError(t, h.orch.RunAnalysisJob(ctx, jobID))

	again, isNew, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, jobID, again)
	assert.Equal(t, []string{jobID}, h.dispatcher.analyses)
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
	assert.Len(t, h.events.of("u1"), 1)

	var rows int64
	require.NoError(t, h.db.Model(&models.AnalysisJob{}).Where("image_id = ?", "img1").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	today := time.Now().UTC()
	agg, err := aggregate.NewEngine(h.store, time.UTC).Aggregate(ctx, "u1", today.AddDate(0, 0, -1), today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, agg.MealTypes.TotalMeals)
}

func TestSecondTriggerWhileProcessingConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	first, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)

	_, _, err = h.orch.TriggerAnalysis(ctx, "img1", false)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, h.orch.RunAnalysisJob(ctx, first))

	var terminal int64
	require.NoError(t, h.db.Model(&models.AnalysisJob{}).
		Where("image_id = ? AND status IN ?", "img1", []models.JobStatus{models.StatusCompleted, models.StatusFailed}).
		Count(&terminal).Error)
	assert.Equal(t, int64(1), terminal)
}

func TestConcurrentTriggersHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	const callers = 6
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())
}

func TestTriggerUnknownImage(t *testing.T) {
	h := newHarness(t, nil)

	_, _, err := h.orch.TriggerAnalysis(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)

	err = h.orch.RunAnalysisJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type blockingGenerator struct{}

func (blockingGenerator) GenerateContent(ctx context.Context, _ ...genai.Part) (*genai.GenerateContentResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type bytesLoader struct{}

func (bytesLoader) Load(context.Context, string) ([]byte, string, error) {
	return []byte("jpeg"), "image/jpeg", nil
}

func TestProviderTimeoutCompletesWithFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.orch.analyzer = provider.NewGemini(blockingGenerator{}, bytesLoader{}, provider.MustLoadFallback(), 10*time.Millisecond, nil)

	jobID, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)
	require.NoError(t, h.orch.RunAnalysisJob(ctx, jobID))

	job, err := h.store.GetAnalysis(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.True(t, job.IsFallbackData)
	assert.NotEmpty(t, job.Items)
	require.Len(t, h.events.of("u1"), 1)
	assert.Equal(t, true, h.events.of("u1")[0].Data["is_fallback_data"])
}

func TestMockTriggerSkipsProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	jobID, _, err := h.orch.TriggerAnalysis(ctx, "img1", true)
	require.NoError(t, err)
	require.NoError(t, h.orch.RunAnalysisJob(ctx, jobID))

	job, err := h.store.GetAnalysis(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, job.IsFallbackData)
	assert.Zero(t, h.analyzer.calls.Load())
}

func TestStorageFailureIsRetriedThenTerminalized(t *testing.T) {
	ctx := context.Background()
	var fs *failingStore
	h := newHarness(t, func(s *store.Store) Store {
		fs = &failingStore{Store: s}
		return fs
	})

	jobID, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.NoError(t, err)

	err = h.orch.RunAnalysisJob(ctx, jobID)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, int32(3), fs.completeCalls.Load())

	job, err := h.store.GetAnalysis(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "storage unavailable")
	assert.Empty(t, job.Items)

	evs := h.events.of("u1")
	require.Len(t, evs, 1)
	assert.Equal(t, events.AnalysisFailed, evs[0].Type)

	image, err := h.store.GetImage(ctx, "img1")
	require.NoError(t, err)
	assert.False(t, image.CurrentlyUnderProcessing)
}

func TestRunAnalysisConflictsWithForeignFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pending := &models.AnalysisJob{ID: "job-b", OwnerID: "u1", ImageID: "img1", Status: models.StatusPending}
	require.NoError(t, h.db.Create(pending).Error)
	require.NoError(t, h.db.Model(&models.SourceImage{}).Where("id = ?", "img1").
		Updates(map[string]interface{}{"currently_under_processing": true, "processing_job_id": "job-a"}).Error)

	err := h.orch.RunAnalysisJob(ctx, "job-b")
	assert.ErrorIs(t, err, ErrConflict)

	job, err := h.store.GetAnalysis(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Zero(t, h.analyzer.calls.Load())
}

func TestPendingJobIsStartedByRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pending := &models.AnalysisJob{ID: "job-p", OwnerID: "u1", ImageID: "img1", Status: models.StatusPending}
	require.NoError(t, h.db.Create(pending).Error)

	require.NoError(t, h.orch.RunAnalysisJob(ctx, "job-p"))

	job, err := h.store.GetAnalysis(ctx, "job-p")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestDispatchFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.dispatcher.err = errors.New("redis: connection refused")

	_, _, err := h.orch.TriggerAnalysis(ctx, "img1", false)
	require.Error(t, err)

	var failed models.AnalysisJob
	require.NoError(t, h.db.First(&failed, "image_id = ?", "img1").Error)
	assert.Equal(t, models.StatusFailed, failed.Status)

	image, err := h.store.GetImage(ctx, "img1")
	require.NoError(t, err)
	assert.False(t, image.CurrentlyUnderProcessing)
}

func seedWeek(t *testing.T, db *gorm.DB, owner string) {
	t.Helper()
	storetest.CompletedAnalysis(t, db, owner, "Breakfast", 0.6, weekStart.Add(8*time.Hour),
		models.DetectedFoodItem{Name: "Oats", Carbs: 40, Protein: 8, Calories: 300})
	storetest.CompletedAnalysis(t, db, owner, "Dinner", 0.8, weekStart.AddDate(0, 0, 3).Add(19*time.Hour),
		models.DetectedFoodItem{Name: "Salmon", Protein: 30, Fat: 12, Calories: 420})
}

func TestWeeklyReportIsGeneratedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedWeek(t, h.db, "u1")

	run, err := h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.True(t, run.Started)
	assert.Equal(t, RunGenerated, run.State)
	assert.Equal(t, models.StatusCompleted, run.Job.Status)
	assert.Contains(t, run.Job.ReportText, "Week of 2024-01-01")
	assert.Equal(t, []string{"Eat more vegetables"}, run.Job.RecommendationBlocks.Data().PriorityActions)

	var snapshot aggregate.WindowAggregate
	require.NoError(t, json.Unmarshal(run.Job.InputSnapshot, &snapshot))
	assert.Equal(t, 2, snapshot.MealTypes.TotalMeals)

	again, err := h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.False(t, again.Started)
	assert.Equal(t, RunAlreadyCompleted, again.State)
	assert.Equal(t, run.Job.ID, again.Job.ID)
	assert.Equal(t, run.Job.ReportText, again.Job.ReportText)

	var rows int64
	require.NoError(t, h.db.Model(&models.WeeklyReportJob{}).Where("owner_id = ?", "u1").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	evs := h.events.of("u1")
	require.Len(t, evs, 1)
	assert.Equal(t, events.RecommendationReady, evs[0].Type)
	assert.Equal(t, 1, h.summarizer.calls)
}

func TestWeeklyReportInFlightIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	job, _, err := h.store.CreateOrGetReport(ctx, "u1", "2024-01-01", "2024-01-07")
	require.NoError(t, err)
	_, _, err = h.store.BeginReport(ctx, job.ID, []byte(`{}`))
	require.NoError(t, err)

	run, err := h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.False(t, run.Started)
	assert.Equal(t, RunInFlight, run.State)
	assert.Zero(t, h.summarizer.calls)
	assert.Zero(t, h.events.total())
}

func TestWeeklyReportPastLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedWeek(t, h.db, "u1")

	job, _, err := h.store.CreateOrGetReport(ctx, "u1", "2024-01-01", "2024-01-07")
	require.NoError(t, err)
	_, _, err = h.store.BeginReport(ctx, job.ID, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.WeeklyReportJob{}).
		Where("id = ?", job.ID).
		Update("started_at", time.Now().UTC().Add(-store.DefaultReportLease-time.Minute)).Error)

	run, err := h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.True(t, run.Started)
	assert.Equal(t, RunGenerated, run.State)
	assert.Equal(t, models.StatusCompleted, run.Job.Status)
	assert.Equal(t, 2, run.Job.Attempts)
	assert.Equal(t, 1, h.summarizer.calls)
	assert.Len(t, h.events.of("u1"), 1)
}

func TestWeeklyReportFailureIsSurfacedAndRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.summarizer.setFailing("u1", true)

	run, err := h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	assert.ErrorIs(t, err, ErrJobFailed)
	require.NotNil(t, run)
	assert.Equal(t, RunFailed, run.State)
	assert.Equal(t, models.StatusFailed, run.Job.Status)
	require.NotNil(t, run.Job.ErrorMessage)
	assert.Contains(t, *run.Job.ErrorMessage, "connection reset")
	assert.Zero(t, h.events.total())

	h.summarizer.setFailing("u1", false)
	run, err = h.orch.RunWeeklyReportJob(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.Equal(t, RunGenerated, run.State)
	assert.Equal(t, 2, run.Job.Attempts)
	assert.Nil(t, run.Job.ErrorMessage)
	assert.Len(t, h.events.of("u1"), 1)
}

func TestTriggerWeeklyReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	id, err := h.orch.TriggerWeeklyReport(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, h.dispatcher.reports)

	run, err := h.orch.GenerateReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunGenerated, run.State)

	again, err := h.orch.TriggerWeeklyReport(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, h.dispatcher.reports, 1, "completed weeks are not queued again")

	_, err = h.orch.TriggerWeeklyReport(ctx, "u1", weekEnd, weekStart)
	assert.Error(t, err)
}

func TestMarkReportRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pending, err := h.orch.TriggerWeeklyReport(ctx, "u1", weekStart, weekEnd)
	require.NoError(t, err)
	_, err = h.orch.MarkReportRead(ctx, "u1", pending)
	assert.ErrorIs(t, err, ErrNotCompleted)

	_, err = h.orch.GenerateReport(ctx, pending)
	require.NoError(t, err)

	_, err = h.orch.MarkReportRead(ctx, "someone-else", pending)
	assert.ErrorIs(t, err, ErrNotFound)

	read, err := h.orch.MarkReportRead(ctx, "u1", pending)
	require.NoError(t, err)
	assert.True(t, read.IsRead)

	_, err = h.orch.MarkReportRead(ctx, "u1", pending)
	require.NoError(t, err)

	var readEvents int
	for _, ev := range h.events.of("u1") {
		if ev.Type == events.RecommendationRead {
			readEvents++
			assert.Equal(t, pending, ev.Data["recommendation_id"])
			assert.NotNil(t, ev.Data["read_at"])
		}
	}
	assert.Equal(t, 1, readEvents)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := testRetry.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("flaky")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = testRetry.Do(ctx, func(context.Context) error {
		calls++
		return store.ErrNotFound
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, calls)

	calls = 0
	err = testRetry.Do(ctx, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	cancelled, cancel := context.WithCancel(ctx)
	calls = 0
	err = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}.Do(cancelled, func(context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryBackOffSchedule(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}.backOff()
	b.Reset()

	var waits []time.Duration
	for next := b.NextBackOff(); next != backoff.Stop; next = b.NextBackOff() {
		waits = append(waits, next)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, waits)
}
