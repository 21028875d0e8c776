package pipeline

import (
	"context"
	"fmt"

	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/provider"
)

// TriggerAnalysis accepts an analysis of imageID. The job is created already in processing
// and the image flagged, so a concurrent trigger for the same image gets ErrConflict.
// With useMock the provider is skipped and fallback data is recorded. An image that was
// already analyzed yields its completed job with accepted false and nothing is dispatched.
func (o *Orchestrator) TriggerAnalysis(ctx context.Context, imageID string, useMock bool) (jobID string, accepted bool, err error) {
	job, created, err := o.store.AcquireImage(ctx, imageID, useMock)
	if err != nil {
		return "", false, fmt.Errorf("trigger analysis of image %s: %w", imageID, classify(err))
	}
	if !created {
		o.logger.Info("Image already analyzed, returning existing job",
			"job_id", job.ID,
			"image_id", imageID,
			"user_id", job.OwnerID,
		)
		return job.ID, false, nil
	}

	o.logger.Info("Analysis job accepted",
		"job_id", job.ID,
		"image_id", imageID,
		"user_id", job.OwnerID,
		"use_mock", useMock,
	)

	if o.dispatcher == nil {
		return job.ID, true, nil
	}
	if err := o.dispatcher.EnqueueAnalysis(ctx, job.ID); err != nil {
		o.failAnalysis(ctx, job.ID, fmt.Errorf("dispatch: %w", err))
		return "", false, fmt.Errorf("enqueue analysis job %s: %w", job.ID, err)
	}
	return job.ID, true, nil
}

// RunAnalysisJob executes a pending or processing job. Provider trouble is absorbed as
// fallback data; storage failures are retried and then terminalize the job as failed.
// A job already terminal is left untouched.
func (o *Orchestrator) RunAnalysisJob(ctx context.Context, jobID string) error {
	var job *models.AnalysisJob
	err := o.retry.Do(ctx, func(ctx context.Context) (err error) {
		job, err = o.store.GetAnalysis(ctx, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load analysis job %s: %w", jobID, classify(err))
	}

	if job.Status.Terminal() {
		o.logger.Info("Analysis job already terminal, skipping", "job_id", jobID, "status", job.Status)
		return nil
	}

	var image *models.SourceImage
	err = o.retry.Do(ctx, func(ctx context.Context) (err error) {
		image, err = o.store.GetImage(ctx, job.ImageID)
		return err
	})
	if err != nil {
		return o.failAnalysis(ctx, jobID, fmt.Errorf("load image %s: %w", job.ImageID, classify(err)))
	}

	if image.CurrentlyUnderProcessing && (image.ProcessingJobID == nil || *image.ProcessingJobID != job.ID) {
		return fmt.Errorf("image %s is under processing by another job: %w", image.ID, ErrConflict)
	}

	if job.Status == models.StatusPending {
		err = o.retry.Do(ctx, func(ctx context.Context) (err error) {
			job, err = o.store.StartAnalysis(ctx, jobID)
			return err
		})
		if err != nil {
			return fmt.Errorf("start analysis job %s: %w", jobID, classify(err))
		}
	}

	result, isFallback, err := o.analyze(ctx, job, image)
	if err != nil {
		// Only cancellation gets here; the job keeps its flag and resumes on the next run.
		return fmt.Errorf("analyze image %s: %w", image.ID, err)
	}
	outcome := result.Outcome(isFallback)

	var done *models.AnalysisJob
	var emit bool
	err = o.retry.Do(ctx, func(ctx context.Context) (err error) {
		done, emit, err = o.store.CompleteAnalysis(ctx, jobID, outcome)
		return err
	})
	if err != nil {
		return o.failAnalysis(ctx, jobID, err)
	}

	o.logger.Info("Analysis job completed",
		"job_id", jobID,
		"user_id", done.OwnerID,
		"items", len(done.Items),
		"is_fallback_data", done.IsFallbackData,
	)
	if emit {
		o.publish(ctx, done.OwnerID, events.Analysis(done))
	}
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, job *models.AnalysisJob, image *models.SourceImage) (*provider.AnalysisResult, bool, error) {
	if job.RequestedMock || o.analyzer == nil {
		return o.fallback.Meal(image.ID), true, nil
	}
	return o.analyzer.Analyze(ctx, provider.ImageRef{ID: image.ID, Location: image.StorageRef})
}

// failAnalysis terminalizes the job with cause and emits the failed event once.
func (o *Orchestrator) failAnalysis(ctx context.Context, jobID string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var failed *models.AnalysisJob
	var emit bool
	err := o.retry.Do(ctx, func(ctx context.Context) (err error) {
		failed, emit, err = o.store.FailAnalysis(ctx, jobID, cause.Error())
		return err
	})
	if err != nil {
		o.logger.Error("Failed to mark analysis job failed",
			"job_id", jobID,
			"cause", cause,
			"error", err,
		)
		return fmt.Errorf("analysis job %s: %w", jobID, cause)
	}

	o.logger.Error("Analysis job failed",
		"job_id", jobID,
		"user_id", failed.OwnerID,
		"error", cause,
	)
	if emit {
		o.publish(ctx, failed.OwnerID, events.Analysis(failed))
	}
	return fmt.Errorf("analysis job %s: %w: %w", jobID, ErrJobFailed, cause)
}

// Analysis returns a job owned by ownerID.
func (o *Orchestrator) Analysis(ctx context.Context, ownerID, jobID string) (*models.AnalysisJob, error) {
	job, err := o.store.GetAnalysis(ctx, jobID)
	if err != nil {
		return nil, classify(err)
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, fmt.Errorf("analysis job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}
