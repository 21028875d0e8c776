package pipeline

import (
	"context"
	"errors"

	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/store"
)

var (
	// ErrNotFound is returned when a job, image or report does not exist. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a resource already has work in flight. Never retried.
	ErrConflict = errors.New("conflict")

	// ErrJobFailed is returned after a job has been terminalized as failed.
	ErrJobFailed = errors.New("job failed")

	// ErrNotCompleted is returned when a report is marked read before it completed.
	ErrNotCompleted = errors.New("report not completed")
)

// classify maps store errors onto the pipeline's taxonomy, keeping the original in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	case store.IsImageBusy(err):
		return errors.Join(ErrConflict, err)
	case errors.Is(err, store.ErrNotCompleted):
		return errors.Join(ErrNotCompleted, err)
	}
	return err
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrNotFound) ||
		store.IsImageBusy(err) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, models.ErrIllegalTransition) ||
		errors.Is(err, store.ErrNotCompleted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
