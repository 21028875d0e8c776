package models

import (
	"errors"
	"fmt"
)

// JobStatus is the lifecycle state shared by analysis and weekly report jobs
type JobStatus string

// Job status constants
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ErrIllegalTransition is returned when a status change is not allowed by a job's lifecycle.
var ErrIllegalTransition = errors.New("illegal status transition")

// Terminal reports whether no further automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Lifecycle is the transition table of one job kind.
type Lifecycle struct {
	name  string
	edges map[JobStatus][]JobStatus
}

// AnalysisLifecycle: pending -> processing -> {completed | failed}. Terminal states never move.
var AnalysisLifecycle = Lifecycle{
	name: "analysis",
	edges: map[JobStatus][]JobStatus{
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusCompleted, StatusFailed},
	},
}

// ReportLifecycle matches AnalysisLifecycle, except that a failed week may be picked up
// again by a later scheduler run. Completed reports never regenerate.
var ReportLifecycle = Lifecycle{
	name: "weekly report",
	edges: map[JobStatus][]JobStatus{
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusFailed:     {StatusProcessing},
	},
}

// Allows reports whether from -> to is an edge of the lifecycle.
func (l Lifecycle) Allows(from, to JobStatus) bool {
	for _, next := range l.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns ErrIllegalTransition (wrapped with context) when from -> to is not allowed.
func (l Lifecycle) Check(from, to JobStatus) error {
	if !l.Allows(from, to) {
		return fmt.Errorf("%s job %s -> %s: %w", l.name, from, to, ErrIllegalTransition)
	}
	return nil
}
