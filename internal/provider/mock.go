package provider

import (
	"context"
	"time"
)

// Mock serves catalog content without calling a model. Results are always flagged as fallback.
type Mock struct {
	fallback *Fallback
	delay    time.Duration
}

// NewMock creates a Mock that waits delay before answering, to mimic provider latency.
func NewMock(fallback *Fallback, delay time.Duration) *Mock {
	return &Mock{fallback: fallback, delay: delay}
}

// Analyze implements Analyzer.
func (m *Mock) Analyze(ctx context.Context, image ImageRef) (*AnalysisResult, bool, error) {
	if err := m.wait(ctx); err != nil {
		return nil, false, err
	}
	return m.fallback.Meal(image.ID), true, nil
}

// Summarize implements Summarizer.
func (m *Mock) Summarize(ctx context.Context, _ []byte) (*ReportResult, bool, error) {
	if err := m.wait(ctx); err != nil {
		return nil, false, err
	}
	return m.fallback.Report(), true, nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
