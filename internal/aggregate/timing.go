package aggregate

import (
	"context"
	"fmt"
	"time"
)

// Meal timing covers 06:00 through 22:00 inclusive.
const (
	FirstHour = 6
	LastHour  = 22
)

// HourBucket is the calories eaten during one clock hour of the target day.
type HourBucket struct {
	Hour     int     `json:"hour"`
	Label    string  `json:"label"`
	Calories float64 `json:"calories"`
	Meals    int     `json:"meals"`
}

// MicronutrientShare is one tracked micronutrient's amount for a day and its share of the day's
// micronutrient total.
type MicronutrientShare struct {
	Name    string  `json:"name"`
	Amount  float64 `json:"amount"`
	Percent float64 `json:"percent"`
}

// HourlyCalories returns 17 buckets (06..22) for day in the engine's location. Meals outside
// that range are not counted.
func (e *Engine) HourlyCalories(ctx context.Context, ownerID string, day time.Time) ([]HourBucket, error) {
	from := e.dayStart(day)
	jobs, err := e.src.ListCompletedAnalyses(ctx, ownerID, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load analyses for %s: %w", ownerID, err)
	}

	buckets := make([]HourBucket, 0, LastHour-FirstHour+1)
	for h := FirstHour; h <= LastHour; h++ {
		buckets = append(buckets, HourBucket{Hour: h, Label: fmt.Sprintf("%02d:00", h)})
	}

	for _, job := range sortedJobs(jobs) {
		h := job.CreatedAt.In(e.loc).Hour()
		if h < FirstHour || h > LastHour {
			continue
		}
		b := &buckets[h-FirstHour]
		b.Meals++
		for _, item := range sortedItems(job.Items) {
			b.Calories += item.Calories
		}
	}
	for i := range buckets {
		buckets[i].Calories = round2(buckets[i].Calories)
	}
	return buckets, nil
}

// DailyMicronutrients returns the tracked micronutrients eaten on day, in tracking order.
func (e *Engine) DailyMicronutrients(ctx context.Context, ownerID string, day time.Time) ([]MicronutrientShare, error) {
	from := e.dayStart(day)
	jobs, err := e.src.ListCompletedAnalyses(ctx, ownerID, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load analyses for %s: %w", ownerID, err)
	}

	totals := Compute(jobs, e.loc, e.keys).Micronutrients
	var sum float64
	for _, key := range e.keys {
		sum += totals[key]
	}

	shares := make([]MicronutrientShare, 0, len(e.keys))
	for _, key := range e.keys {
		shares = append(shares, MicronutrientShare{
			Name:    key,
			Amount:  totals[key],
			Percent: percent(totals[key], sum),
		})
	}
	return shares, nil
}
