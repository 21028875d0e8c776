// Package aggregate computes windowed nutrition summaries over completed analyses.
// Everything here is read-only; the same rows always produce the same output.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jimdaga/balanced-plate/internal/models"
)

// DateLayout is the calendar date format used for window bounds.
const DateLayout = "2006-01-02"

// FoodGroups are the macro groups whose gram sum is the percentage denominator.
var FoodGroups = []string{"protein", "carbs", "fat", "vegetable", "fruit", "dairy"}

// MealTypes are always present in a breakdown, even with zero meals.
var MealTypes = []string{"breakfast", "lunch", "dinner", "snack"}

// DefaultMicronutrients are the tracked micronutrient keys.
var DefaultMicronutrients = []string{
	"vitamin_c", "vitamin_d", "vitamin_b12", "calcium", "iron", "zinc", "magnesium", "folate",
}

var weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

// Source lists the completed analyses of one owner created in [from, to).
type Source interface {
	ListCompletedAnalyses(ctx context.Context, ownerID string, from, to time.Time) ([]models.AnalysisJob, error)
}

// WindowAggregate is the summary of one owner's window. It is never persisted except as a
// frozen report snapshot.
type WindowAggregate struct {
	OwnerID        string             `json:"owner_id"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	FoodGroups     FoodGroupBreakdown `json:"food_groups"`
	MealTypes      MealTypeBreakdown  `json:"meal_types"`
	Balance        BalanceSummary     `json:"balance"`
	Micronutrients map[string]float64 `json:"micronutrients"`
}

// FoodGroupBreakdown holds gram totals per food group and their share of the macro total.
type FoodGroupBreakdown struct {
	Totals        map[string]float64 `json:"totals"`
	Percentages   map[string]float64 `json:"percentages"`
	TotalGrams    float64            `json:"total_grams"`
	TotalCalories float64            `json:"total_calories"`
}

// MealTypeBreakdown counts meals by type.
type MealTypeBreakdown struct {
	Counts      map[string]int     `json:"counts"`
	Percentages map[string]float64 `json:"percentages"`
	TotalMeals  int                `json:"total_meals"`
}

// BalanceSummary holds mean balance scores per calendar weekday and for the whole window.
type BalanceSummary struct {
	Average float64            `json:"average"`
	Daily   map[string]float64 `json:"daily"`
	Meals   map[string]int     `json:"meals_per_day"`
}

// JSON encodes the aggregate. Map keys are sorted by encoding/json, so equal aggregates encode
// to equal bytes.
func (w *WindowAggregate) JSON() ([]byte, error) {
	return json.Marshal(w)
}

// Engine aggregates analyses read from a Source, bucketing days and hours in loc.
type Engine struct {
	src  Source
	loc  *time.Location
	keys []string
}

// NewEngine creates an Engine. A nil loc means UTC; no keys means DefaultMicronutrients.
func NewEngine(src Source, loc *time.Location, micronutrients ...string) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if len(micronutrients) == 0 {
		micronutrients = DefaultMicronutrients
	}
	return &Engine{src: src, loc: loc, keys: micronutrients}
}

// Location is the time zone used for day boundaries.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Aggregate summarizes the owner's completed analyses from the start of start's day through
// the end of end's day. An empty window yields all-zero structures.
func (e *Engine) Aggregate(ctx context.Context, ownerID string, start, end time.Time) (*WindowAggregate, error) {
	from := e.dayStart(start)
	to := e.dayStart(end).AddDate(0, 0, 1)
	if !to.After(from) {
		return nil, fmt.Errorf("aggregate window %s..%s: end before start",
			start.Format(DateLayout), end.Format(DateLayout))
	}

	jobs, err := e.src.ListCompletedAnalyses(ctx, ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load analyses for %s: %w", ownerID, err)
	}

	agg := Compute(jobs, e.loc, e.keys)
	agg.OwnerID = ownerID
	agg.StartDate = from.Format(DateLayout)
	agg.EndDate = to.AddDate(0, 0, -1).Format(DateLayout)
	return agg, nil
}

// Compute builds the aggregate of jobs. Rows are ordered by creation time and ID first so
// floating point sums do not depend on input order.
func Compute(jobs []models.AnalysisJob, loc *time.Location, micronutrients []string) *WindowAggregate {
	if loc == nil {
		loc = time.UTC
	}
	rows := sortedJobs(jobs)

	agg := &WindowAggregate{
		FoodGroups: FoodGroupBreakdown{
			Totals:      zeroFloats(FoodGroups),
			Percentages: zeroFloats(FoodGroups),
		},
		MealTypes: MealTypeBreakdown{
			Counts:      map[string]int{},
			Percentages: zeroFloats(MealTypes),
		},
		Balance: BalanceSummary{
			Daily: map[string]float64{},
			Meals: map[string]int{},
		},
		Micronutrients: zeroFloats(micronutrients),
	}
	for _, mt := range MealTypes {
		agg.MealTypes.Counts[mt] = 0
	}

	daySums := map[time.Weekday]float64{}
	dayCounts := map[time.Weekday]int{}
	var scoreSum float64

	for _, job := range rows {
		mealType := normalizeMealType(job.MealType)
		agg.MealTypes.Counts[mealType]++
		agg.MealTypes.TotalMeals++

		day := job.CreatedAt.In(loc).Weekday()
		daySums[day] += job.BalanceScore
		dayCounts[day]++
		scoreSum += job.BalanceScore

		for _, item := range sortedItems(job.Items) {
			agg.FoodGroups.Totals["protein"] += item.Protein
			agg.FoodGroups.Totals["carbs"] += item.Carbs
			agg.FoodGroups.Totals["fat"] += item.Fat
			agg.FoodGroups.Totals["vegetable"] += item.Vegetable
			agg.FoodGroups.Totals["fruit"] += item.Fruit
			agg.FoodGroups.Totals["dairy"] += item.Dairy
			agg.FoodGroups.TotalCalories += item.Calories

			for _, key := range micronutrients {
				if v, ok := toFloat(item.Micronutrients[key]); ok {
					agg.Micronutrients[key] += v
				}
			}
		}
	}

	for _, group := range FoodGroups {
		agg.FoodGroups.TotalGrams += agg.FoodGroups.Totals[group]
	}
	for _, group := range FoodGroups {
		agg.FoodGroups.Percentages[group] = percent(agg.FoodGroups.Totals[group], agg.FoodGroups.TotalGrams)
		agg.FoodGroups.Totals[group] = round2(agg.FoodGroups.Totals[group])
	}
	agg.FoodGroups.TotalGrams = round2(agg.FoodGroups.TotalGrams)
	agg.FoodGroups.TotalCalories = round2(agg.FoodGroups.TotalCalories)

	for mt, n := range agg.MealTypes.Counts {
		agg.MealTypes.Percentages[mt] = percent(float64(n), float64(agg.MealTypes.TotalMeals))
	}

	for _, wd := range weekdays {
		name := strings.ToLower(wd.String())
		agg.Balance.Daily[name] = mean(daySums[wd], dayCounts[wd])
		agg.Balance.Meals[name] = dayCounts[wd]
	}
	agg.Balance.Average = mean(scoreSum, len(rows))

	for key, v := range agg.Micronutrients {
		agg.Micronutrients[key] = round2(v)
	}

	return agg
}

// dayStart is midnight in the engine's location of t's calendar date, read in t's own location.
func (e *Engine) dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.loc)
}

func sortedJobs(jobs []models.AnalysisJob) []models.AnalysisJob {
	rows := make([]models.AnalysisJob, len(jobs))
	copy(rows, jobs)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func sortedItems(items []models.DetectedFoodItem) []models.DetectedFoodItem {
	out := make([]models.DetectedFoodItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalizeMealType(mealType string) string {
	mt := strings.ToLower(strings.TrimSpace(mealType))
	if mt == "" {
		return "unknown"
	}
	return mt
}

// toFloat accepts the numeric shapes a JSON micronutrient map can hold. Anything else,
// including NaN and infinities, is reported as not numeric.
func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func percent(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return round2(part / total * 100)
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return round2(sum / float64(n))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func zeroFloats(keys []string) map[string]float64 {
	m := make(map[string]float64, len(keys))
	for _, k := range keys {
		m[k] = 0
	}
	return m
}
