package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeSource struct {
	jobs []models.AnalysisJob
	err  error

	from, to time.Time
}

func (f *fakeSource) ListCompletedAnalyses(_ context.Context, ownerID string, from, to time.Time) ([]models.AnalysisJob, error) {
	f.from, f.to = from, to
	if f.err != nil {
		return nil, f.err
	}
	var out []models.AnalysisJob
	for _, j := range f.jobs {
		if j.OwnerID == ownerID && !j.CreatedAt.Before(from) && j.CreatedAt.Before(to) {
			out = append(out, j)
		}
	}
	return out, nil
}

var monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func job(id, mealType string, score float64, at time.Time, items ...models.DetectedFoodItem) models.AnalysisJob {
	return models.AnalysisJob{
		ID: id, OwnerID: "u1", Status: models.StatusCompleted,
		MealType: mealType, BalanceScore: score, CreatedAt: at, Items: items,
	}
}

func weekFixture() []models.AnalysisJob {
	return []models.AnalysisJob{
		job("a", "Breakfast", 0.5, monday.Add(8*time.Hour),
			models.DetectedFoodItem{Position: 0, Protein: 10, Carbs: 30, Fat: 5, Fruit: 50, Calories: 300,
				Micronutrients: datatypes.JSONMap{"vitamin_c": 40.0, "iron": "1.5"}}),
		job("b", "Lunch", 0.7, monday.Add(13*time.Hour),
			models.DetectedFoodItem{Position: 0, Protein: 20, Carbs: 45, Fat: 10, Vegetable: 60, Calories: 520,
				Micronutrients: datatypes.JSONMap{"iron": 2.5, "calcium": "n/a"}},
			models.DetectedFoodItem{Position: 1, Dairy: 30, Calories: 90,
				Micronutrients: datatypes.JSONMap{"calcium": json.Number("120")}}),
		job("c", "Dinner", 0.9, monday.AddDate(0, 0, 2).Add(19*time.Hour),
			models.DetectedFoodItem{Position: 0, Protein: 35, Carbs: 20, Fat: 15, Vegetable: 40, Calories: 610,
				Micronutrients: datatypes.JSONMap{"zinc": nil, "folate": map[string]any{"mg": 1}}}),
	}
}

func TestAggregateEmptyWindow(t *testing.T) {
	e := NewEngine(&fakeSource{}, time.UTC)

	agg, err := e.Aggregate(context.Background(), "u1", monday, monday.AddDate(0, 0, 6))
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01", agg.StartDate)
	assert.Equal(t, "2024-01-07", agg.EndDate)
	assert.Zero(t, agg.MealTypes.TotalMeals)
	assert.Zero(t, agg.Balance.Average)
	assert.Len(t, agg.Balance.Daily, 7)
	for _, group := range FoodGroups {
		assert.Zero(t, agg.FoodGroups.Totals[group])
		assert.Zero(t, agg.FoodGroups.Percentages[group])
		assert.False(t, math.IsNaN(agg.FoodGroups.Percentages[group]))
	}
	for _, mt := range MealTypes {
		assert.Zero(t, agg.MealTypes.Percentages[mt])
	}
	assert.Len(t, agg.Micronutrients, len(DefaultMicronutrients))

	_, err = agg.JSON()
	require.NoError(t, err)
}

func TestAggregateWindowBounds(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, time.UTC)

	_, err := e.Aggregate(context.Background(), "u1", monday.Add(15*time.Hour), monday.AddDate(0, 0, 6).Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, monday, src.from)
	assert.Equal(t, monday.AddDate(0, 0, 7), src.to)

	_, err = e.Aggregate(context.Background(), "u1", monday.AddDate(0, 0, 3), monday)
	assert.Error(t, err)
}

func TestAggregateFoodGroups(t *testing.T) {
	e := NewEngine(&fakeSource{jobs: weekFixture()}, time.UTC)

	agg, err := e.Aggregate(context.Background(), "u1", monday, monday.AddDate(0, 0, 6))
	require.NoError(t, err)

	assert.Equal(t, 65.0, agg.FoodGroups.Totals["protein"])
	assert.Equal(t, 95.0, agg.FoodGroups.Totals["carbs"])
	assert.Equal(t, 30.0, agg.FoodGroups.Totals["fat"])
	assert.Equal(t, 100.0, agg.FoodGroups.Totals["vegetable"])
	assert.Equal(t, 50.0, agg.FoodGroups.Totals["fruit"])
	assert.Equal(t, 30.0, agg.FoodGroups.Totals["dairy"])
	assert.Equal(t, 370.0, agg.FoodGroups.TotalGrams)
	assert.Equal(t, 1520.0, agg.FoodGroups.TotalCalories)

	var sum float64
	for _, group := range FoodGroups {
		sum += agg.FoodGroups.Percentages[group]
	}
	assert.InDelta(t, 100, sum, 0.05)
}

func TestAggregateMealTypesAndBalance(t *testing.T) {
	e := NewEngine(&fakeSource{jobs: weekFixture()}, time.UTC)

	agg, err := e.Aggregate(context.Background(), "u1", monday, monday.AddDate(0, 0, 6))
	require.NoError(t, err)

	assert.Equal(t, 3, agg.MealTypes.TotalMeals)
	assert.Equal(t, 1, agg.MealTypes.Counts["lunch"])
	assert.Equal(t, 0, agg.MealTypes.Counts["snack"])
	assert.Equal(t, 33.33, agg.MealTypes.Percentages["breakfast"])
	assert.Zero(t, agg.MealTypes.Percentages["snack"])

	assert.Equal(t, 0.6, agg.Balance.Daily["monday"])
	assert.Equal(t, 0.9, agg.Balance.Daily["wednesday"])
	assert.Zero(t, agg.Balance.Daily["sunday"])
	assert.Equal(t, 2, agg.Balance.Meals["monday"])
	assert.Equal(t, 0.7, agg.Balance.Average)
}

func TestAggregateSkipsMalformedMicronutrients(t *testing.T) {
	e := NewEngine(&fakeSource{jobs: weekFixture()}, time.UTC)

	agg, err := e.Aggregate(context.Background(), "u1", monday, monday.AddDate(0, 0, 6))
	require.NoError(t, err)

	assert.Equal(t, 40.0, agg.Micronutrients["vitamin_c"])
	assert.Equal(t, 4.0, agg.Micronutrients["iron"])
	assert.Equal(t, 120.0, agg.Micronutrients["calcium"])
	assert.Zero(t, agg.Micronutrients["zinc"])
	assert.Zero(t, agg.Micronutrients["folate"])
}

func TestAggregateIsDeterministic(t *testing.T) {
	jobs := weekFixture()
	reversed := make([]models.AnalysisJob, len(jobs))
	for i := range jobs {
		reversed[len(jobs)-1-i] = jobs[i]
	}

	a, err := Compute(jobs, time.UTC, DefaultMicronutrients).JSON()
	require.NoError(t, err)
	b, err := Compute(reversed, time.UTC, DefaultMicronutrients).JSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAggregateSourceError(t *testing.T) {
	e := NewEngine(&fakeSource{err: errors.New("connection refused")}, time.UTC)

	_, err := e.Aggregate(context.Background(), "u1", monday, monday)
	assert.ErrorContains(t, err, "connection refused")
}

func TestHourlyCalories(t *testing.T) {
	jobs := append(weekFixture(),
		job("late", "Snack", 0.2, monday.Add(23*time.Hour+30*time.Minute),
			models.DetectedFoodItem{Calories: 400}),
		job("early", "Snack", 0.2, monday.Add(5*time.Hour),
			models.DetectedFoodItem{Calories: 100}),
	)
	e := NewEngine(&fakeSource{jobs: jobs}, time.UTC)

	buckets, err := e.HourlyCalories(context.Background(), "u1", monday.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 17)
	assert.Equal(t, "06:00", buckets[0].Label)
	assert.Equal(t, 22, buckets[16].Hour)

	var total float64
	for _, b := range buckets {
		total += b.Calories
	}
	assert.Equal(t, 910.0, total)
	assert.Equal(t, 300.0, buckets[8-FirstHour].Calories)
	assert.Equal(t, 610.0, buckets[13-FirstHour].Calories)
	assert.Equal(t, 1, buckets[13-FirstHour].Meals)
}

func TestHourlyCaloriesUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	// 13:00 UTC is 08:00 at UTC-5
	e := NewEngine(&fakeSource{jobs: weekFixture()[1:2]}, loc)

	buckets, err := e.HourlyCalories(context.Background(), "u1", monday.In(loc).Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 610.0, buckets[8-FirstHour].Calories)
}

func TestDailyMicronutrients(t *testing.T) {
	e := NewEngine(&fakeSource{jobs: weekFixture()}, time.UTC)

	shares, err := e.DailyMicronutrients(context.Background(), "u1", monday)
	require.NoError(t, err)
	require.Len(t, shares, len(DefaultMicronutrients))
	assert.Equal(t, "vitamin_c", shares[0].Name)

	var total float64
	for _, s := range shares {
		total += s.Percent
	}
	assert.InDelta(t, 100, total, 0.05)

	empty, err := NewEngine(&fakeSource{}, time.UTC).DailyMicronutrients(context.Background(), "u1", monday)
	require.NoError(t, err)
	for _, s := range empty {
		assert.Zero(t, s.Percent)
	}
}
