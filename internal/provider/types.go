// Package provider wraps the external vision and report models. Provider failures never reach
// callers: every malformed, late or failed call is replaced by flagged fallback content.
package provider

import (
	"context"
	"strings"

	"github.com/jimdaga/balanced-plate/internal/models"
)

// ImageRef locates the photo to analyze. Location is a local path or an http(s) URL.
type ImageRef struct {
	ID       string
	Location string
}

// Analyzer turns a food photo into structured nutrition data.
type Analyzer interface {
	Analyze(ctx context.Context, image ImageRef) (result *AnalysisResult, isFallback bool, err error)
}

// Summarizer turns a serialized window aggregate into a weekly report.
type Summarizer interface {
	Summarize(ctx context.Context, windowAggregate []byte) (result *ReportResult, isFallback bool, err error)
}

// Provider is a model that serves both prompts.
type Provider interface {
	Analyzer
	Summarizer
}

// NutritionalInfo holds a detected food's calories (kcal) and macro grams.
type NutritionalInfo struct {
	Calories  float64 `json:"calories" yaml:"calories"`
	Protein   float64 `json:"protein" yaml:"protein"`
	Carbs     float64 `json:"carbs" yaml:"carbs"`
	Fat       float64 `json:"fat" yaml:"fat"`
	Dairy     float64 `json:"dairy" yaml:"dairy"`
	Vegetable float64 `json:"vegetable" yaml:"vegetable"`
	Fruit     float64 `json:"fruit" yaml:"fruit"`
}

// DetectedFood is one food recognized in the photo.
type DetectedFood struct {
	Name            string                 `json:"name" yaml:"name"`
	Confidence      float64                `json:"confidence" yaml:"confidence"`
	PortionEstimate string                 `json:"portion_estimate" yaml:"portion_estimate"`
	NutritionalInfo NutritionalInfo        `json:"nutritional_info" yaml:"nutritional_info"`
	Micronutrients  map[string]interface{} `json:"micronutrients,omitempty" yaml:"micronutrients"`
	FoodGroup       string                 `json:"food_group,omitempty" yaml:"food_group"`
}

// AnalysisResult is the normalized analysis of one photo.
type AnalysisResult struct {
	DetectedFoods           []DetectedFood             `json:"detected_foods" yaml:"detected_foods"`
	MealType                string                     `json:"meal_type" yaml:"meal_type"`
	BalanceScore            float64                    `json:"balance_score" yaml:"balance_score"`
	NextMealRecommendations models.MealRecommendations `json:"next_meal_recommendations" yaml:"next_meal_recommendations"`
}

// Outcome converts the result into the rows written when its job completes.
func (r *AnalysisResult) Outcome(isFallback bool) models.AnalysisOutcome {
	items := make([]models.DetectedFoodItem, 0, len(r.DetectedFoods))
	for i, food := range r.DetectedFoods {
		micros := make(map[string]interface{}, len(food.Micronutrients))
		for k, v := range food.Micronutrients {
			micros[k] = v
		}
		items = append(items, models.DetectedFoodItem{
			Position:        i,
			Name:            food.Name,
			Confidence:      food.Confidence,
			PortionEstimate: food.PortionEstimate,
			FoodGroup:       food.FoodGroup,
			Calories:        food.NutritionalInfo.Calories,
			Protein:         food.NutritionalInfo.Protein,
			Carbs:           food.NutritionalInfo.Carbs,
			Fat:             food.NutritionalInfo.Fat,
			Dairy:           food.NutritionalInfo.Dairy,
			Vegetable:       food.NutritionalInfo.Vegetable,
			Fruit:           food.NutritionalInfo.Fruit,
			Micronutrients:  micros,
		})
	}
	return models.AnalysisOutcome{
		MealType:        r.MealType,
		BalanceScore:    r.BalanceScore,
		Recommendations: r.NextMealRecommendations,
		IsFallbackData:  isFallback,
		Items:           items,
	}
}

// ReportRecommendations are the per-topic recommendation lists of a weekly report.
type ReportRecommendations struct {
	Nutrition      []string `json:"nutrition_recommendations" yaml:"nutrition_recommendations"`
	MealTiming     []string `json:"meal_timing_recommendations" yaml:"meal_timing_recommendations"`
	Micronutrients []string `json:"micronutrient_recommendations" yaml:"micronutrient_recommendations"`
	WeeklyMealPlan []string `json:"weekly_meal_plan_suggestions" yaml:"weekly_meal_plan_suggestions"`
	Lifestyle      []string `json:"lifestyle_recommendations" yaml:"lifestyle_recommendations"`
}

// ReportResult is the normalized weekly report.
type ReportResult struct {
	HealthReport    models.HealthReport   `json:"health_report" yaml:"health_report"`
	Recommendations ReportRecommendations `json:"recommendations" yaml:"recommendations"`
	PriorityActions []string              `json:"priority_actions" yaml:"priority_actions"`
	WeeklyGoals     []string              `json:"weekly_goals" yaml:"weekly_goals"`
}

// Blocks flattens the report into its persisted recommendation sections.
func (r *ReportResult) Blocks() models.RecommendationBlocks {
	return models.RecommendationBlocks{
		Nutrition:       r.Recommendations.Nutrition,
		MealTiming:      r.Recommendations.MealTiming,
		Micronutrients:  r.Recommendations.Micronutrients,
		WeeklyMealPlan:  r.Recommendations.WeeklyMealPlan,
		Lifestyle:       r.Recommendations.Lifestyle,
		PriorityActions: r.PriorityActions,
		WeeklyGoals:     r.WeeklyGoals,
	}
}

// Text renders the report as plain text for clients that do not read the structured blocks.
func (r *ReportResult) Text() string {
	var b strings.Builder
	b.WriteString(r.HealthReport.Summary)
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		b.WriteString("\n\n")
		b.WriteString(title)
		b.WriteString(":")
		for _, line := range lines {
			b.WriteString("\n- ")
			b.WriteString(line)
		}
	}
	section("Strengths", r.HealthReport.Strengths)
	section("Areas for improvement", r.HealthReport.AreasForImprovement)
	if r.HealthReport.BalanceAssessment != "" {
		b.WriteString("\n\n")
		b.WriteString(r.HealthReport.BalanceAssessment)
	}
	section("Priority actions", r.PriorityActions)
	section("Weekly goals", r.WeeklyGoals)
	return strings.TrimSpace(b.String())
}

// Outcome converts the report into the fields written when its job completes.
func (r *ReportResult) Outcome(isFallback bool) models.ReportOutcome {
	return models.ReportOutcome{
		ReportText:     r.Text(),
		HealthReport:   r.HealthReport,
		Blocks:         r.Blocks(),
		IsFallbackData: isFallback,
	}
}
