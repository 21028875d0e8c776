package provider

import (
	"bytes"
	_ "embed"
	"fmt"
	"hash/fnv"

	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var fallbackYAML []byte

// Fallback serves deterministic substitute content. The same image always maps to the same meal.
type Fallback struct {
	Meals        []AnalysisResult `yaml:"meals"`
	WeeklyReport ReportResult     `yaml:"weekly_report"`
}

// LoadFallback decodes the embedded catalog. Unknown keys are rejected.
func LoadFallback() (*Fallback, error) {
	return ParseFallback(fallbackYAML)
}

// ParseFallback decodes a catalog in the embedded format.
func ParseFallback(data []byte) (*Fallback, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fb Fallback
	if err := dec.Decode(&fb); err != nil {
		return nil, fmt.Errorf("failed to parse fallback catalog: %w", err)
	}
	if len(fb.Meals) == 0 {
		return nil, fmt.Errorf("fallback catalog has no meals")
	}
	if fb.WeeklyReport.HealthReport.Summary == "" {
		return nil, fmt.Errorf("fallback catalog has no weekly report")
	}
	return &fb, nil
}

// MustLoadFallback is LoadFallback for program start-up.
func MustLoadFallback() *Fallback {
	fb, err := LoadFallback()
	if err != nil {
		panic(err)
	}
	return fb
}

// Meal returns the fallback analysis for an image.
func (f *Fallback) Meal(imageID string) *AnalysisResult {
	h := fnv.New32a()
	_, _ = h.Write([]byte(imageID))
	meal := f.Meals[int(h.Sum32()%uint32(len(f.Meals)))]
	return cloneAnalysis(&meal)
}

// Report returns the fallback weekly report.
func (f *Fallback) Report() *ReportResult {
	r := f.WeeklyReport
	r.HealthReport.Strengths = cloneStrings(r.HealthReport.Strengths)
	r.HealthReport.AreasForImprovement = cloneStrings(r.HealthReport.AreasForImprovement)
	r.Recommendations.Nutrition = cloneStrings(r.Recommendations.Nutrition)
	r.Recommendations.MealTiming = cloneStrings(r.Recommendations.MealTiming)
	r.Recommendations.Micronutrients = cloneStrings(r.Recommendations.Micronutrients)
	r.Recommendations.WeeklyMealPlan = cloneStrings(r.Recommendations.WeeklyMealPlan)
	r.Recommendations.Lifestyle = cloneStrings(r.Recommendations.Lifestyle)
	r.PriorityActions = cloneStrings(r.PriorityActions)
	r.WeeklyGoals = cloneStrings(r.WeeklyGoals)
	return &r
}

func cloneAnalysis(r *AnalysisResult) *AnalysisResult {
	out := *r
	out.DetectedFoods = make([]DetectedFood, len(r.DetectedFoods))
	for i, food := range r.DetectedFoods {
		food.Micronutrients = cloneMap(food.Micronutrients)
		out.DetectedFoods[i] = food
	}
	out.NextMealRecommendations.Nutritional = cloneStrings(r.NextMealRecommendations.Nutritional)
	out.NextMealRecommendations.BalanceImprovements = cloneStrings(r.NextMealRecommendations.BalanceImprovements)
	out.NextMealRecommendations.Timing = cloneStrings(r.NextMealRecommendations.Timing)
	return &out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
