package provider

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	analysisSchema = mustCompile("schemas/analysis.json")
	reportSchema   = mustCompile("schemas/report.json")
)

// ErrMalformed is returned when model output is not usable JSON of the expected shape.
var ErrMalformed = errors.New("malformed model output")

var mealTypes = map[string]string{
	"breakfast": "Breakfast",
	"lunch":     "Lunch",
	"dinner":    "Dinner",
	"snack":     "Snack",
}

func mustCompile(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	schema, err := jsonschema.NewCompiler().Compile(data)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// extractJSON strips Markdown fences and any prose around the outermost JSON object.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}
	return s[start : end+1], nil
}

// decodeValidated parses text as JSON, checks it against schema and decodes it into out.
func decodeValidated(text string, schema *jsonschema.Schema, out interface{}) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	result := schema.Validate(doc)
	if !result.IsValid() {
		var messages []string
		for field, evalErr := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", field, evalErr.Error()))
		}
		sort.Strings(messages)
		return fmt.Errorf("%w: %s", ErrMalformed, strings.Join(messages, "; "))
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ParseAnalysis normalizes a model response into an AnalysisResult.
func ParseAnalysis(text string) (*AnalysisResult, error) {
	var result AnalysisResult
	if err := decodeValidated(text, analysisSchema, &result); err != nil {
		return nil, err
	}

	result.MealType = canonicalMealType(result.MealType)
	result.BalanceScore = clamp01(result.BalanceScore)
	for i := range result.DetectedFoods {
		food := &result.DetectedFoods[i]
		food.Name = strings.TrimSpace(food.Name)
		if food.Name == "" {
			food.Name = "Unknown"
		}
		food.Confidence = clamp01(food.Confidence)
		n := &food.NutritionalInfo
		for _, v := range []*float64{&n.Calories, &n.Protein, &n.Carbs, &n.Fat, &n.Dairy, &n.Vegetable, &n.Fruit} {
			if *v < 0 {
				*v = 0
			}
		}
	}
	return &result, nil
}

// ParseReport normalizes a model response into a ReportResult.
func ParseReport(text string) (*ReportResult, error) {
	var result ReportResult
	if err := decodeValidated(text, reportSchema, &result); err != nil {
		return nil, err
	}
	result.HealthReport.Summary = strings.TrimSpace(result.HealthReport.Summary)
	return &result, nil
}

func canonicalMealType(mealType string) string {
	mt := strings.ToLower(strings.TrimSpace(mealType))
	if canonical, ok := mealTypes[mt]; ok {
		return canonical
	}
	if mt == "" {
		return "Unknown"
	}
	first, size := utf8.DecodeRuneInString(mt)
	return string(unicode.ToUpper(first)) + mt[size:]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
