package provider

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lunchJSON = `{
  "detected_foods": [
    {"name": "Rice", "confidence": 0.9, "portion_estimate": "1 cup",
     "nutritional_info": {"calories": 200, "protein": 4, "carbs": 44, "fat": 0.4},
     "micronutrients": {"iron": 1.9}, "food_group": "Carbs"},
    {"name": "Beans", "confidence": 1.4,
     "nutritional_info": {"calories": 120, "protein": 7, "carbs": 20, "fat": -1}}
  ],
  "meal_type": "lunch",
  "balance_score": 0.7,
  "next_meal_recommendations": {"nutritional_recommendations": ["Add greens"]}
}`

type fakeGenerator struct {
	text  string
	err   error
	block bool
	calls int
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, _ ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(f.text)}},
		}},
	}, nil
}

type staticLoader struct{ err error }

func (l staticLoader) Load(context.Context, string) ([]byte, string, error) {
	if l.err != nil {
		return nil, "", l.err
	}
	return []byte{0xff, 0xd8, 0xff}, "image/jpeg", nil
}

func newTestGemini(t *testing.T, gen Generator, loader ImageLoader, timeout time.Duration) *Gemini {
	t.Helper()
	fb, err := LoadFallback()
	require.NoError(t, err)
	return NewGemini(gen, loader, fb, timeout, nil)
}

func TestParseAnalysisNormalizes(t *testing.T) {
	result, err := ParseAnalysis("```json\n" + lunchJSON + "\n```")
	require.NoError(t, err)

	assert.Equal(t, "Lunch", result.MealType)
	assert.Equal(t, 0.7, result.BalanceScore)
	require.Len(t, result.DetectedFoods, 2)
	assert.Equal(t, 1.0, result.DetectedFoods[1].Confidence)
	assert.Zero(t, result.DetectedFoods[1].NutritionalInfo.Fat)
	assert.Equal(t, []string{"Add greens"}, result.NextMealRecommendations.Nutritional)
}

func TestParseAnalysisRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       "I could not see any food in this picture.",
		"truncated":      `{"detected_foods": [`,
		"missing fields": `{"detected_foods": []}`,
		"wrong types":    `{"detected_foods": [], "meal_type": "Lunch", "balance_score": "high"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAnalysis(text)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	gen := &fakeGenerator{text: "Here you go:\n" + lunchJSON}
	g := newTestGemini(t, gen, staticLoader{}, time.Second)

	result, isFallback, err := g.Analyze(context.Background(), ImageRef{ID: "img1", Location: "img1.jpg"})
	require.NoError(t, err)
	assert.False(t, isFallback)
	assert.Len(t, result.DetectedFoods, 2)
	assert.Equal(t, 1, gen.calls)
}

func TestAnalyzeFallsBack(t *testing.T) {
	cases := map[string]struct {
		gen    *fakeGenerator
		loader ImageLoader
	}{
		"transport error": {gen: &fakeGenerator{err: errors.New("connection reset")}, loader: staticLoader{}},
		"timeout":         {gen: &fakeGenerator{block: true}, loader: staticLoader{}},
		"non json":        {gen: &fakeGenerator{text: "sorry"}, loader: staticLoader{}},
		"image missing":   {gen: &fakeGenerator{text: lunchJSON}, loader: staticLoader{err: errors.New("no such file")}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			g := newTestGemini(t, tc.gen, tc.loader, 20*time.Millisecond)

			result, isFallback, err := g.Analyze(context.Background(), ImageRef{ID: "img1"})
			require.NoError(t, err)
			assert.True(t, isFallback)
			assert.NotEmpty(t, result.DetectedFoods)
		})
	}
}

func TestAnalyzeCancelledContextIsReturned(t *testing.T) {
	g := newTestGemini(t, &fakeGenerator{block: true}, staticLoader{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.Analyze(ctx, ImageRef{ID: "img1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallbackIsDeterministic(t *testing.T) {
	fb, err := LoadFallback()
	require.NoError(t, err)

	a := fb.Meal("img-42")
	b := fb.Meal("img-42")
	assert.Equal(t, a, b)

	a.DetectedFoods[0].Name = "changed"
	assert.NotEqual(t, "changed", fb.Meal("img-42").DetectedFoods[0].Name)
}

func TestParseFallbackRejectsUnknownKeys(t *testing.T) {
	_, err := ParseFallback([]byte("meals: []\nunexpected: true\n"))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	fb, err := LoadFallback()
	require.NoError(t, err)
	valid := `{"health_report": {"summary": "Good week"}, "recommendations": {"lifestyle_recommendations": ["Walk"]},
	  "priority_actions": ["Eat greens"], "weekly_goals": ["Five vegetables"]}`

	g := newTestGemini(t, &fakeGenerator{text: valid}, staticLoader{}, time.Second)
	report, isFallback, err := g.Summarize(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, isFallback)
	assert.Equal(t, "Good week", report.HealthReport.Summary)
	assert.Equal(t, []string{"Walk"}, report.Blocks().Lifestyle)
	assert.Contains(t, report.Text(), "Priority actions:\n- Eat greens")

	g = newTestGemini(t, &fakeGenerator{text: `{"health_report": {}}`}, staticLoader{}, time.Second)
	report, isFallback, err = g.Summarize(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, isFallback)
	assert.Equal(t, fb.WeeklyReport.HealthReport.Summary, report.HealthReport.Summary)
}

func TestOutcomeKeepsOrder(t *testing.T) {
	result, err := ParseAnalysis(lunchJSON)
	require.NoError(t, err)

	outcome := result.Outcome(false)
	require.Len(t, outcome.Items, 2)
	assert.Equal(t, 0, outcome.Items[0].Position)
	assert.Equal(t, "Beans", outcome.Items[1].Name)
	assert.Equal(t, 1.9, outcome.Items[0].Micronutrients["iron"])
	assert.False(t, outcome.IsFallbackData)
}

func TestMockRespectsContext(t *testing.T) {
	m := NewMock(MustLoadFallback(), time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := m.Analyze(ctx, ImageRef{ID: "img1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, isFallback, err := NewMock(MustLoadFallback(), 0).Analyze(context.Background(), ImageRef{ID: "img1"})
	require.NoError(t, err)
	assert.True(t, isFallback)
	assert.NotNil(t, result)
}

func TestCanonicalMealType(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" LUNCH ", "Lunch"},
		{"snack", "Snack"},
		{"", "Unknown"},
		{"brunch", "Brunch"},
		{"ñoquis", "Ñoquis"},
		{"éclair break", "Éclair break"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := canonicalMealType(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
