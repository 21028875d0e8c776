package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Second

// Generator is the part of *genai.GenerativeModel the provider uses.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConfig holds the Vertex AI connection settings.
type GeminiConfig struct {
	ProjectID       string
	Location        string
	CredentialsFile string
	Model           string
	Timeout         time.Duration
}

// Gemini calls a Vertex AI Gemini model and falls back to the catalog on any failure.
type Gemini struct {
	gen      Generator
	loader   ImageLoader
	fallback *Fallback
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGemini wraps an existing generator. A zero timeout means DefaultTimeout.
func NewGemini(gen Generator, loader ImageLoader, fallback *Fallback, timeout time.Duration, logger *slog.Logger) *Gemini {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{gen: gen, loader: loader, fallback: fallback, timeout: timeout, logger: logger}
}

// DialGemini connects to Vertex AI. The returned close function releases the client.
func DialGemini(ctx context.Context, cfg GeminiConfig, loader ImageLoader, fallback *Fallback, logger *slog.Logger) (*Gemini, func() error, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, nil, fmt.Errorf("gemini requires a project ID and location")
	}

	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.2)

	return NewGemini(model, loader, fallback, cfg.Timeout, logger), client.Close, nil
}

// Analyze implements Analyzer. Only cancellation of ctx itself is returned as an error.
func (g *Gemini) Analyze(ctx context.Context, image ImageRef) (*AnalysisResult, bool, error) {
	result, err := g.analyze(ctx, image)
	if err == nil {
		return result, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	g.logger.Warn("Analysis provider failed, using fallback data",
		"image_id", image.ID,
		"error", err,
	)
	return g.fallback.Meal(image.ID), true, nil
}

func (g *Gemini) analyze(ctx context.Context, image ImageRef) (*AnalysisResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, mimeType, err := g.loader.Load(callCtx, image.Location)
	if err != nil {
		return nil, err
	}

	resp, err := g.gen.GenerateContent(callCtx, genai.Text(analysisPrompt), genai.Blob{MIMEType: mimeType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to call model: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(text)
}

// Summarize implements Summarizer with the same fallback rules as Analyze.
func (g *Gemini) Summarize(ctx context.Context, windowAggregate []byte) (*ReportResult, bool, error) {
	result, err := g.summarize(ctx, windowAggregate)
	if err == nil {
		return result, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	g.logger.Warn("Report provider failed, using fallback data", "error", err)
	return g.fallback.Report(), true, nil
}

func (g *Gemini) summarize(ctx context.Context, windowAggregate []byte) (*ReportResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := strings.Replace(reportPrompt, "{input_data}", string(windowAggregate), 1)
	resp, err := g.gen.GenerateContent(callCtx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to call model: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	return ParseReport(text)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no response generated")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("no content in response")
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("no text in response")
	}
	return b.String(), nil
}
