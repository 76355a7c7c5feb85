package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
)

// GeminiOptions configures the Gemini processor.
type GeminiOptions struct {
	APIKey      string
	Model       string
	Temperature float64
}

// Gemini sends the assessment payload to a Gemini model and returns its JSON
// answer.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGemini creates the API client. It does not call the API.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" || opts.Model == "" {
		return nil, errors.New("gemini: api key and model are required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: opts.Model, temperature: float32(opts.Temperature)}, nil
}

// Process streams the answer and reports heartbeat progress for every chunk,
// so a long generation stays live while a stalled one goes stale.
func (g *Gemini) Process(ctx context.Context, j job.Job) (Result, error) {
	start := time.Now()
	temp := g.temperature
	heartbeat.ReportProgress(ctx)
	stream := g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(string(j.Payload)), &genai.GenerateContentConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	})
	var b strings.Builder
	for resp, err := range stream {
		if err != nil {
			return Result{}, classifyAPIError(err)
		}
		heartbeat.ReportProgress(ctx)
		b.WriteString(responseText(resp))
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return Result{}, Transient(errors.New("gemini returned no text"))
	}
	return Result{Output: []byte(text), Model: g.model, Duration: time.Since(start)}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// classifyAPIError treats rate limiting and server errors as transient and
// other client errors as permanent. Network failures are transient.
func classifyAPIError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == 0 {
		return Transient(err)
	}
	return classifyStatus(code, err)
}

func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
