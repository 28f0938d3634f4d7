package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

const analystMandate = `You are a forensic real estate analyst for Sofia, Bulgaria.
Extract ground truth from the listing below and the attached photos.
Detect atelier (ателие) legal status. Identify the net living area (чиста площ) in square metres.
Estimate the construction or completion year. Predict the street address and the neighborhood.
List heating sources and visible defects. Rate your confidence from 0 to 100.`

// InsightRequest is the bounded input of one analysis call
type InsightRequest struct {
	Text       string
	ImagePaths []string
}

// InsightAnalyzer turns listing text and photos into a structured analysis
type InsightAnalyzer interface {
	Analyze(ctx context.Context, req InsightRequest) (*models.AIAnalysis, error)
}

// NewInsightAnalyzer selects the analyzer implementation once at startup
func NewInsightAnalyzer(appConfig *config.Config, cfg config.PipelineConfig, clients *shared.HTTPClientFactory) (InsightAnalyzer, error) {
	switch strings.ToLower(appConfig.AIProvider) {
	case "", "stub":
		return NewStubAnalyzer(cfg), nil
	case "gemini":
		if appConfig.GeminiAPIKey == "" {
			return nil, fmt.Errorf("AI_PROVIDER=gemini requires GEMINI_API_KEY")
		}
		return NewGeminiAnalyzer(appConfig.GeminiAPIKey, appConfig.GeminiModel, cfg, clients.Client(cfg.AITimeout)), nil
	default:
		return nil, fmt.Errorf("unknown AI_PROVIDER %q", appConfig.AIProvider)
	}
}

// truncateRunes cuts text to at most n runes without splitting a character
func truncateRunes(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n])
}

// GeminiAnalyzer calls the generateContent REST endpoint with a JSON response schema
type GeminiAnalyzer struct {
	apiKey    string
	model     string
	endpoint  string
	client    *http.Client
	timeout   time.Duration
	maxChars  int
	maxImages int
	logger    *logrus.Logger
}

func NewGeminiAnalyzer(apiKey, model string, cfg config.PipelineConfig, client *http.Client) *GeminiAnalyzer {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiAnalyzer{
		apiKey:    apiKey,
		model:     model,
		endpoint:  geminiEndpoint,
		client:    client,
		timeout:   cfg.AITimeout,
		maxChars:  cfg.MaxAIChars,
		maxImages: cfg.MaxAIImages,
		logger:    logrus.StandardLogger(),
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig map[string]interface{} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// analysisSchema mirrors models.AIAnalysis
var analysisSchema = map[string]interface{}{
	"type": "OBJECT",
	"properties": map[string]interface{}{
		"address_prediction": map[string]interface{}{"type": "STRING"},
		"neighborhood":       map[string]interface{}{"type": "STRING"},
		"is_atelier":         map[string]interface{}{"type": "BOOLEAN"},
		"net_living_area":    map[string]interface{}{"type": "NUMBER"},
		"construction_year":  map[string]interface{}{"type": "INTEGER"},
		"confidence":         map[string]interface{}{"type": "INTEGER"},
		"heating":            map[string]interface{}{"type": "ARRAY", "items": map[string]interface{}{"type": "STRING"}},
		"visual_defects":     map[string]interface{}{"type": "ARRAY", "items": map[string]interface{}{"type": "STRING"}},
	},
	"required": []string{"address_prediction", "neighborhood", "is_atelier", "net_living_area", "construction_year", "confidence"},
}

// Analyze sends the truncated text and up to maxImages archived photos
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req InsightRequest) (*models.AIAnalysis, error) {
	startTime := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	parts := []geminiPart{{Text: analystMandate + "\n\nListing Data: " + truncateRunes(req.Text, g.maxChars)}}
	for i, path := range req.ImagePaths {
		if g.maxImages > 0 && i >= g.maxImages {
			break
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			g.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable archived image")
			continue
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: imageMimeType(path),
			Data:     base64.StdEncoding.EncodeToString(raw),
		}})
	}

	payload, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: map[string]interface{}{
			"responseMimeType": "application/json",
			"responseSchema":   analysisSchema,
			"temperature":      0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", shared.ErrAIAnalysisFailed, err)
	}

	url := fmt.Sprintf("%s/%s:generateContent", g.endpoint, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", shared.ErrAIAnalysisFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAIAnalysisFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", shared.ErrAIAnalysisFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", shared.ErrAIAnalysisFailed, resp.StatusCode, truncateRunes(string(body), 200))
	}

	analysis, err := decodeGeminiAnalysis(body)
	if err != nil {
		return nil, err
	}

	g.logger.WithFields(logrus.Fields{
		"component":  "GeminiAnalyzer",
		"model":      g.model,
		"images":     len(parts) - 1,
		"confidence": analysis.Confidence,
		"duration":   time.Since(startTime),
	}).Info("AI analysis completed")

	return analysis, nil
}

func decodeGeminiAnalysis(body []byte) (*models.AIAnalysis, error) {
	var envelope geminiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", shared.ErrAIAnalysisFailed, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("%w: %d %s", shared.ErrAIAnalysisFailed, envelope.Error.Code, envelope.Error.Message)
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty candidate list", shared.ErrAIAnalysisFailed)
	}

	text := strings.TrimSpace(envelope.Candidates[0].Content.Parts[0].Text)
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```json"), "```")

	var analysis models.AIAnalysis
	decoder := json.NewDecoder(strings.NewReader(text))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&analysis); err != nil {
		return nil, fmt.Errorf("%w: decode analysis: %v", shared.ErrAIAnalysisFailed, err)
	}
	analysis.Placeholder = false
	if err := analysis.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAIAnalysisFailed, err)
	}
	return &analysis, nil
}

func imageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// StubAnalyzer derives an analysis from text patterns only. It never calls out and is deterministic.
type StubAnalyzer struct {
	maxChars   int
	confidence int
}

func NewStubAnalyzer(cfg config.PipelineConfig) *StubAnalyzer {
	return &StubAnalyzer{maxChars: cfg.MaxAIChars, confidence: 75}
}

func (s *StubAnalyzer) Analyze(ctx context.Context, req InsightRequest) (*models.AIAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAIAnalysisFailed, err)
	}

	text := truncateRunes(req.Text, s.maxChars)
	signals := DetectTextSignals(text)

	analysis := &models.AIAnalysis{
		AddressPrediction: strings.TrimSpace(addressLabelPattern.FindString(text)),
		IsAtelier:         signals.AtelierStatute,
		ConstructionYear:  signals.CompletionYear,
		Confidence:        s.confidence,
	}
	if signals.NorthFacing {
		analysis.VisualDefects = append(analysis.VisualDefects, "north facing")
	}
	return analysis, nil
}
