// Package fusionai calls an external generative model to fuse watch
// biometrics with visual check-in results into an escalation decision.
package fusionai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// Client is the generative fusion collaborator. A nil *Client is a
// valid disabled client: Fuse returns ErrDisabled and the episode
// engine falls through to threshold fusion.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = fmt.Errorf("generative fusion disabled: no API key")

// NewClient builds a fusion client, or nil when no key is configured.
func NewClient(cfg config.FusionConfig) *Client {
	if cfg.APIKey == "" {
		slog.Info("Generative fusion disabled, threshold fusion only")
		return nil
	}
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Request carries everything the model needs to judge an episode.
type Request struct {
	DeviceID     string
	TriggerScore float64
	Trigger      models.Vitals
	PostCalming  *models.Vitals
	Presage      *models.Presage
}

type generateRequest struct {
	Contents []content `json:"contents"`
	Config   genConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type genConfig struct {
	ResponseMIMEType string `json:"response_mime_type"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// fusionWire mirrors the JSON the model is instructed to emit. Pointers
// distinguish absent fields from zero values for strict validation.
type fusionWire struct {
	Decision        *string  `json:"decision"`
	SeverityScore   *float64 `json:"severity_score"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       *string  `json:"reasoning"`
	CaregiverReport *string  `json:"caregiver_report"`
	LikelyCause     *string  `json:"likely_cause"`
}

// Fuse asks the model for an escalation decision. Any transport,
// parse, or validation failure is an error; the caller falls back to
// threshold fusion.
func (c *Client) Fuse(ctx context.Context, req Request) (models.FusionResult, error) {
	if c == nil {
		return models.FusionResult{}, ErrDisabled
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: buildPrompt(req)}}}},
		Config:   genConfig{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return models.FusionResult{}, fmt.Errorf("failed to encode fusion request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.FusionResult{}, fmt.Errorf("failed to build fusion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return models.FusionResult{}, fmt.Errorf("fusion model unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.FusionResult{}, fmt.Errorf("fusion model returned status %d: %s", resp.StatusCode, string(payload))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FusionResult{}, fmt.Errorf("failed to decode fusion response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return models.FusionResult{}, fmt.Errorf("fusion model returned no candidates")
	}

	return ParseResult(out.Candidates[0].Content.Parts[0].Text)
}

// ParseResult validates the model's JSON output. All six fields must be
// present and the decision must be a known value.
func ParseResult(text string) (models.FusionResult, error) {
	var w fusionWire
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &w); err != nil {
		return models.FusionResult{}, fmt.Errorf("fusion output is not valid JSON: %w", err)
	}
	if w.Decision == nil || w.SeverityScore == nil || w.Confidence == nil ||
		w.Reasoning == nil || w.CaregiverReport == nil || w.LikelyCause == nil {
		return models.FusionResult{}, fmt.Errorf("fusion output missing required fields")
	}
	decision := models.FusionDecision(*w.Decision)
	switch decision {
	case models.DecisionEscalate, models.DecisionFalsePositive, models.DecisionAmbiguous:
	default:
		return models.FusionResult{}, fmt.Errorf("fusion output has unknown decision %q", *w.Decision)
	}
	return models.FusionResult{
		Decision:        decision,
		SeverityScore:   *w.SeverityScore,
		Confidence:      *w.Confidence,
		Reasoning:       *w.Reasoning,
		CaregiverReport: *w.CaregiverReport,
		LikelyCause:     *w.LikelyCause,
		Source:          "ai",
	}, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a health escalation triage assistant for a wearable monitoring service.\n")
	b.WriteString("Decide whether the episode below should be escalated to caregivers.\n\n")
	fmt.Fprintf(&b, "Trigger anomaly score: %.2f\n", req.TriggerScore)
	fmt.Fprintf(&b, "Trigger vitals: heart_rate=%.0f hrv=%.0f\n", req.Trigger.HeartRate, req.Trigger.HRV)
	if req.PostCalming != nil {
		fmt.Fprintf(&b, "Post-calming vitals: heart_rate=%.0f hrv=%.0f\n",
			req.PostCalming.HeartRate, req.PostCalming.HRV)
	}
	if req.Presage != nil {
		fmt.Fprintf(&b, "Visual check: facial_expression=%s eye_responsiveness=%s confidence=%.2f\n",
			req.Presage.Expression, req.Presage.Eye, req.Presage.Confidence)
	} else {
		b.WriteString("Visual check: unavailable\n")
	}
	b.WriteString("\nRespond with a single JSON object with exactly these fields:\n")
	b.WriteString(`{"decision": "escalate"|"false_positive"|"ambiguous", "severity_score": 0.0-1.0, "confidence": 0.0-1.0, "reasoning": "...", "caregiver_report": "...", "likely_cause": "..."}`)
	return b.String()
}
