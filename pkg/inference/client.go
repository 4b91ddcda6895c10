// Package inference proxies feature windows to the external anomaly
// detection service and bounds in-flight requests.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// Client calls the window-inference collaborator over HTTP. Concurrency
// is bounded by a semaphore so a slow model cannot pile up goroutines.
type Client struct {
	baseURL string
	http    *http.Client
	sem     chan struct{}
}

// NewClient builds an inference client from configuration.
func NewClient(cfg config.InferenceConfig) *Client {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.ServiceURL,
		http:    &http.Client{Timeout: timeout},
		sem:     make(chan struct{}, workers),
	}
}

type inferRequest struct {
	DeviceID string      `json:"device_id"`
	Window   [][]float64 `json:"window"`
}

type inferResponse struct {
	OverallScore   float64     `json:"overall_score"`
	MaxScore       float64     `json:"max_score"`
	IsAnomaly      bool        `json:"is_anomaly"`
	PerTimestep    []float64   `json:"per_timestep_scores"`
	Reconstruction [][]float64 `json:"reconstruction"`
	Attention      []float64   `json:"attention_heatmap"`
}

// Infer scores one feature window. It blocks until a worker slot is
// free or the context is done.
func (c *Client) Infer(ctx context.Context, deviceID string, window [][]float64) (models.Score, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return models.Score{}, ctx.Err()
	}

	body, err := json.Marshal(inferRequest{DeviceID: deviceID, Window: window})
	if err != nil {
		return models.Score{}, fmt.Errorf("failed to encode inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return models.Score{}, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Score{}, fmt.Errorf("inference service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("Inference service returned error",
			"status", resp.StatusCode, "device_id", deviceID, "body", string(payload))
		return models.Score{}, fmt.Errorf("inference service returned status %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Score{}, fmt.Errorf("failed to decode inference response: %w", err)
	}

	return models.Score{
		DeviceID:       deviceID,
		OverallScore:   out.OverallScore,
		MaxScore:       out.MaxScore,
		IsAnomaly:      out.IsAnomaly,
		PerTimestep:    out.PerTimestep,
		Reconstruction: out.Reconstruction,
		AttentionHint:  out.Attention,
		ComputedAt:     time.Now().UTC(),
	}, nil
}
