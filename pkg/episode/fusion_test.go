package episode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pulsera-health/pulsera/pkg/models"
)

func TestWatchScore(t *testing.T) {
	tests := []struct {
		name string
		v    models.Vitals
		want float64
	}{
		{"resting", models.Vitals{HeartRate: 80, HRV: 50}, 0},
		{"max risk", models.Vitals{HeartRate: 160, HRV: 10}, 1},
		{"clamped above", models.Vitals{HeartRate: 200, HRV: 0}, 1},
		{"clamped below", models.Vitals{HeartRate: 60, HRV: 70}, 0},
		{"mixed", models.Vitals{HeartRate: 120, HRV: 30}, 0.7*0.5 + 0.3*0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, watchScore(tt.v), 1e-9)
		})
	}
}

func TestPresageScore(t *testing.T) {
	tests := []struct {
		name string
		p    models.Presage
		want float64
	}{
		{"calm full confidence", models.Presage{Expression: "calm", Eye: "normal", Confidence: 1}, 0.1*0.6 + 0.1*0.4},
		{"pain unresponsive", models.Presage{Expression: "pain", Eye: "unresponsive", Confidence: 1}, 0.95*0.6 + 0.95*0.4},
		{"confidence scales", models.Presage{Expression: "distressed", Eye: "slow", Confidence: 0.5}, (0.8*0.6 + 0.5*0.4) * 0.5},
		{"unknown labels", models.Presage{Expression: "grimace", Eye: "darting", Confidence: 1}, 0.5*0.6 + 0.3*0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, presageScore(tt.p), 1e-9)
		})
	}
}

func TestThresholdFusionDecisionBands(t *testing.T) {
	escalate := thresholdFusion(
		models.Vitals{HeartRate: 150, HRV: 12},
		&models.Presage{Expression: "distressed", Eye: "unresponsive", Confidence: 0.9})
	assert.Equal(t, models.DecisionEscalate, escalate.Decision)

	clear := thresholdFusion(
		models.Vitals{HeartRate: 85, HRV: 45},
		&models.Presage{Expression: "calm", Eye: "normal", Confidence: 0.9})
	assert.Equal(t, models.DecisionFalsePositive, clear.Decision)

	mid := thresholdFusion(
		models.Vitals{HeartRate: 120, HRV: 30},
		&models.Presage{Expression: "confused", Eye: "slow", Confidence: 0.8})
	assert.Equal(t, models.DecisionAmbiguous, mid.Decision)
}

func TestCalmedDown(t *testing.T) {
	assert.True(t, calmedDown(models.Vitals{HeartRate: 99, HRV: 31}))
	assert.False(t, calmedDown(models.Vitals{HeartRate: 100, HRV: 31}))
	assert.False(t, calmedDown(models.Vitals{HeartRate: 99, HRV: 30}))
}
