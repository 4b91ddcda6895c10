package models

import (
	"encoding/json"
	"time"
)

// FeatureCount is the number of biometric features in a reading vector:
// heart rate, HRV, acceleration, skin temperature.
const FeatureCount = 4

// Reading is a single biometric sample from a wearable device.
//
// The canonical wire form is snake_case. Watches and legacy mobile clients
// send camelCase variants (heartRate, skinTemp); UnmarshalJSON accepts both
// so handlers never need to re-parse.
type Reading struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id,omitempty"`
	HeartRate    float64   `json:"heart_rate"`
	HRV          float64   `json:"hrv"`
	Acceleration float64   `json:"acceleration"`
	SkinTemp     float64   `json:"skin_temp"`
	Timestamp    time.Time `json:"timestamp"`
}

type readingWire struct {
	DeviceID      string   `json:"device_id"`
	UserID        string   `json:"user_id"`
	HeartRate     *float64 `json:"heart_rate"`
	HeartRateCC   *float64 `json:"heartRate"`
	HRV           *float64 `json:"hrv"`
	Acceleration  *float64 `json:"acceleration"`
	SkinTemp      *float64 `json:"skin_temp"`
	SkinTempCC    *float64 `json:"skinTemp"`
	Timestamp     string   `json:"timestamp"`
}

// UnmarshalJSON decodes a reading, accepting camelCase aliases and filling
// physiologically neutral defaults for absent optional fields.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var w readingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.DeviceID = w.DeviceID
	r.UserID = w.UserID
	r.HeartRate = pick(w.HeartRate, w.HeartRateCC, 0)
	if w.HRV != nil {
		r.HRV = *w.HRV
	}
	r.Acceleration = pick(w.Acceleration, nil, 1.0)
	r.SkinTemp = pick(w.SkinTemp, w.SkinTempCC, 36.5)
	if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
		r.Timestamp = ts
	} else {
		r.Timestamp = time.Now().UTC()
	}
	return nil
}

func pick(snake, camel *float64, def float64) float64 {
	if snake != nil {
		return *snake
	}
	if camel != nil {
		return *camel
	}
	return def
}

// Vector returns the reading as a fixed-order feature vector.
func (r *Reading) Vector() [FeatureCount]float64 {
	return [FeatureCount]float64{r.HeartRate, r.HRV, r.Acceleration, r.SkinTemp}
}

// Vitals is the reduced post-calming measurement pair used by the episode
// engine's re-evaluation check. CamelCase aliases accepted like Reading.
type Vitals struct {
	HeartRate float64 `json:"heart_rate"`
	HRV       float64 `json:"hrv"`
}

func (v *Vitals) UnmarshalJSON(data []byte) error {
	var w struct {
		HeartRate   *float64 `json:"heart_rate"`
		HeartRateCC *float64 `json:"heartRate"`
		HRV         *float64 `json:"hrv"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.HeartRate = pick(w.HeartRate, w.HeartRateCC, 0)
	if w.HRV != nil {
		v.HRV = *w.HRV
	}
	return nil
}

// Presage is the visual check-in result produced by the phone camera.
type Presage struct {
	Expression      string  `json:"facial_expression"`
	Eye             string  `json:"eye_responsiveness"`
	Confidence      float64 `json:"confidence_score"`
	VisualHeartRate float64 `json:"visual_heart_rate,omitempty"`
	BreathingRate   float64 `json:"breathing_rate,omitempty"`
}

func (p *Presage) UnmarshalJSON(data []byte) error {
	var w struct {
		Expression      string   `json:"facial_expression"`
		ExpressionCC    string   `json:"facialExpression"`
		Eye             string   `json:"eye_responsiveness"`
		EyeCC           string   `json:"eyeResponsiveness"`
		Confidence      *float64 `json:"confidence_score"`
		ConfidenceCC    *float64 `json:"confidenceScore"`
		VisualHeartRate *float64 `json:"visual_heart_rate"`
		VisualHRCC      *float64 `json:"visualHeartRate"`
		BreathingRate   *float64 `json:"breathing_rate"`
		BreathingCC     *float64 `json:"breathingRate"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Expression = firstNonEmpty(w.Expression, w.ExpressionCC, "calm")
	p.Eye = firstNonEmpty(w.Eye, w.EyeCC, "normal")
	p.Confidence = pick(w.Confidence, w.ConfidenceCC, 0.5)
	p.VisualHeartRate = pick(w.VisualHeartRate, w.VisualHRCC, 0)
	p.BreathingRate = pick(w.BreathingRate, w.BreathingCC, 0)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
