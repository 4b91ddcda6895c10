package episode

import "github.com/pulsera-health/pulsera/pkg/models"

// Threshold fusion constants. Demo-calibrated; see pulsera.yaml to tune.
const (
	escalateAbove      = 0.6
	falsePositiveBelow = 0.3
	watchOnlyAmbiguous = 0.7

	calmHeartRateBelow = 100.0
	calmHRVAbove       = 30.0
)

var expressionScores = map[string]float64{
	"calm":       0.1,
	"confused":   0.4,
	"distressed": 0.8,
	"pain":       0.95,
}

var eyeScores = map[string]float64{
	"normal":       0.1,
	"slow":         0.5,
	"unresponsive": 0.95,
}

// watchScore maps vitals to a 0..1 risk estimate. Heart rate dominates;
// low HRV adds.
func watchScore(v models.Vitals) float64 {
	hr := clamp((v.HeartRate - 80) / 80)
	hrv := clamp((50 - v.HRV) / 40)
	return 0.7*hr + 0.3*hrv
}

// presageScore maps a visual check-in to a 0..1 risk estimate, weighted
// by the camera's own confidence.
func presageScore(p models.Presage) float64 {
	expr, ok := expressionScores[p.Expression]
	if !ok {
		expr = 0.5
	}
	eye, ok := eyeScores[p.Eye]
	if !ok {
		eye = 0.3
	}
	return (expr*0.6 + eye*0.4) * p.Confidence
}

// thresholdFusion combines watch and visual signals into a decision.
// Without a visual check the watch signal alone cannot clear an
// episode as false positive unless it is low; high watch-only scores
// stay ambiguous so a human ends up in the loop.
func thresholdFusion(vitals models.Vitals, presage *models.Presage) models.FusionResult {
	watch := watchScore(vitals)

	if presage == nil {
		res := models.FusionResult{
			SeverityScore: watch,
			Confidence:    0.5,
			Reasoning:     "visual check unavailable, watch signal only",
			LikelyCause:   "unknown",
			Source:        "threshold",
		}
		if watch >= watchOnlyAmbiguous {
			res.Decision = models.DecisionAmbiguous
			res.CaregiverReport = "High biometric risk with no visual confirmation."
		} else {
			res.Decision = models.DecisionFalsePositive
			res.CaregiverReport = "Biometrics recovered, no visual confirmation needed."
		}
		return res
	}

	visual := presageScore(*presage)
	combined := 0.5*watch + 0.5*visual

	res := models.FusionResult{
		SeverityScore:   combined,
		Confidence:      presage.Confidence,
		Reasoning:       "combined watch and visual scores",
		CaregiverReport: "Automated triage of biometric and camera signals.",
		LikelyCause:     "unknown",
		Source:          "threshold",
	}
	switch {
	case combined >= escalateAbove:
		res.Decision = models.DecisionEscalate
	case combined <= falsePositiveBelow:
		res.Decision = models.DecisionFalsePositive
	default:
		res.Decision = models.DecisionAmbiguous
	}
	return res
}

// calmedDown reports whether post-calming vitals are back in range.
// Both bounds are strict.
func calmedDown(v models.Vitals) bool {
	return v.HeartRate < calmHeartRateBelow && v.HRV > calmHRVAbove
}

func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
