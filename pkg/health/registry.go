package health

import (
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// Registry holds the latest anomaly score per device. Scores are
// overwritten on each inference pass; only the newest survives.
type Registry struct {
	mu     sync.RWMutex
	scores map[string]models.Score
}

// NewRegistry returns an empty score registry.
func NewRegistry() *Registry {
	return &Registry{scores: make(map[string]models.Score)}
}

// Put records the latest score for a device.
func (r *Registry) Put(s models.Score) {
	if s.ComputedAt.IsZero() {
		s.ComputedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.scores[s.DeviceID] = s
	r.mu.Unlock()
}

// Score returns the latest score for a device.
func (r *Registry) Score(deviceID string) (models.Score, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scores[deviceID]
	return s, ok
}

// AllScores returns a snapshot of every device's latest score.
func (r *Registry) AllScores() map[string]models.Score {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.Score, len(r.scores))
	for id, s := range r.scores {
		out[id] = s
	}
	return out
}

// Anomalous returns the devices whose max score exceeds the threshold.
func (r *Registry) Anomalous(threshold float64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.scores {
		if s.MaxScore > threshold {
			out = append(out, id)
		}
	}
	return out
}

// Remove drops a device's score, typically on disconnect.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.scores, deviceID)
	r.mu.Unlock()
}
