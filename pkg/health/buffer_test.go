package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsera-health/pulsera/pkg/models"
)

func reading(dev string, hr float64) models.Reading {
	return models.Reading{
		DeviceID:     dev,
		HeartRate:    hr,
		HRV:          45,
		Acceleration: 1.0,
		SkinTemp:     36.5,
		Timestamp:    time.Now().UTC(),
	}
}

func TestBufferWindowRequiresFullRing(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < WindowSize-1; i++ {
		b.Add(reading("w-1", 70))
	}

	_, ok := b.Window("w-1")
	assert.False(t, ok)

	b.Add(reading("w-1", 70))
	win, ok := b.Window("w-1")
	require.True(t, ok)
	assert.Len(t, win, WindowSize)
	assert.Len(t, win[0], models.FeatureCount)
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < WindowSize+10; i++ {
		b.Add(reading("w-1", float64(i)))
	}

	assert.Equal(t, WindowSize, b.Len("w-1"))
	win, ok := b.Window("w-1")
	require.True(t, ok)
	assert.Equal(t, float64(10), win[0][0])
	assert.Equal(t, float64(WindowSize+9), win[WindowSize-1][0])
}

func TestPartialWindowLeftPadsWithOldest(t *testing.T) {
	b := NewBuffer()
	b.Add(reading("w-1", 88))
	b.Add(reading("w-1", 92))

	win, ok := b.PartialWindow("w-1")
	require.True(t, ok)
	require.Len(t, win, WindowSize)
	for i := 0; i < WindowSize-1; i++ {
		assert.Equal(t, float64(88), win[i][0], fmt.Sprintf("row %d", i))
	}
	assert.Equal(t, float64(92), win[WindowSize-1][0])
}

func TestPartialWindowEmpty(t *testing.T) {
	b := NewBuffer()
	_, ok := b.PartialWindow("nobody")
	assert.False(t, ok)
}

func TestBufferDrop(t *testing.T) {
	b := NewBuffer()
	b.Add(reading("w-1", 70))
	b.Drop("w-1")
	assert.Equal(t, 0, b.Len("w-1"))
}

func TestRegistryLatestWins(t *testing.T) {
	r := NewRegistry()
	r.Put(models.Score{DeviceID: "w-1", OverallScore: 0.2, MaxScore: 0.3})
	r.Put(models.Score{DeviceID: "w-1", OverallScore: 0.6, MaxScore: 0.9, IsAnomaly: true})

	s, ok := r.Score("w-1")
	require.True(t, ok)
	assert.Equal(t, 0.6, s.OverallScore)
	assert.True(t, s.IsAnomaly)
}

func TestRegistryAnomalous(t *testing.T) {
	r := NewRegistry()
	r.Put(models.Score{DeviceID: "a", MaxScore: 0.4})
	r.Put(models.Score{DeviceID: "b", MaxScore: 0.55})
	r.Put(models.Score{DeviceID: "c", MaxScore: 0.9})

	got := r.Anomalous(0.5)
	assert.ElementsMatch(t, []string{"b", "c"}, got)

	r.Remove("c")
	assert.ElementsMatch(t, []string{"b"}, r.Anomalous(0.5))
}
