package health

import (
	"sync"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// WindowSize is the number of samples the inference model consumes.
const WindowSize = 60

// Buffer keeps the most recent WindowSize readings per device.
type Buffer struct {
	mu      sync.RWMutex
	devices map[string]*ring
}

type ring struct {
	samples []models.Reading
}

// NewBuffer returns an empty ingestion buffer.
func NewBuffer() *Buffer {
	return &Buffer{devices: make(map[string]*ring)}
}

// Add appends a reading for its device, evicting the oldest sample once
// the ring is full.
func (b *Buffer) Add(r models.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[r.DeviceID]
	if !ok {
		dev = &ring{samples: make([]models.Reading, 0, WindowSize)}
		b.devices[r.DeviceID] = dev
	}
	if len(dev.samples) == WindowSize {
		copy(dev.samples, dev.samples[1:])
		dev.samples[WindowSize-1] = r
		return
	}
	dev.samples = append(dev.samples, r)
}

// Len returns the number of buffered samples for a device.
func (b *Buffer) Len(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if dev, ok := b.devices[deviceID]; ok {
		return len(dev.samples)
	}
	return 0
}

// Window returns the full feature window for a device, or false when
// fewer than WindowSize samples have arrived.
func (b *Buffer) Window(deviceID string) ([][]float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev, ok := b.devices[deviceID]
	if !ok || len(dev.samples) < WindowSize {
		return nil, false
	}
	return toMatrix(dev.samples, 0), true
}

// PartialWindow returns a WindowSize window even when the buffer is not
// yet full, left-padding with copies of the oldest sample. Returns false
// only when no samples exist at all.
func (b *Buffer) PartialWindow(deviceID string) ([][]float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev, ok := b.devices[deviceID]
	if !ok || len(dev.samples) == 0 {
		return nil, false
	}
	pad := WindowSize - len(dev.samples)
	return toMatrix(dev.samples, pad), true
}

// Latest returns the most recent reading for a device.
func (b *Buffer) Latest(deviceID string) (models.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev, ok := b.devices[deviceID]
	if !ok || len(dev.samples) == 0 {
		return models.Reading{}, false
	}
	return dev.samples[len(dev.samples)-1], true
}

// Drop removes all buffered samples for a device.
func (b *Buffer) Drop(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, deviceID)
}

func toMatrix(samples []models.Reading, pad int) [][]float64 {
	out := make([][]float64, 0, pad+len(samples))
	if pad > 0 {
		oldest := samples[0].Vector()
		for i := 0; i < pad; i++ {
			row := make([]float64, models.FeatureCount)
			copy(row, oldest[:])
			out = append(out, row)
		}
	}
	for i := range samples {
		v := samples[i].Vector()
		row := make([]float64, models.FeatureCount)
		copy(row, v[:])
		out = append(out, row)
	}
	return out
}
