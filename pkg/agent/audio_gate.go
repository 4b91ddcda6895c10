package agent

import (
	"sync"
	"time"
)

// AudioGate decides which microphone frames reach the conversational
// agent. It keeps a pre-roll ring so the first syllable of an
// utterance is not clipped, buffers frames that arrive before the
// agent stream is active, appends a short silence tail after speech
// ends, and then feeds periodic silence so the agent stream stays
// alive between utterances.
type AudioGate struct {
	send func(frame []byte)

	mu       sync.Mutex
	active   bool // agent stream ready for audio
	open     bool // speech in progress, frames pass through
	preRoll  [][]byte
	buffered [][]byte
	fillStop chan struct{}
}

// NewAudioGate builds a gate that forwards frames through send.
func NewAudioGate(send func(frame []byte)) *AudioGate {
	return &AudioGate{send: send}
}

// Push feeds one microphone frame. While the gate is open the frame is
// forwarded (or buffered until the stream activates); otherwise it
// only lands in the pre-roll ring.
func (g *AudioGate) Push(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	g.mu.Lock()
	g.preRoll = append(g.preRoll, buf)
	if len(g.preRoll) > PreRollFrames {
		g.preRoll = g.preRoll[len(g.preRoll)-PreRollFrames:]
	}

	if !g.open {
		g.mu.Unlock()
		return
	}
	if !g.active {
		g.buffered = append(g.buffered, buf)
		if len(g.buffered) > pendingAudioCap {
			g.buffered = g.buffered[len(g.buffered)-pendingAudioCap:]
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.send(buf)
}

// OpenWithPreRoll opens the gate at speech start, emitting the
// buffered pre-roll first.
func (g *AudioGate) OpenWithPreRoll() {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return
	}
	g.open = true
	g.stopFillLocked()
	pre := make([][]byte, len(g.preRoll))
	copy(pre, g.preRoll)
	active := g.active
	if !active {
		g.buffered = append(g.buffered, pre...)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	for _, f := range pre {
		g.send(f)
	}
}

// CloseWithTail closes the gate at speech end, appending a short
// silence tail.
func (g *AudioGate) CloseWithTail() {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	g.open = false
	active := g.active
	g.mu.Unlock()

	if !active {
		return
	}
	silence := make([]byte, FrameBytes)
	for i := 0; i < silenceTailCount; i++ {
		g.send(silence)
	}

	g.mu.Lock()
	if g.active && !g.open {
		g.startFillLocked()
	}
	g.mu.Unlock()
}

// startFillLocked begins the between-utterance silence keepalive.
func (g *AudioGate) startFillLocked() {
	if g.fillStop != nil {
		return
	}
	stop := make(chan struct{})
	g.fillStop = stop
	go func() {
		ticker := time.NewTicker(silenceFillInterval)
		defer ticker.Stop()
		silence := make([]byte, FrameBytes)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.send(silence)
			}
		}
	}()
}

func (g *AudioGate) stopFillLocked() {
	if g.fillStop != nil {
		close(g.fillStop)
		g.fillStop = nil
	}
}

// Activate marks the agent stream ready and flushes frames buffered
// while it was connecting, strictly in arrival order.
func (g *AudioGate) Activate() {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return
	}
	g.active = true
	flush := g.buffered
	g.buffered = nil
	g.mu.Unlock()

	for _, f := range flush {
		g.send(f)
	}
}

// Deactivate stops forwarding, preserving nothing: buffered frames
// from a dead stream are stale.
func (g *AudioGate) Deactivate() {
	g.mu.Lock()
	g.active = false
	g.open = false
	g.buffered = nil
	g.stopFillLocked()
	g.mu.Unlock()
}

// DeactivatePreservePending stops forwarding but keeps buffered frames
// for a mode transfer, where a new stream resumes the conversation.
func (g *AudioGate) DeactivatePreservePending() {
	g.mu.Lock()
	g.active = false
	g.stopFillLocked()
	g.mu.Unlock()
}

// Open reports whether speech is currently passing the gate.
func (g *AudioGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
