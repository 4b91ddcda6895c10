package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameSink) send(frame []byte) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *frameSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *frameSink) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func frameWithTag(tag byte) []byte {
	frame := make([]byte, FrameBytes)
	frame[0] = tag
	return frame
}

func TestGateClosedDropsFrames(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	g.Activate()

	for i := 0; i < 10; i++ {
		g.Push(frameWithTag(byte(i)))
	}
	assert.Zero(t, sink.count(), "closed gate must not forward")
}

func TestGateOpensWithPreRoll(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	g.Activate()

	// feed more than the pre-roll window, only the last PreRollFrames survive
	for i := 0; i < PreRollFrames+5; i++ {
		g.Push(frameWithTag(byte(i)))
	}
	g.OpenWithPreRoll()

	frames := sink.all()
	require.Len(t, frames, PreRollFrames)
	assert.Equal(t, byte(5), frames[0][0], "oldest retained pre-roll frame")
	assert.Equal(t, byte(PreRollFrames+4), frames[len(frames)-1][0])

	// live frames now pass straight through
	g.Push(frameWithTag(0xAA))
	assert.Equal(t, PreRollFrames+1, sink.count())
}

func TestGateBuffersUntilActivateThenFlushesInOrder(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)

	g.OpenWithPreRoll()
	g.Push(frameWithTag(1))
	g.Push(frameWithTag(2))
	g.Push(frameWithTag(3))
	assert.Zero(t, sink.count(), "nothing forwards before the stream is active")

	g.Activate()
	frames := sink.all()
	require.Len(t, frames, 3)
	assert.Equal(t, byte(1), frames[0][0])
	assert.Equal(t, byte(3), frames[2][0])
}

func TestGateCloseAppendsSilenceTail(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	defer g.Deactivate()
	g.Activate()

	g.Push(frameWithTag(7))
	g.OpenWithPreRoll()
	before := sink.count()

	g.CloseWithTail()
	frames := sink.all()
	require.Len(t, frames, before+silenceTailCount)
	for _, f := range frames[before:] {
		assert.Equal(t, byte(0), f[0], "tail frames are silence")
	}

	// closing twice adds nothing
	g.CloseWithTail()
	assert.Equal(t, before+silenceTailCount, sink.count())
}

func TestGateDeactivateDropsBuffered(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	g.OpenWithPreRoll()
	g.Push(frameWithTag(1))

	g.Deactivate()
	g.Activate()
	assert.Zero(t, sink.count(), "stale buffered audio must not flush")
}

func TestGatePreservePendingAcrossTransfer(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	g.Activate()
	g.OpenWithPreRoll()

	g.DeactivatePreservePending()
	g.Push(frameWithTag(9))
	assert.Zero(t, sink.count())

	g.Activate()
	frames := sink.all()
	require.NotEmpty(t, frames)
	assert.Equal(t, byte(9), frames[len(frames)-1][0], "pending audio survives the handover")
}

func TestGateFillsSilenceBetweenUtterances(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	defer g.Deactivate()
	g.Activate()

	g.OpenWithPreRoll()
	g.CloseWithTail()
	after := sink.count()

	// keepalive silence keeps flowing while the gate stays closed
	require.Eventually(t, func() bool {
		return sink.count() > after
	}, 2*time.Second, 50*time.Millisecond)

	g.OpenWithPreRoll()
	settled := sink.count()
	time.Sleep(3 * silenceFillInterval)
	// one in-flight tick may still land right at the stop
	assert.LessOrEqual(t, sink.count(), settled+1, "fill must stop once speech resumes")
}

func TestGateBufferBounded(t *testing.T) {
	sink := &frameSink{}
	g := NewAudioGate(sink.send)
	g.OpenWithPreRoll()

	for i := 0; i < pendingAudioCap+50; i++ {
		g.Push(frameWithTag(byte(i % 250)))
	}
	g.Activate()
	assert.LessOrEqual(t, sink.count(), pendingAudioCap)
}
