package agent

import "time"

// Audio framing: PCM s16le mono at 16 kHz, 20 ms frames.
const (
	SampleRate      = 16000
	FrameDuration   = 20 * time.Millisecond
	FrameSamples    = 320
	FrameBytes      = FrameSamples * 2
	PreRollDuration = 320 * time.Millisecond
	PreRollFrames   = int(PreRollDuration / FrameDuration)
)

// Voice activity defaults; overridden by config.
const (
	DefaultVADStartFrames = 3
	DefaultVADStopFrames  = 8
	DefaultVADIdleTimeout = 2 * time.Second
)

// silenceFillInterval paces the keepalive silence sent to the agent
// stream between utterances.
const silenceFillInterval = 250 * time.Millisecond

// Session bookkeeping bounds.
const (
	maxToolCalls     = 100
	pendingAudioCap  = 256 // frames buffered before the agent goes active
	silenceTailCount = 4   // trailing silence frames after speech ends
)

// deadmanDelay is the countdown before an automated action commits.
const deadmanDelay = 10 * time.Second

// ttsCompleteWait caps how long a TTS stream waits for the watch to
// confirm playback before moving on.
const ttsCompleteWait = 3 * time.Second
