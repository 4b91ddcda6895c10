package agent

import (
	"math"
	"sync"
	"time"
)

// vadEnergyThreshold is the RMS level above which a 20 ms PCM frame
// counts as voiced. Tuned for the watch microphone's AGC output.
const vadEnergyThreshold = 500.0

// VADProcessor turns per-frame energy decisions into speech start/stop
// events. Decisions are processed strictly in arrival order by a single
// worker goroutine, so events can never reorder.
type VADProcessor struct {
	startFrames int
	stopFrames  int
	idleTimeout time.Duration
	onStart     func()
	onStop      func()

	frames chan bool
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	speaking bool
}

// NewVADProcessor builds and starts a VAD worker. The idle timeout
// forces speech end when chunks stop arriving mid-utterance.
func NewVADProcessor(startFrames, stopFrames int, idleTimeout time.Duration, onStart, onStop func()) *VADProcessor {
	if startFrames <= 0 {
		startFrames = DefaultVADStartFrames
	}
	if stopFrames <= 0 {
		stopFrames = DefaultVADStopFrames
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultVADIdleTimeout
	}
	v := &VADProcessor{
		startFrames: startFrames,
		stopFrames:  stopFrames,
		idleTimeout: idleTimeout,
		onStart:     onStart,
		onStop:      onStop,
		frames:      make(chan bool, 64),
		done:        make(chan struct{}),
	}
	v.wg.Add(1)
	go v.run()
	return v
}

// Push feeds one frame decision. Drops the frame if the worker has
// stopped.
func (v *VADProcessor) Push(voiced bool) {
	select {
	case v.frames <- voiced:
	case <-v.done:
	}
}

// PushPCM classifies a raw PCM frame and feeds the decision.
func (v *VADProcessor) PushPCM(frame []byte) {
	v.Push(FrameVoiced(frame))
}

// Speaking reports the current speech state.
func (v *VADProcessor) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// Stop shuts the worker down. If speech was in progress a final stop
// event fires so downstream state cannot stay open.
func (v *VADProcessor) Stop() {
	close(v.done)
	v.wg.Wait()

	v.mu.Lock()
	wasSpeaking := v.speaking
	v.speaking = false
	v.mu.Unlock()
	if wasSpeaking && v.onStop != nil {
		v.onStop()
	}
}

func (v *VADProcessor) run() {
	defer v.wg.Done()
	var voicedRun, silentRun int
	idle := time.NewTimer(v.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-idle.C:
			// audio went quiet entirely: force speech end
			idle.Reset(v.idleTimeout)
			v.mu.Lock()
			wasSpeaking := v.speaking
			v.speaking = false
			v.mu.Unlock()
			voicedRun, silentRun = 0, 0
			if wasSpeaking && v.onStop != nil {
				v.onStop()
			}
		case voiced := <-v.frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(v.idleTimeout)
			if voiced {
				voicedRun++
				silentRun = 0
			} else {
				silentRun++
				voicedRun = 0
			}

			v.mu.Lock()
			speaking := v.speaking
			v.mu.Unlock()

			if !speaking && voicedRun >= v.startFrames {
				v.mu.Lock()
				v.speaking = true
				v.mu.Unlock()
				if v.onStart != nil {
					v.onStart()
				}
			}
			if speaking && silentRun >= v.stopFrames {
				v.mu.Lock()
				v.speaking = false
				v.mu.Unlock()
				if v.onStop != nil {
					v.onStop()
				}
			}
		}
	}
}

// FrameVoiced reports whether a PCM s16le frame carries speech-level
// energy.
func FrameVoiced(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(n)) > vadEnergyThreshold
}
