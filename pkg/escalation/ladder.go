// Package escalation runs the timed promotion ladder for escalating
// episodes: unacknowledged episodes climb from the primary contact to
// secondary contacts and finally emergency services.
package escalation

import (
	"log/slog"
	"sync"
	"time"
)

// Promotion delays between ladder levels.
const (
	Level1To2 = 120 * time.Second
	Level2To3 = 300 * time.Second
)

// Promoter raises an episode's escalation level. It returns the new
// level and false when the episode is already resolved.
type Promoter interface {
	Promote(episodeID string) (int, bool)
}

// Ladder tracks at most one pending timer per episode.
type Ladder struct {
	promoter Promoter

	// delays may be shortened in tests
	delay1to2 time.Duration
	delay2to3 time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewLadder builds a ladder with production delays.
func NewLadder(promoter Promoter) *Ladder {
	return &Ladder{
		promoter:  promoter,
		delay1to2: Level1To2,
		delay2to3: Level2To3,
		pending:   make(map[string]*time.Timer),
	}
}

// NewLadderWithDelays builds a ladder with custom delays for tests.
func NewLadderWithDelays(promoter Promoter, d12, d23 time.Duration) *Ladder {
	l := NewLadder(promoter)
	l.delay1to2 = d12
	l.delay2to3 = d23
	return l
}

// Start arms the level-2 timer for an episode entering escalation at
// level 1. Starting an already armed episode resets its timer.
func (l *Ladder) Start(episodeID string) {
	l.arm(episodeID, l.delay1to2)
}

// Cancel stops any pending timer for an episode.
func (l *Ladder) Cancel(episodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.pending[episodeID]; ok {
		t.Stop()
		delete(l.pending, episodeID)
	}
}

// CancelAll stops every pending timer, used at shutdown.
func (l *Ladder) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.pending {
		t.Stop()
		delete(l.pending, id)
	}
}

// Pending reports whether an episode has an armed timer.
func (l *Ladder) Pending(episodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[episodeID]
	return ok
}

func (l *Ladder) arm(episodeID string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.pending[episodeID]; ok {
		t.Stop()
	}
	l.pending[episodeID] = time.AfterFunc(delay, func() { l.fire(episodeID) })
}

// fire promotes the episode and arms the next rung. A promotion
// rejected by the promoter means the episode resolved while the timer
// was in flight; the firing is dropped.
func (l *Ladder) fire(episodeID string) {
	l.mu.Lock()
	delete(l.pending, episodeID)
	l.mu.Unlock()

	level, ok := l.promoter.Promote(episodeID)
	if !ok {
		slog.Debug("Escalation timer fired for resolved episode", "episode_id", episodeID)
		return
	}
	if level == 2 {
		l.arm(episodeID, l.delay2to3)
	}
}
