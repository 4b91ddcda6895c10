package escalation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePromoter struct {
	mu       sync.Mutex
	levels   map[string]int
	resolved map[string]bool
}

func newFakePromoter() *fakePromoter {
	return &fakePromoter{levels: make(map[string]int), resolved: make(map[string]bool)}
}

func (f *fakePromoter) Promote(episodeID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved[episodeID] {
		return 0, false
	}
	f.levels[episodeID]++
	return f.levels[episodeID] + 1, true // episodes enter the ladder at level 1
}

func (f *fakePromoter) level(episodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[episodeID]
}

func (f *fakePromoter) resolve(episodeID string) {
	f.mu.Lock()
	f.resolved[episodeID] = true
	f.mu.Unlock()
}

func TestLadderClimbsBothRungs(t *testing.T) {
	p := newFakePromoter()
	l := NewLadderWithDelays(p, 20*time.Millisecond, 20*time.Millisecond)

	l.Start("ep-1")
	require.Eventually(t, func() bool { return p.level("ep-1") == 2 },
		time.Second, 5*time.Millisecond)
	assert.False(t, l.Pending("ep-1"))
}

func TestCancelStopsPromotion(t *testing.T) {
	p := newFakePromoter()
	l := NewLadderWithDelays(p, 50*time.Millisecond, 50*time.Millisecond)

	l.Start("ep-1")
	l.Cancel("ep-1")
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, p.level("ep-1"))
	assert.False(t, l.Pending("ep-1"))
}

func TestFireOnResolvedEpisodeIsNoop(t *testing.T) {
	p := newFakePromoter()
	l := NewLadderWithDelays(p, 20*time.Millisecond, 20*time.Millisecond)

	l.Start("ep-1")
	p.resolve("ep-1")
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, p.level("ep-1"))
	assert.False(t, l.Pending("ep-1"))
}

func TestStartResetsExistingTimer(t *testing.T) {
	p := newFakePromoter()
	l := NewLadderWithDelays(p, 60*time.Millisecond, time.Hour)

	l.Start("ep-1")
	time.Sleep(40 * time.Millisecond)
	l.Start("ep-1")
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, p.level("ep-1"), "reset timer must not have fired yet")

	require.Eventually(t, func() bool { return p.level("ep-1") == 1 },
		time.Second, 5*time.Millisecond)
}

func TestCancelAll(t *testing.T) {
	p := newFakePromoter()
	l := NewLadderWithDelays(p, 50*time.Millisecond, 50*time.Millisecond)

	l.Start("ep-1")
	l.Start("ep-2")
	l.CancelAll()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, p.level("ep-1"))
	assert.Zero(t, p.level("ep-2"))
}
