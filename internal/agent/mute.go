package agent

import (
	"sync"
	"time"
)

// DefaultMuteWindow is how long input stays open after the agent finishes
// a turn before its own speech mutes input again.
const DefaultMuteWindow = 2 * time.Second

// MuteGate keeps an agent from hearing its own speech looped back through
// the user's microphone. Input is unmuted when the agent completes a turn
// and muted again when the agent speaks more than Window after that.
type MuteGate struct {
	window time.Duration

	mu       sync.Mutex
	muted    bool
	unmuted  bool
	unmuteAt time.Time
}

// NewMuteGate creates an open gate. A zero window uses DefaultMuteWindow.
func NewMuteGate(window time.Duration) *MuteGate {
	if window <= 0 {
		window = DefaultMuteWindow
	}
	return &MuteGate{window: window}
}

// Unmute opens the gate and records now as the unmute time.
func (g *MuteGate) Unmute(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = false
	g.unmuted = true
	g.unmuteAt = now
}

// ShouldMute is called whenever the agent emits audio. It closes the gate
// unless the last unmute is within the window, and reports the result.
func (g *MuteGate) ShouldMute(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.unmuted || now.Sub(g.unmuteAt) > g.window {
		g.muted = true
	}
	return g.muted
}

func (g *MuteGate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}
