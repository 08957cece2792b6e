package engine

import (
	"github.com/genricoloni/coverd/internal/domain"
)

// Decision is the gate's verdict for one event
type Decision int

const (
	// Skip means the key was already triggered
	Skip Decision = iota
	// Idle means the player is stopped or its state is unknown
	Idle
	// Trigger means a resolution attempt should start
	Trigger
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Idle:
		return "idle"
	case Trigger:
		return "trigger"
	}
	return "invalid"
}

// Gate suppresses repeated keys and idle noise.
// It is owned by the engine loop and is not safe for concurrent use.
type Gate struct {
	retain  bool
	lastKey domain.TrackKey
}

// NewGate creates a gate. With retain unset, an idle event makes the gate
// forget the last key so the same song resolves again when playback resumes.
func NewGate(retain bool) *Gate {
	return &Gate{retain: retain}
}

// Decide classifies ev and records the key when it triggers
func (g *Gate) Decide(ev domain.PlayEvent) Decision {
	if !ev.State.Active() {
		if !g.retain {
			g.lastKey = domain.TrackKey{}
		}
		return Idle
	}

	if g.lastKey.Equal(ev.Key) {
		return Skip
	}

	g.lastKey = ev.Key
	return Trigger
}

// LastKey returns the last triggered key
func (g *Gate) LastKey() domain.TrackKey {
	return g.lastKey
}
