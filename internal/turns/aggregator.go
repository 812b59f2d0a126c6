// Package turns reconciles the two independent transcription streams of a
// live session (user speech and model speech) into paired conversation
// turns.
//
// The aggregator is a small state machine: Idle until the first delta of a
// turn arrives, Accumulating until the remote service signals turn
// completion, then back to Idle with the accumulated text snapshotted into
// an immutable [history.Turn]. Completion is driven solely by the remote
// signal; a turn with no deltas is still recorded.
package turns

import (
	"strings"
	"sync"
	"time"

	"github.com/aria-voice/aria/pkg/history"
)

// State is the aggregator's accumulation state.
type State int

const (
	// Idle means no transcription delta has arrived since the last
	// completed turn.
	Idle State = iota

	// Accumulating means at least one delta has arrived for the current turn.
	Accumulating
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Accumulating:
		return "ACCUMULATING"
	default:
		return "UNKNOWN"
	}
}

// Aggregator accumulates transcription deltas and emits completed turns.
// All methods are safe for concurrent use; the single mutex also gives
// CompleteTurn its snapshot atomicity.
type Aggregator struct {
	sessionID string

	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	state   State
	turns   []history.Turn
	now     func() time.Time
}

// New creates an Aggregator for one session. The history it builds is
// scoped to that session and cleared only by starting a new aggregator.
func New(sessionID string) *Aggregator {
	return &Aggregator{sessionID: sessionID, now: time.Now}
}

// AddUserDelta appends an incremental transcription fragment of the user's
// speech to the current turn.
func (a *Aggregator) AddUserDelta(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(text)
	a.state = Accumulating
}

// AddModelDelta appends an incremental transcription fragment of the
// model's speech to the current turn.
func (a *Aggregator) AddModelDelta(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(text)
	a.state = Accumulating
}

// CompleteTurn atomically snapshots both buffers into a new turn, appends
// it to the session history, resets the buffers, and returns the turn.
// Called when the remote service signals turn completion, even when both
// buffers are empty.
func (a *Aggregator) CompleteTurn() history.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	turn := history.Turn{
		SessionID:   a.sessionID,
		User:        a.user.String(),
		Model:       a.model.String(),
		CompletedAt: a.now(),
	}
	a.turns = append(a.turns, turn)
	a.user.Reset()
	a.model.Reset()
	a.state = Idle
	return turn
}

// State returns the current accumulation state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// History returns a copy of all completed turns in completion order. The
// aggregator never removes entries.
func (a *Aggregator) History() []history.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]history.Turn, len(a.turns))
	copy(out, a.turns)
	return out
}
