// Package history defines the conversation-turn record and the store
// abstraction used to persist completed turns.
//
// A turn pairs one user utterance with the model response it produced, as
// reconciled by the turn aggregator. Stores are append-only: turns are never
// updated or removed.
package history

import (
	"context"
	"time"
)

// Turn is an immutable completed conversation turn.
type Turn struct {
	// SessionID identifies the live session the turn belongs to.
	SessionID string

	// User is the transcription of the user's speech for this turn. May be
	// empty: turn completion is driven by the remote service, not by
	// transcript content.
	User string

	// Model is the transcription of the model's spoken response. May be empty.
	Model string

	// CompletedAt is when the turn-complete signal arrived.
	CompletedAt time.Time
}

// Store persists completed turns. Implementations must be safe for
// concurrent use.
type Store interface {
	// AppendTurn records one completed turn.
	AppendTurn(ctx context.Context, turn Turn) error

	// Turns returns all turns for sessionID in completion order.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
}
