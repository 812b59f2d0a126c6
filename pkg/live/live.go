// Package live defines the Provider and Session interfaces for real-time
// bidirectional generative-audio backends.
//
// A live session streams microphone audio to a remote speech model and
// receives synthesised audio plus incremental transcriptions of both sides
// of the conversation. Unlike callback-style APIs, all inbound traffic is
// surfaced as a single ordered stream of [Event] values so that state
// mutation can live in one dispatch loop instead of being scattered across
// disconnected closures.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/aria-voice/aria/pkg/pcm"
)

// ErrConnectTimeout is returned by [Provider.Connect] when the remote
// service does not open the session within the configured deadline.
var ErrConnectTimeout = errors.New("live: connect timed out")

// ConnectionError reports that the transport failed to open or dropped
// unexpectedly. It is user-visible: the session must be torn down and
// restarted explicitly; no automatic retries are attempted.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "live: connection: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EventType classifies inbound session events.
type EventType int

const (
	// EventOpened signals that the remote service accepted the session
	// setup. The session is not guaranteed usable before this event.
	EventOpened EventType = iota

	// EventInputTranscription carries an incremental transcription delta of
	// the user's speech.
	EventInputTranscription

	// EventOutputTranscription carries an incremental transcription delta
	// of the model's spoken response.
	EventOutputTranscription

	// EventTurnComplete signals that the model finished its response turn.
	EventTurnComplete

	// EventAudio carries a synthesised audio segment.
	EventAudio

	// EventError carries a non-protocol failure reported by the remote
	// service or the transport.
	EventError

	// EventClosed is the final event on a session's stream; the event
	// channel is closed immediately after it is delivered.
	EventClosed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "OPENED"
	case EventInputTranscription:
		return "INPUT_TRANSCRIPTION"
	case EventOutputTranscription:
		return "OUTPUT_TRANSCRIPTION"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventAudio:
		return "AUDIO"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AudioSegment is an inbound synthesised-speech payload. The transport does
// not decode it; Data stays base64-encoded 16-bit PCM until the playback
// pipeline calls [pcm.DecodeSegment].
type AudioSegment struct {
	// Data is the base64-encoded PCM payload.
	Data string

	// MIMEType is the payload descriptor reported by the service, when any
	// (e.g. "audio/pcm;rate=24000"). May be empty.
	MIMEType string
}

// Event is one inbound session event. Exactly the fields relevant to Type
// are populated: Text for transcription deltas, Audio for EventAudio, Err
// for EventError.
//
// Events for a single session are delivered in the order the remote service
// produced them; the transport never reorders or coalesces.
type Event struct {
	Type  EventType
	Text  string
	Audio AudioSegment
	Err   error
}

// Config is the initial configuration for a new live session.
type Config struct {
	// Model is the target speech model identifier.
	Model string

	// SystemInstruction is the system-level prompt for the assistant.
	SystemInstruction string

	// Voice selects the prebuilt voice for synthesised speech. Empty means
	// the provider default.
	Voice string
}

// Session represents an open bidirectional audio session. It is an
// interface so that tests can supply mock implementations without a network
// connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Send delivers one encoded microphone frame to the remote service.
	// Delivery is best-effort: frames sent before the session is open are
	// queued up to a small bound (oldest dropped beyond it) and flushed in
	// order once the open event arrives. Returns an error only if the
	// session is closed or the write fails outright.
	Send(frame pcm.EncodedFrame) error

	// Events returns the ordered inbound event stream. The channel is
	// closed after EventClosed is delivered. Consumers must drain it
	// promptly to avoid stalling the transport's receive loop.
	Events() <-chan Event

	// Close terminates the session and releases its resources. Closing an
	// already-closed or never-opened session is a no-op, never an error.
	Close() error
}

// Provider is the abstraction over a generative-audio backend capable of
// opening live sessions.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned session is not necessarily usable until its EventOpened
	// event fires. The caller owns the session and must call Close.
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// Validate reports configuration problems that would make Connect fail.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("live: config: model is required")
	}
	return nil
}
