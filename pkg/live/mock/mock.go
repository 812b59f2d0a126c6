// Package mock provides configurable in-memory implementations of the live
// interfaces for use in tests.
package mock

import (
	"context"
	"sync"

	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/pcm"
)

// Compile-time assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*Session)(nil)

// Session is a scriptable live.Session. Tests drive the inbound stream with
// the Emit* helpers and inspect outbound frames via SentFrames.
type Session struct {
	events chan live.Event

	mu     sync.Mutex
	sent   []pcm.EncodedFrame
	closed bool

	// SendErr, when non-nil, is returned by every Send call.
	SendErr error
}

// NewSession creates a mock session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Send records the frame (or returns SendErr).
func (s *Session) Send(frame pcm.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close marks the session closed and ends the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentFrames returns a copy of all frames passed to Send.
func (s *Session) SentFrames() []pcm.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.EncodedFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Emit pushes an arbitrary event onto the stream.
func (s *Session) Emit(ev live.Event) { s.events <- ev }

// EmitOpened pushes the open acknowledgement.
func (s *Session) EmitOpened() { s.Emit(live.Event{Type: live.EventOpened}) }

// EmitInput pushes a user-speech transcription delta.
func (s *Session) EmitInput(text string) {
	s.Emit(live.Event{Type: live.EventInputTranscription, Text: text})
}

// EmitOutput pushes a model-speech transcription delta.
func (s *Session) EmitOutput(text string) {
	s.Emit(live.Event{Type: live.EventOutputTranscription, Text: text})
}

// EmitTurnComplete pushes a turn boundary.
func (s *Session) EmitTurnComplete() { s.Emit(live.Event{Type: live.EventTurnComplete}) }

// EmitAudio pushes a synthesised audio segment.
func (s *Session) EmitAudio(seg live.AudioSegment) {
	s.Emit(live.Event{Type: live.EventAudio, Audio: seg})
}

// EmitError pushes a non-fatal error event.
func (s *Session) EmitError(err error) { s.Emit(live.Event{Type: live.EventError, Err: err}) }

// EmitClosed pushes the terminal event and closes the stream.
func (s *Session) EmitClosed() {
	s.Emit(live.Event{Type: live.EventClosed})
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Provider is a live.Provider that hands out pre-built mock sessions.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, when non-nil, is returned by Connect.
	ConnectErr error

	// NextSession is returned by the next Connect call. When nil, Connect
	// creates a fresh Session.
	NextSession *Session

	connects []live.Config
	sessions []*Session
}

// Connect returns the scripted session (or a fresh one) and records cfg.
func (p *Provider) Connect(_ context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.NextSession
	if sess == nil {
		sess = NewSession()
	}
	p.NextSession = nil
	p.connects = append(p.connects, cfg)
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// ConnectCount reports how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

// LastConfig returns the configuration of the most recent Connect call.
func (p *Provider) LastConfig() live.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.connects) == 0 {
		return live.Config{}
	}
	return p.connects[len(p.connects)-1]
}

// Sessions returns all sessions handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}
