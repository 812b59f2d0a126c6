// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM chunks;
// everything the server sends back (setup acknowledgement, audio,
// transcription deltas, turn boundaries, errors) is translated into the
// ordered live.Event stream.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/pcm"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultConnectTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// eventBuf is the buffer depth of the inbound event channel. Deep enough
	// to absorb bursts of small transcription deltas without stalling the
	// receive loop.
	eventBuf = 64

	// pendingLimit bounds the number of frames queued while the session is
	// not yet open. Beyond the bound the oldest frame is dropped; capture
	// cadence is ~4 frames/s, so 16 frames covers several seconds of
	// pre-open speech without unbounded growth under backpressure.
	pendingLimit = 16
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithConnectTimeout sets the deadline for the server's setup
// acknowledgement. If the session is not open within d of dialing, it is
// closed and an event carrying [live.ErrConnectTimeout] is emitted.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey         string
	baseURL        string
	connectTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session with the given
// configuration. The returned session accepts Send immediately (frames are
// queued until the server acknowledges setup) but is not open until its
// EventOpened event fires.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.ConnectionError{Err: fmt.Errorf("gemini: dial: %w", err)}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuf),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.ConnectionError{Err: fmt.Errorf("gemini: setup: %w", err)}
	}

	sess.openTimer = time.AfterFunc(p.connectTimeout, sess.openTimeout)

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	events    chan live.Event
	openTimer *time.Timer

	mu       sync.Mutex
	open     bool
	closed   bool
	finished bool // events channel closed; no further sends allowed
	pending  []pcm.EncodedFrame

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message, requesting
// audio responses plus transcription of both directions.
func (s *session) sendSetup(cfg live.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// emit delivers ev on the event channel, giving up if the session context is
// cancelled (consumer gone or session closing).
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// events, preserving server order. It owns the events channel: it emits the
// final EventClosed and closes the channel when it exits.
func (s *session) receiveLoop() {
	defer s.finish()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Cancelled context means Close was called: clean shutdown.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(live.Event{
				Type: live.EventError,
				Err:  &live.ConnectionError{Err: err},
			})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.handleSetupComplete()
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.emit(live.Event{
			Type: live.EventError,
			Err:  fmt.Errorf("gemini: %s", text),
		})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

// handleSetupComplete marks the session open, flushes frames queued before
// the acknowledgement (in order), and emits EventOpened.
func (s *session) handleSetupComplete() {
	if s.openTimer != nil {
		s.openTimer.Stop()
	}

	s.mu.Lock()
	s.open = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, frame := range queued {
		_ = s.writeFrame(frame) // best-effort, same as live sends
	}

	s.emit(live.Event{Type: live.EventOpened})
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				s.emit(live.Event{
					Type: live.EventAudio,
					Audio: live.AudioSegment{
						Data:     p.InlineData.Data,
						MIMEType: p.InlineData.MIMEType,
					},
				})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(live.Event{Type: live.EventInputTranscription, Text: sc.InputTranscription.Text})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(live.Event{Type: live.EventOutputTranscription, Text: sc.OutputTranscription.Text})
	}

	// Turn boundary comes after any deltas carried in the same message.
	if sc.TurnComplete {
		s.emit(live.Event{Type: live.EventTurnComplete})
	}
}

// openTimeout fires when the server never acknowledges setup. The session is
// closed and the timeout surfaced as an error event.
func (s *session) openTimeout() {
	s.mu.Lock()
	if s.open || s.finished {
		s.mu.Unlock()
		return
	}
	// Deliver under the mutex so finish cannot close the channel between the
	// check above and this send; the channel is buffered, the send does not
	// block.
	select {
	case s.events <- live.Event{Type: live.EventError, Err: live.ErrConnectTimeout}:
	default:
	}
	s.mu.Unlock()

	_ = s.Close()
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// finish emits the terminal EventClosed and closes the event channel. It
// stops the open timer first and marks the session finished under the mutex,
// so a pending openTimeout cannot send on the closed channel. The
// non-blocking send is deliberate: by this point the consumer may have
// stopped reading, and the buffered channel still preserves ordering for
// consumers that are draining.
func (s *session) finish() {
	s.closeOnce.Do(func() {
		if s.openTimer != nil {
			s.openTimer.Stop()
		}
		s.mu.Lock()
		s.finished = true
		select {
		case s.events <- live.Event{Type: live.EventClosed}:
		default:
		}
		close(s.events)
		s.mu.Unlock()
	})
}

// writeFrame sends one encoded frame as a realtimeInput message.
func (s *session) writeFrame(frame pcm.EncodedFrame) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: frame.MIMEType, Data: frame.Data},
			},
		},
	}
	return s.writeJSON(msg)
}

// ── Session methods ───────────────────────────────────────────────────────────

// Send delivers one microphone frame. Before the server acknowledges setup,
// frames are queued up to pendingLimit with a drop-oldest overflow policy.
func (s *session) Send(frame pcm.EncodedFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	if !s.open {
		if len(s.pending) >= pendingLimit {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, frame)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeFrame(frame)
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	if s.openTimer != nil {
		s.openTimer.Stop()
	}
	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
