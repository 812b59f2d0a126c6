// Package gateway is the HTTP and WebSocket surface of the aria server.
//
// Browser clients open a WebSocket at /v1/session to run a live voice
// session: they stream microphone PCM up and receive scheduled playback
// audio, transcription deltas, completed turns, and errors back. One-shot
// assistant modes, conversation history, health probes, and Prometheus
// metrics are served over plain HTTP.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/aria-voice/aria/internal/controller"
	"github.com/aria-voice/aria/internal/health"
	"github.com/aria-voice/aria/internal/observe"
	"github.com/aria-voice/aria/internal/resilience"
	"github.com/aria-voice/aria/pkg/assist"
	"github.com/aria-voice/aria/pkg/history"
	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/pcm"
	"github.com/aria-voice/aria/pkg/playback"
)

// Server wires live sessions, one-shot assistant modes, and operational
// endpoints into one HTTP handler.
type Server struct {
	provider  live.Provider
	store     history.Store
	assistant *assist.Assistant
	liveCfg   live.Config
	metrics   *observe.Metrics
	breaker   *resilience.CircuitBreaker

	captureRate  int
	frameSize    int
	playbackRate int
	queueDepth   int

	checkers []health.Checker
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithAssistant enables the one-shot assistant endpoints.
func WithAssistant(a *assist.Assistant) Option {
	return func(s *Server) { s.assistant = a }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAudioFormat overrides the capture and playback PCM formats.
func WithAudioFormat(captureRate, frameSize, playbackRate int) Option {
	return func(s *Server) {
		if captureRate > 0 {
			s.captureRate = captureRate
		}
		if frameSize > 0 {
			s.frameSize = frameSize
		}
		if playbackRate > 0 {
			s.playbackRate = playbackRate
		}
	}
}

// WithQueueDepth overrides the bound on the per-session outbound frame queue.
func WithQueueDepth(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithHealthCheckers adds readiness checks served at /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// New creates a gateway Server. provider and store must be non-nil.
func New(provider live.Provider, store history.Store, liveCfg live.Config, opts ...Option) *Server {
	s := &Server{
		provider:     provider,
		store:        store,
		liveCfg:      liveCfg,
		captureRate:  16000,
		frameSize:    4096,
		playbackRate: playback.DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "assist"})
	return s
}

// Handler returns the full HTTP handler, including observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/assist/chat", s.handleChat)
	mux.HandleFunc("POST /v1/assist/image", s.handleImage)
	mux.HandleFunc("POST /v1/assist/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /v1/history/{session}", s.handleHistory)

	health.New(s.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// handleSession upgrades the connection and runs one live voice session
// over it, bridging the client's audio to the session controller.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	b := newBridge(ctx, conn)
	started := time.Now()

	ctrl := controller.New(b.mic(), b.speaker(), s.provider, s.store, s.liveCfg,
		controller.WithCaptureFormat(s.captureRate, s.frameSize),
		controller.WithPlaybackRate(s.playbackRate),
		controller.WithQueueDepth(s.queueDepth),
		controller.OnEvent(func(ev live.Event) { s.forward(b, ev, started) }),
		controller.OnTurn(func(turn history.Turn) {
			s.metrics.RecordTurnCompleted(ctx)
			if err := b.send(serverEnvelope{Type: "turn", User: turn.User, Model: turn.Model}); err != nil {
				slog.Debug("gateway: turn send failed", "err", err)
			}
		}),
		controller.OnFrameDrop(func(n int) { s.metrics.FramesDropped.Add(ctx, int64(n)) }),
		controller.OnDecodeError(func(error) { s.metrics.DecodeErrors.Add(ctx, 1) }),
	)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	if err := ctrl.Start(ctx); err != nil {
		slog.Error("gateway: session start failed", "err", err)
		_ = b.send(serverEnvelope{Type: "error", Message: err.Error()})
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}
	slog.Info("gateway: session opened", "session", ctrl.SessionID(), "remote", r.RemoteAddr)

	go s.readLoop(conn, b, ctrl)

	<-ctrl.Done()
	_ = b.send(serverEnvelope{Type: "closed"})
	conn.Close(websocket.StatusNormalClosure, "session ended")
	slog.Info("gateway: session closed", "session", ctrl.SessionID())
}

// forward relays controller events to the client. Audio is not forwarded
// here; it reaches the client through the playback scheduler so that the
// gapless start times survive the trip.
func (s *Server) forward(b *bridge, ev live.Event, started time.Time) {
	switch ev.Type {
	case live.EventOpened:
		s.metrics.ConnectDuration.Record(b.ctx, time.Since(started).Seconds())
		_ = b.send(serverEnvelope{Type: "ready"})
	case live.EventAudio:
		// The payload itself travels through the scheduler; only the count
		// is recorded here.
		s.metrics.SegmentsScheduled.Add(b.ctx, 1)
	case live.EventInputTranscription:
		_ = b.send(serverEnvelope{Type: "transcript", Role: "user", Text: ev.Text})
	case live.EventOutputTranscription:
		_ = b.send(serverEnvelope{Type: "transcript", Role: "model", Text: ev.Text})
	case live.EventError:
		_ = b.send(serverEnvelope{Type: "error", Message: ev.Err.Error()})
	}
}

// readLoop consumes client messages until the connection drops or the
// client asks to stop.
func (s *Server) readLoop(conn *websocket.Conn, b *bridge, ctrl *controller.Controller) {
	for {
		_, data, err := conn.Read(b.ctx)
		if err != nil {
			ctrl.Stop()
			return
		}

		var env clientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("gateway: malformed client message", "err", err)
			continue
		}

		switch env.Type {
		case "audio":
			buf, err := pcm.DecodeSegment(env.Data, s.captureRate, 1)
			if err != nil {
				slog.Debug("gateway: undecodable client audio", "err", err)
				continue
			}
			if n := b.pushSamples(buf.Channels[0]); n > 0 {
				s.metrics.FramesSent.Add(b.ctx, int64(n))
			}
		case "stop":
			ctrl.Stop()
		default:
			slog.Debug("gateway: unknown client message type", "type", env.Type)
		}
	}
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type imageRequest struct {
	Image    string `json:"image"` // base64
	MIMEType string `json:"mime_type"`
	Prompt   string `json:"prompt,omitempty"`
}

type transcribeRequest struct {
	Audio    string `json:"audio"` // base64
	MIMEType string `json:"mime_type"`
}

type assistResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assistant not configured"})
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	s.respondAssist(w, r, "chat", func() (string, error) {
		return s.assistant.Chat(r.Context(), req.Prompt)
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assistant not configured"})
		return
	}
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "image is not valid base64"})
		return
	}
	s.respondAssist(w, r, "image", func() (string, error) {
		return s.assistant.DescribeImage(r.Context(), image, req.MIMEType, req.Prompt)
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assistant not configured"})
		return
	}
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audio is not valid base64"})
		return
	}
	s.respondAssist(w, r, "transcribe", func() (string, error) {
		return s.assistant.Transcribe(r.Context(), audio, req.MIMEType)
	})
}

// respondAssist runs one assistant call through the circuit breaker and
// writes the JSON response, recording latency and outcome metrics.
func (s *Server) respondAssist(w http.ResponseWriter, r *http.Request, mode string, call func() (string, error)) {
	start := time.Now()
	var text string
	err := s.breaker.Execute(func() error {
		var callErr error
		text, callErr = call()
		return callErr
	})
	s.metrics.AssistDuration.Record(r.Context(), time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("mode", mode)))

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		s.metrics.RecordAssistRequest(r.Context(), mode, "rejected")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assistant temporarily unavailable"})
		return
	case err != nil:
		s.metrics.RecordAssistRequest(r.Context(), mode, "error")
		slog.Error("gateway: assist call failed", "mode", mode, "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	s.metrics.RecordAssistRequest(r.Context(), mode, "ok")
	writeJSON(w, http.StatusOK, assistResponse{Text: text})
}

type turnDTO struct {
	User        string    `json:"user"`
	Model       string    `json:"model"`
	CompletedAt time.Time `json:"completed_at"`
}

type historyResponse struct {
	SessionID string    `json:"session_id"`
	Turns     []turnDTO `json:"turns"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	turns, err := s.store.Turns(r.Context(), sessionID)
	if err != nil {
		slog.Error("gateway: history lookup failed", "session", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history lookup failed"})
		return
	}

	resp := historyResponse{SessionID: sessionID, Turns: make([]turnDTO, 0, len(turns))}
	for _, turn := range turns {
		resp.Turns = append(resp.Turns, turnDTO{User: turn.User, Model: turn.Model, CompletedAt: turn.CompletedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: response encode failed", "err", err)
	}
}
