// Package controller coordinates one live voice session end to end: it
// acquires the microphone, opens the audio output, connects the transport,
// and runs the single dispatch loop that routes inbound session events to
// the playback scheduler, the turn aggregator, and the turn store.
//
// The controller is a state machine: Closed -> Starting -> Active ->
// Closing -> Closed. All session resources (capture stream, output, live
// session) are exclusively owned by one controller instance; teardown is
// idempotent and every cleanup step is individually fault-tolerant.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aria-voice/aria/internal/turns"
	"github.com/aria-voice/aria/pkg/capture"
	"github.com/aria-voice/aria/pkg/history"
	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/playback"
)

// ErrConcurrentSession is returned by [Controller.Start] when a session is
// already starting or active. The running session is left untouched.
var ErrConcurrentSession = errors.New("controller: session already active")

// ErrStopped is returned by [Controller.Start] when Stop was called while
// the session resources were still being acquired. Everything acquired up
// to that point is released before Start returns.
var ErrStopped = errors.New("controller: stopped during start")

// persistTimeout bounds how long a turn write to the store may take.
const persistTimeout = 5 * time.Second

// State is the controller's lifecycle state.
type State int

const (
	Closed State = iota
	Starting
	Active
	Closing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Starting:
		return "STARTING"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithCaptureFormat overrides the microphone sample rate and frame size.
func WithCaptureFormat(sampleRate, frameSize int) Option {
	return func(c *Controller) {
		c.captureRate = sampleRate
		c.frameSize = frameSize
	}
}

// WithPlaybackRate overrides the output sample rate.
func WithPlaybackRate(rate int) Option {
	return func(c *Controller) { c.playbackRate = rate }
}

// WithQueueDepth overrides the bound on the outbound capture frame queue.
func WithQueueDepth(n int) Option {
	return func(c *Controller) { c.queueDepth = n }
}

// OnEvent registers a callback invoked for every inbound session event,
// after the controller has applied it. Called from the dispatch loop, so it
// observes events in arrival order. May be nil.
func OnEvent(fn func(live.Event)) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// OnTurn registers a callback invoked for every completed conversation
// turn. Called from the dispatch loop. May be nil.
func OnTurn(fn func(history.Turn)) Option {
	return func(c *Controller) { c.onTurn = fn }
}

// OnFrameDrop registers a callback invoked with the number of outbound
// frames discarded by the capture pipeline. Used for metrics; may be nil.
func OnFrameDrop(fn func(n int)) Option {
	return func(c *Controller) { c.onFrameDrop = fn }
}

// OnDecodeError registers a callback invoked when an inbound audio segment
// cannot be decoded. Used for metrics; may be nil.
func OnDecodeError(fn func(err error)) Option {
	return func(c *Controller) { c.onDecodeError = fn }
}

// Controller owns one live voice session at a time. Safe for concurrent
// use; Start and Stop may be called from any goroutine, including from
// within the event callbacks.
type Controller struct {
	mic      capture.Device
	speaker  playback.Device
	provider live.Provider
	store    history.Store
	liveCfg  live.Config

	captureRate   int
	frameSize     int
	playbackRate  int
	queueDepth    int
	onEvent       func(live.Event)
	onTurn        func(history.Turn)
	onFrameDrop   func(int)
	onDecodeError func(error)

	mu        sync.Mutex
	state     State
	sessionID string
	sess      live.Session
	stream    capture.Stream
	output    playback.Output
	pipeline  *capture.Pipeline
	sched     *playback.Scheduler
	agg       *turns.Aggregator
	done      chan struct{}
}

// New creates a Controller. The store may be nil, in which case completed
// turns are kept only in the per-session aggregator history.
func New(mic capture.Device, speaker playback.Device, provider live.Provider, store history.Store, cfg live.Config, opts ...Option) *Controller {
	c := &Controller{
		mic:          mic,
		speaker:      speaker,
		provider:     provider,
		store:        store,
		liveCfg:      cfg,
		captureRate:  capture.DefaultSampleRate,
		frameSize:    capture.DefaultFrameSize,
		playbackRate: playback.DefaultSampleRate,
		state:        Closed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start acquires the microphone, opens the audio output, and connects the
// transport. It fails fast with [ErrConcurrentSession] unless the
// controller is Closed. Any acquisition failure rolls back the resources
// acquired so far and returns the controller to Closed, surfacing the
// original cause (a [*capture.PermissionError] for microphone denial, a
// [*live.ConnectionError] or [live.ErrConnectTimeout] for transport
// failures). If Stop is called while the acquisitions are still in flight,
// Start releases everything it acquired and returns [ErrStopped].
//
// Start returns once the transport handshake is underway; the controller
// becomes Active when the session's open event arrives.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Closed {
		c.mu.Unlock()
		return ErrConcurrentSession
	}
	c.state = Starting
	c.mu.Unlock()

	stream, err := c.mic.Open(ctx, c.captureRate, c.frameSize)
	if err != nil {
		c.setClosed()
		return fmt.Errorf("controller: acquire microphone: %w", err)
	}

	output, err := c.speaker.Open(ctx, c.playbackRate)
	if err != nil {
		closeQuietly("capture stream", stream.Close)
		c.setClosed()
		return fmt.Errorf("controller: open audio output: %w", err)
	}

	sess, err := c.provider.Connect(ctx, c.liveCfg)
	if err != nil {
		closeQuietly("audio output", output.Close)
		closeQuietly("capture stream", stream.Close)
		c.setClosed()
		return fmt.Errorf("controller: connect: %w", err)
	}

	c.mu.Lock()
	// Stop may have run while the blocking acquisitions above were in
	// flight; it saw nil resource fields, so releasing them is on us.
	if c.state != Starting {
		c.mu.Unlock()
		closeQuietly("live session", sess.Close)
		closeQuietly("capture stream", stream.Close)
		closeQuietly("audio output", output.Close)
		return ErrStopped
	}
	c.sessionID = uuid.NewString()
	c.sess = sess
	c.stream = stream
	c.output = output
	c.sched = playback.NewScheduler(output,
		playback.WithSampleRate(c.playbackRate),
		playback.OnDecodeError(c.onDecodeError))
	c.agg = turns.New(c.sessionID)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.dispatch(sess, done)

	slog.Info("controller: session starting",
		"session", c.sessionID, "model", c.liveCfg.Model)
	return nil
}

// Stop tears the session down. Calling Stop on a Closed controller, or
// repeatedly, is a no-op. Stop is safe to call from within the event
// callbacks; it does not wait for the dispatch loop, use [Controller.Done]
// for that.
func (c *Controller) Stop() {
	c.teardown("stop requested")
}

// Done returns a channel closed when the current session's dispatch loop
// has exited and all resources are released. If no session was ever
// started, the returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier of the current (or most recent) session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns the completed turns of the current session in completion
// order, or nil if no session has been started.
func (c *Controller) History() []history.Turn {
	c.mu.Lock()
	agg := c.agg
	c.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.History()
}

// dispatch is the single loop consuming the session's ordered event stream.
// Every piece of session state mutation happens here, in arrival order.
func (c *Controller) dispatch(sess live.Session, done chan struct{}) {
	defer close(done)

	for ev := range sess.Events() {
		c.handle(ev)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}

	// The stream ended without a terminal event reaching us first; make
	// sure resources are released either way.
	c.teardown("event stream ended")
}

func (c *Controller) handle(ev live.Event) {
	switch ev.Type {
	case live.EventOpened:
		c.activate()
	case live.EventAudio:
		c.mu.Lock()
		sched := c.sched
		c.mu.Unlock()
		if sched != nil {
			sched.Play(ev.Audio)
		}
	case live.EventInputTranscription:
		if agg := c.aggregator(); agg != nil {
			agg.AddUserDelta(ev.Text)
		}
	case live.EventOutputTranscription:
		if agg := c.aggregator(); agg != nil {
			agg.AddModelDelta(ev.Text)
		}
	case live.EventTurnComplete:
		c.completeTurn()
	case live.EventError:
		slog.Error("controller: session error", "session", c.sessionID, "err", ev.Err)
		c.teardown("session error")
	case live.EventClosed:
		c.teardown("session closed by remote")
	}
}

// activate transitions Starting -> Active and wires the capture pipeline to
// the transport. A late open event after teardown began is ignored.
func (c *Controller) activate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Starting {
		return
	}
	c.state = Active
	captureOpts := []capture.Option{
		capture.WithSampleRate(c.captureRate),
		capture.OnDrop(c.onFrameDrop),
	}
	if c.queueDepth > 0 {
		captureOpts = append(captureOpts, capture.WithQueueDepth(c.queueDepth))
	}
	c.pipeline = capture.Start(c.stream, c.sess, captureOpts...)
	slog.Info("controller: session active", "session", c.sessionID)
}

// aggregator snapshots the current turn aggregator under the mutex; it is
// written by Start while the dispatch loop reads it.
func (c *Controller) aggregator() *turns.Aggregator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agg
}

// completeTurn snapshots the aggregator and persists the turn. A store
// failure is logged; the in-memory history already has the turn.
func (c *Controller) completeTurn() {
	agg := c.aggregator()
	if agg == nil {
		return
	}
	turn := agg.CompleteTurn()
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := c.store.AppendTurn(ctx, turn); err != nil {
			slog.Error("controller: persist turn", "session", turn.SessionID, "err", err)
		}
		cancel()
	}
	if c.onTurn != nil {
		c.onTurn(turn)
	}
}

// teardown releases all session resources in a fixed order. It reports
// whether this call performed the teardown; re-entrant calls during Closing
// and calls on a Closed controller return false without touching anything.
// Each step tolerates failure so that one broken resource cannot leak the
// others.
func (c *Controller) teardown(reason string) bool {
	c.mu.Lock()
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return false
	}
	c.state = Closing
	sess, pipeline, stream, output := c.sess, c.pipeline, c.stream, c.output
	c.sess, c.pipeline, c.stream, c.output = nil, nil, nil, nil
	c.mu.Unlock()

	slog.Info("controller: tearing down", "session", c.sessionID, "reason", reason)

	if sess != nil {
		closeQuietly("live session", sess.Close)
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if stream != nil {
		closeQuietly("capture stream", stream.Close)
	}
	if output != nil {
		closeQuietly("audio output", output.Close)
	}

	c.setClosed()
	return true
}

func (c *Controller) setClosed() {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
}

// closeQuietly runs a cleanup step and logs a failure instead of
// propagating it, so teardown always continues to the next step.
func closeQuietly(what string, close func() error) {
	if err := close(); err != nil {
		slog.Warn("controller: teardown step failed", "step", what, "err", err)
	}
}
