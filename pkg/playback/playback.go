// Package playback renders inbound synthesised-audio segments as gapless
// sequential output.
//
// The core invariant is the playback clock: a monotonically non-decreasing
// "next start time" in the output device's own clock domain. Each segment is
// scheduled at max(clock, device now) and the clock advances by the
// segment's duration, so segments play strictly back-to-back with no overlap
// when segments arrive faster than real time, no rewind when they arrive
// late.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aria-voice/aria/pkg/live"
	"github.com/aria-voice/aria/pkg/pcm"
)

// DefaultSampleRate is the playback rate of model speech from the remote
// service.
const DefaultSampleRate = 24000

// Output is an open audio output accepting scheduled buffer playback
// requests. Times are expressed in the device's own clock domain, as
// returned by Now.
type Output interface {
	// Now returns the device's current playback position.
	Now() time.Duration

	// ScheduleAt queues buf to begin playing at start. Buffers are
	// fire-and-forget: the device reclaims them after playback finishes.
	ScheduleAt(buf pcm.PlaybackBuffer, start time.Duration) error

	// Close releases the output device. Idempotent.
	Close() error
}

// Device opens audio outputs. Implementations wrap whatever actually plays
// audio: a browser client receiving buffers over a WebSocket, an OS audio
// API, or a test fixture.
type Device interface {
	Open(ctx context.Context, sampleRate int) (Output, error)
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the sample rate segments are decoded at.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) { s.sampleRate = rate }
}

// WithChannels sets the channel count segments are decoded at.
func WithChannels(n int) Option {
	return func(s *Scheduler) { s.channels = n }
}

// OnDecodeError registers a callback invoked when an inbound segment cannot
// be decoded. The segment is dropped and playback continues; the callback
// exists for metrics. May be nil.
func OnDecodeError(fn func(err error)) Option {
	return func(s *Scheduler) { s.onDecodeError = fn }
}

// Scheduler decodes inbound audio segments and schedules them on an
// [Output] in receipt order with no gaps and no overlaps.
//
// Safe for concurrent use, though segments scheduled concurrently have no
// defined relative order; the ordering guarantee applies to the order Play
// observes them.
type Scheduler struct {
	out           Output
	sampleRate    int
	channels      int
	onDecodeError func(error)

	mu    sync.Mutex
	clock time.Duration
}

// NewScheduler creates a Scheduler playing through out. Defaults: 24 kHz mono.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: DefaultSampleRate,
		channels:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Play decodes seg and schedules it for gapless playback. A malformed
// payload is dropped, reported via the decode-error callback, and the
// clock is left untouched so subsequent segments are unaffected. A device
// scheduling failure likewise drops only the affected segment.
func (s *Scheduler) Play(seg live.AudioSegment) {
	buf, err := pcm.DecodeSegment(seg.Data, s.sampleRate, s.channels)
	if err != nil {
		if s.onDecodeError != nil {
			s.onDecodeError(err)
		}
		slog.Warn("playback: dropping undecodable segment", "err", err)
		return
	}
	if buf.Duration() == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock
	if now := s.out.Now(); now > start {
		start = now
	}
	if err := s.out.ScheduleAt(buf, start); err != nil {
		slog.Warn("playback: schedule failed, dropping segment", "err", err)
		return
	}
	s.clock = start + buf.Duration()
}

// NextStart returns the current value of the playback clock: the earliest
// time the next segment may begin.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}
