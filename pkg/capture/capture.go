// Package capture turns a live microphone stream into a sequence of encoded
// outbound audio frames.
//
// The two abstractions mirror the playback side:
//
//   - [Device] acquires the microphone and returns a [Stream].
//   - [Stream] delivers fixed-size frames of normalised float32 samples.
//
// A [Pipeline] reads frames from a stream, encodes each one with
// [pcm.EncodeFrame], and forwards it to a [Sink] (the live session) through
// a bounded queue drained by a dedicated send goroutine. Encoding happens at
// capture cadence; network latency never backs up into the capture path,
// when the queue is full the oldest frame is dropped.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aria-voice/aria/pkg/pcm"
)

const (
	// DefaultSampleRate is the capture rate expected by the remote speech
	// service.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per frame (~256 ms at 16 kHz).
	DefaultFrameSize = 4096

	// defaultQueueDepth bounds the outbound frame queue between the capture
	// loop and the send goroutine.
	defaultQueueDepth = 16
)

// PermissionError reports that microphone access was denied or no capture
// device is available. It is surfaced to the user; the session never starts.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "capture: microphone unavailable: " + e.Err.Error()
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Stream is an open microphone stream delivering fixed-size frames of
// normalised float32 samples. The channel is closed when the stream ends or
// is closed.
type Stream interface {
	// Frames returns the read-only frame channel. Each frame has exactly
	// the size requested when the stream was opened.
	Frames() <-chan []float32

	// Close releases the underlying device. Idempotent.
	Close() error
}

// Device acquires microphone streams. Implementations wrap whatever actually
// produces audio: a browser client forwarding samples over a WebSocket, an
// OS capture API, or a test fixture.
type Device interface {
	// Open requests audio-only capture at the given sample rate and frame
	// size. Returns a [*PermissionError] if access is denied or no device
	// is available.
	Open(ctx context.Context, sampleRate, frameSize int) (Stream, error)
}

// Sink accepts encoded outbound frames. *live sessions satisfy this.
type Sink interface {
	Send(frame pcm.EncodedFrame) error
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithQueueDepth sets the bound on the outbound frame queue. Frames beyond
// the bound displace the oldest queued frame.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithSampleRate overrides the sample rate stamped into encoded frames.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) { p.sampleRate = rate }
}

// OnDrop registers a callback invoked with the number of frames discarded
// whenever the queue overflows or a send fails. Used for metrics; may be nil.
func OnDrop(fn func(n int)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline forwards microphone frames from a [Stream] to a [Sink].
//
// The pipeline owns two goroutines: a capture loop that encodes frames and
// enqueues them, and a sender that drains the queue. [Pipeline.Stop]
// detaches from the stream and halts both, but deliberately does not close
// the stream itself; the device stream is owned by the session lifecycle
// controller.
type Pipeline struct {
	sink       Sink
	sampleRate int
	queueDepth int
	onDrop     func(int)

	mu      sync.Mutex
	queue   []pcm.EncodedFrame
	stopped bool

	ready chan struct{} // signalled when the queue becomes non-empty
	done  chan struct{}
	wg    sync.WaitGroup
}

// Start begins forwarding frames from stream to sink and returns the running
// pipeline. Forwarding continues until the stream's frame channel closes or
// [Pipeline.Stop] is called.
func Start(stream Stream, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:       sink,
		sampleRate: DefaultSampleRate,
		queueDepth: defaultQueueDepth,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(2)
	go p.captureLoop(stream.Frames())
	go p.sendLoop()
	return p
}

// captureLoop encodes each frame and enqueues it. It never blocks on the
// sink: the queue absorbs jitter and drops the oldest frame on overflow.
func (p *Pipeline) captureLoop(frames <-chan []float32) {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.enqueue(pcm.EncodeFrame(frame, p.sampleRate))
		}
	}
}

func (p *Pipeline) enqueue(frame pcm.EncodedFrame) {
	p.mu.Lock()
	if len(p.queue) >= p.queueDepth {
		p.queue = p.queue[1:]
		p.noteDropLocked(1)
	}
	p.queue = append(p.queue, frame)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// sendLoop drains the queue into the sink. A failed send is reported via the
// drop callback and logged, but never stops capture: delivery is best-effort
// by contract.
func (p *Pipeline) sendLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case <-p.ready:
		}

		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			frame := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if err := p.sink.Send(frame); err != nil {
				p.noteDrop(1)
				slog.Debug("capture: frame send failed", "err", err)
			}
		}
	}
}

func (p *Pipeline) noteDrop(n int) {
	if p.onDrop != nil {
		p.onDrop(n)
	}
}

// noteDropLocked must be called with p.mu held; it releases nothing and only
// exists so enqueue can report drops without re-locking.
func (p *Pipeline) noteDropLocked(n int) {
	if p.onDrop != nil {
		p.onDrop(n)
	}
}

// Stop halts both pipeline goroutines and waits for them to exit. It does
// not close the underlying stream or the sink. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}
