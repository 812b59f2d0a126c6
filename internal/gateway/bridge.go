package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aria-voice/aria/pkg/capture"
	"github.com/aria-voice/aria/pkg/pcm"
	"github.com/aria-voice/aria/pkg/playback"
)

// clientEnvelope is a message from the browser client.
type clientEnvelope struct {
	// Type is "audio" or "stop".
	Type string `json:"type"`

	// Data is base64-encoded 16-bit PCM at the capture rate, set for audio
	// messages.
	Data string `json:"data,omitempty"`
}

// serverEnvelope is a message to the browser client.
type serverEnvelope struct {
	// Type is one of ready, audio, transcript, turn, error, closed.
	Type string `json:"type"`

	// Audio fields. StartAtMs is the playback position at which the client
	// should begin this segment, in the output clock started at session open.
	Data      string `json:"data,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
	StartAtMs int64  `json:"start_at_ms,omitempty"`

	// Transcript fields. Role is "user" or "model".
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// Turn fields.
	User  string `json:"user,omitempty"`
	Model string `json:"model,omitempty"`

	// Error field.
	Message string `json:"message,omitempty"`
}

// bridge adapts one browser WebSocket connection into the audio device
// interfaces consumed by the session controller: the client's microphone
// frames arrive as inbound messages and become a [capture.Stream]; scheduled
// playback buffers leave as outbound messages through a [playback.Output].
//
// Writes are serialised by a mutex since the dispatch loop and the playback
// scheduler both produce outbound messages.
type bridge struct {
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	framesMu     sync.Mutex
	frames       chan []float32
	framesClosed bool
	frameSize    int
	partial      []float32
}

func newBridge(ctx context.Context, conn *websocket.Conn) *bridge {
	return &bridge{
		conn:      conn,
		ctx:       ctx,
		frames:    make(chan []float32, 16),
		frameSize: capture.DefaultFrameSize,
	}
}

// send writes one envelope to the client. Errors are returned so callers can
// decide whether the connection is still worth using.
func (b *bridge) send(env serverEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.Write(b.ctx, websocket.MessageText, data)
}

// pushSamples feeds decoded microphone samples into the capture stream,
// re-chunking them to the frame size requested when the stream was opened.
// Browsers deliver whatever buffer size their audio worklet happens to use,
// while the stream contract promises fixed-size frames, so a partial tail is
// held back until the next message fills it. Returns the number of complete
// frames enqueued; frames are dropped non-blocking when the channel is full,
// the capture pipeline applies its own queueing downstream.
func (b *bridge) pushSamples(samples []float32) int {
	b.framesMu.Lock()
	defer b.framesMu.Unlock()
	if b.framesClosed {
		return 0
	}
	b.partial = append(b.partial, samples...)

	pushed := 0
	for len(b.partial) >= b.frameSize {
		frame := make([]float32, b.frameSize)
		copy(frame, b.partial)
		rest := copy(b.partial, b.partial[b.frameSize:])
		b.partial = b.partial[:rest]
		select {
		case b.frames <- frame:
			pushed++
		default:
		}
	}
	return pushed
}

// closeFrames ends the capture stream. Idempotent.
func (b *bridge) closeFrames() {
	b.framesMu.Lock()
	defer b.framesMu.Unlock()
	if !b.framesClosed {
		b.framesClosed = true
		close(b.frames)
	}
}

// mic returns the bridge's capture side.
func (b *bridge) mic() capture.Device { return micDevice{b} }

// speaker returns the bridge's playback side.
func (b *bridge) speaker() playback.Device { return speakerDevice{b} }

type micDevice struct{ b *bridge }

// Open records the requested frame size so inbound client audio can be
// re-chunked to it. The sample rate is a contract with the client, which
// must capture at the configured rate; the bridge cannot resample.
func (d micDevice) Open(_ context.Context, _, frameSize int) (capture.Stream, error) {
	d.b.framesMu.Lock()
	if frameSize > 0 {
		d.b.frameSize = frameSize
	}
	d.b.framesMu.Unlock()
	return clientStream{d.b}, nil
}

type clientStream struct{ b *bridge }

func (s clientStream) Frames() <-chan []float32 { return s.b.frames }

func (s clientStream) Close() error {
	s.b.closeFrames()
	return nil
}

type speakerDevice struct{ b *bridge }

func (d speakerDevice) Open(_ context.Context, _ int) (playback.Output, error) {
	return &clientOutput{b: d.b, opened: time.Now()}, nil
}

// clientOutput relays scheduled playback buffers to the browser. Its clock
// is wall time since the output was opened; the client mirrors that clock
// when scheduling buffers on its own audio device.
type clientOutput struct {
	b      *bridge
	opened time.Time
}

func (o *clientOutput) Now() time.Duration { return time.Since(o.opened) }

func (o *clientOutput) ScheduleAt(buf pcm.PlaybackBuffer, start time.Duration) error {
	frame := pcm.EncodeFrame(buf.Channels[0], buf.SampleRate)
	return o.b.send(serverEnvelope{
		Type:      "audio",
		Data:      frame.Data,
		MIMEType:  frame.MIMEType,
		StartAtMs: start.Milliseconds(),
	})
}

func (o *clientOutput) Close() error { return nil }
