// Package pcm converts between the three audio representations used in the
// Aria live pipeline:
//
//   - normalised float32 samples in [-1.0, 1.0], as produced by capture
//     devices and consumed by playback devices;
//   - 16-bit signed little-endian integer PCM, the wire format of the
//     remote generative-audio service;
//   - base64 text, the transport encoding of PCM payloads inside JSON
//     protocol messages.
//
// All functions are pure and synchronous; they never touch the network or
// audio hardware.
package pcm

import (
	"encoding/base64"
	"fmt"
	"time"
)

// EncodedFrame is a single outbound audio frame: 16-bit signed little-endian
// PCM, base64-encoded, tagged with a MIME descriptor carrying the sample
// rate (e.g. "audio/pcm;rate=16000"). Frames are transmitted once and then
// discarded.
type EncodedFrame struct {
	// Data is the base64-encoded PCM payload.
	Data string

	// MIMEType describes the payload format, including the sample rate.
	MIMEType string
}

// PlaybackBuffer is a decoded inbound audio segment, ready to hand to an
// audio output device: one float32 plane per channel, all planes the same
// length.
type PlaybackBuffer struct {
	// Channels holds one sample plane per audio channel.
	Channels [][]float32

	// SampleRate is the playback rate in Hz (e.g. 24000 for model speech).
	SampleRate int
}

// Duration returns the playback duration of the buffer. A buffer with no
// channels or a non-positive sample rate has zero duration.
func (b PlaybackBuffer) Duration() time.Duration {
	if len(b.Channels) == 0 || b.SampleRate <= 0 {
		return 0
	}
	frames := len(b.Channels[0])
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame converts normalised float32 samples (mono) into an
// [EncodedFrame] at the given sample rate.
//
// Samples are scaled by 32768 and clamped to the int16 range before
// conversion. Clamping is deliberate: out-of-range input (a hot microphone,
// an unnormalised source) saturates instead of wrapping around, which would
// otherwise turn loud input into full-scale noise.
func EncodeFrame(samples []float32, sampleRate int) EncodedFrame {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		raw[i*2] = byte(v)
		raw[i*2+1] = byte(v >> 8)
	}
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
	}
}

// DecodeError reports a malformed inbound audio payload. The offending
// segment should be dropped; decoding errors alone are never a reason to
// tear down a session.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "pcm: decode segment: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeSegment converts a base64-encoded 16-bit signed little-endian PCM
// payload into a [PlaybackBuffer] with the given sample rate and channel
// count. Interleaved input is de-interleaved into per-channel planes; sample
// values are rescaled to the normalised float32 range by dividing by 32768.
//
// Returns a [*DecodeError] if the payload is not valid base64, is not
// aligned to whole frames, or if channels is not positive. Trailing partial
// frames are treated as corruption, not silently truncated.
func DecodeSegment(b64 string, sampleRate, channels int) (PlaybackBuffer, error) {
	if channels <= 0 {
		return PlaybackBuffer{}, &DecodeError{Err: fmt.Errorf("invalid channel count %d", channels)}
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PlaybackBuffer{}, &DecodeError{Err: err}
	}

	frameBytes := channels * 2
	if len(raw)%frameBytes != 0 {
		return PlaybackBuffer{}, &DecodeError{
			Err: fmt.Errorf("%d bytes is not a whole number of %d-channel frames", len(raw), channels),
		}
	}

	frames := len(raw) / frameBytes
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}

	for f := range frames {
		base := f * frameBytes
		for c := range channels {
			off := base + c*2
			s := int16(raw[off]) | int16(raw[off+1])<<8
			planes[c][f] = float32(s) / 32768
		}
	}

	return PlaybackBuffer{Channels: planes, SampleRate: sampleRate}, nil
}
