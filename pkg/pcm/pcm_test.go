package pcm_test

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"

	"github.com/aria-voice/aria/pkg/pcm"
)

func TestEncodeFrame_ZerosProduceZeroBytes(t *testing.T) {
	t.Parallel()

	frame := pcm.EncodeFrame(make([]float32, 4096), 16000)

	raw, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		t.Fatalf("Data is not valid base64: %v", err)
	}
	if len(raw) != 8192 {
		t.Errorf("decoded payload = %d bytes; want 8192", len(raw))
	}
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d = %#x; want 0", i, b)
		}
	}
	if want := "audio/pcm;rate=16000"; frame.MIMEType != want {
		t.Errorf("MIMEType = %q; want %q", frame.MIMEType, want)
	}
}

func TestEncodeFrame_ClampsOutOfRangeSamples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"positive overflow", 1.5, 32767},
		{"exactly one", 1.0, 32767},
		{"negative overflow", -1.5, -32768},
		{"exactly minus one", -1.0, -32768},
		{"half scale", 0.5, 16384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame := pcm.EncodeFrame([]float32{tt.sample}, 16000)
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				t.Fatalf("decode base64: %v", err)
			}
			got := int16(raw[0]) | int16(raw[1])<<8
			if got != tt.want {
				t.Errorf("encoded sample = %d; want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeSegment_DeinterleavesStereo(t *testing.T) {
	t.Parallel()

	// Two stereo frames: L=16384 R=-16384, L=0 R=32767.
	raw := []byte{
		0x00, 0x40, 0x00, 0xC0,
		0x00, 0x00, 0xFF, 0x7F,
	}
	buf, err := pcm.DecodeSegment(base64.StdEncoding.EncodeToString(raw), 24000, 2)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}

	if len(buf.Channels) != 2 {
		t.Fatalf("channels = %d; want 2", len(buf.Channels))
	}
	left, right := buf.Channels[0], buf.Channels[1]
	if len(left) != 2 || len(right) != 2 {
		t.Fatalf("plane lengths = %d/%d; want 2/2", len(left), len(right))
	}
	if left[0] != 0.5 || right[0] != -0.5 {
		t.Errorf("frame 0 = %v/%v; want 0.5/-0.5", left[0], right[0])
	}
	if left[1] != 0 {
		t.Errorf("frame 1 left = %v; want 0", left[1])
	}
}

func TestDecodeSegment_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		b64      string
		channels int
	}{
		{"invalid base64", "not!!base64", 1},
		{"odd byte count", base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), 1},
		{"partial stereo frame", base64.StdEncoding.EncodeToString([]byte{1, 2}), 2},
		{"zero channels", base64.StdEncoding.EncodeToString([]byte{1, 2}), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := pcm.DecodeSegment(tt.b64, 24000, tt.channels)
			if err == nil {
				t.Fatal("DecodeSegment succeeded; want error")
			}
			var de *pcm.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not *pcm.DecodeError", err)
			}
		})
	}
}

// TestRoundTrip verifies that encode → decode recovers the original samples
// within one 16-bit quantization step.
func TestRoundTrip_WithinOneQuantizationStep(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 17.0 * 2 * math.Pi * 0.9))
	}

	frame := pcm.EncodeFrame(samples, 16000)
	buf, err := pcm.DecodeSegment(frame.Data, 16000, 1)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if len(buf.Channels) != 1 || len(buf.Channels[0]) != len(samples) {
		t.Fatalf("decoded shape = %dx%d; want 1x%d", len(buf.Channels), len(buf.Channels[0]), len(samples))
	}

	const step = 1.0 / 32768
	for i, want := range samples {
		got := buf.Channels[0][i]
		if diff := math.Abs(float64(got - want)); diff > step {
			t.Fatalf("sample %d: got %v want %v (diff %v > %v)", i, got, want, diff, step)
		}
	}
}

func TestPlaybackBuffer_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames int
		rate   int
		wantMs int64
	}{
		{"one second", 24000, 24000, 1000},
		{"quarter second at 16k", 4096, 16000, 256},
		{"empty", 0, 24000, 0},
		{"zero rate", 100, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := pcm.PlaybackBuffer{SampleRate: tt.rate}
			if tt.frames > 0 || tt.rate > 0 {
				buf.Channels = [][]float32{make([]float32, tt.frames)}
			}
			if got := buf.Duration().Milliseconds(); got != tt.wantMs {
				t.Errorf("Duration = %dms; want %dms", got, tt.wantMs)
			}
		})
	}
}
