package assist_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/aria-voice/aria/pkg/assist"
)

// fakeGenerator records the last call and returns a scripted response.
type fakeGenerator struct {
	lastModel    string
	lastContents []*genai.Content
	lastConfig   *genai.GenerateContentConfig

	text string
	err  error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.lastModel = model
	f.lastContents = contents
	f.lastConfig = config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}}},
		},
	}, nil
}

func TestChat_ReturnsModelText(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{text: "forty-two"}
	a := assist.NewWithGenerator(gen, assist.Config{TextModel: "test-model"})

	got, err := a.Chat(context.Background(), "what is the answer?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "forty-two" {
		t.Errorf("Chat = %q; want forty-two", got)
	}
	if gen.lastModel != "test-model" {
		t.Errorf("model = %q; want test-model", gen.lastModel)
	}
}

func TestChat_EmptyPromptRejected(t *testing.T) {
	t.Parallel()

	a := assist.NewWithGenerator(&fakeGenerator{text: "x"}, assist.Config{})
	if _, err := a.Chat(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty prompt, got nil")
	}
}

func TestChat_DefaultModel(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{text: "ok"}
	a := assist.NewWithGenerator(gen, assist.Config{})
	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gen.lastModel != "gemini-2.0-flash" {
		t.Errorf("model = %q; want gemini-2.0-flash", gen.lastModel)
	}
}

func TestChat_SystemInstructionForwarded(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{text: "ok"}
	a := assist.NewWithGenerator(gen, assist.Config{SystemInstruction: "be brief"})
	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gen.lastConfig == nil || gen.lastConfig.SystemInstruction == nil {
		t.Fatal("system instruction was not forwarded")
	}
}

func TestChat_GeneratorErrorWrapped(t *testing.T) {
	t.Parallel()

	cause := errors.New("quota exceeded")
	a := assist.NewWithGenerator(&fakeGenerator{err: cause}, assist.Config{})

	_, err := a.Chat(context.Background(), "hi")
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v; want wrapped cause", err)
	}
}

func TestDescribeImage_SendsImageAndPrompt(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{text: "a cat"}
	a := assist.NewWithGenerator(gen, assist.Config{VisionModel: "vision-model"})

	got, err := a.DescribeImage(context.Background(), []byte{0xff, 0xd8}, "image/jpeg", "what animal?")
	if err != nil {
		t.Fatalf("DescribeImage: %v", err)
	}
	if got != "a cat" {
		t.Errorf("DescribeImage = %q; want a cat", got)
	}
	if gen.lastModel != "vision-model" {
		t.Errorf("model = %q; want vision-model", gen.lastModel)
	}
	if len(gen.lastContents) != 1 || len(gen.lastContents[0].Parts) != 2 {
		t.Fatalf("contents = %+v; want one content with image and text parts", gen.lastContents)
	}
	blob := gen.lastContents[0].Parts[0].InlineData
	if blob == nil || blob.MIMEType != "image/jpeg" {
		t.Errorf("first part = %+v; want inline jpeg data", gen.lastContents[0].Parts[0])
	}
}

func TestDescribeImage_EmptyImageRejected(t *testing.T) {
	t.Parallel()

	a := assist.NewWithGenerator(&fakeGenerator{text: "x"}, assist.Config{})
	if _, err := a.DescribeImage(context.Background(), nil, "image/png", "?"); err == nil {
		t.Fatal("expected error for empty image, got nil")
	}
}

func TestTranscribe_SendsAudio(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{text: "hello world"}
	a := assist.NewWithGenerator(gen, assist.Config{TranscribeModel: "scribe-model"})

	got, err := a.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "hello world" {
		t.Errorf("Transcribe = %q; want hello world", got)
	}
	if gen.lastModel != "scribe-model" {
		t.Errorf("model = %q; want scribe-model", gen.lastModel)
	}
	text := gen.lastContents[0].Parts[1].Text
	if !strings.Contains(text, "Transcribe") {
		t.Errorf("instruction part = %q; want transcription instruction", text)
	}
}

func TestTranscribe_NoTextInResponse(t *testing.T) {
	t.Parallel()

	a := assist.NewWithGenerator(&fakeGenerator{text: ""}, assist.Config{})
	if _, err := a.Transcribe(context.Background(), []byte{1}, "audio/wav"); err == nil {
		t.Fatal("expected error for empty model response, got nil")
	}
}
