// Package assist provides the one-shot assistant modes: text chat, image
// analysis, and audio transcription.
//
// Unlike the live session these are plain call-and-await operations with no
// session state; each call sends one request to the Gemini API and returns
// the generated text.
package assist

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// defaultModel is used for any mode without an explicit model configured.
const defaultModel = "gemini-2.0-flash"

// ContentGenerator is the subset of the genai model API the assistant needs.
// *genai.Models satisfies it; tests supply fakes.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config selects the model for each assistant mode. Empty fields fall back
// to the package default.
type Config struct {
	TextModel         string
	VisionModel       string
	TranscribeModel   string
	SystemInstruction string
}

// Assistant performs one-shot generative calls.
type Assistant struct {
	gen ContentGenerator
	cfg Config
}

// New creates an Assistant backed by the Gemini API.
func New(ctx context.Context, apiKey string, cfg Config) (*Assistant, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("assist: create client: %w", err)
	}
	return NewWithGenerator(client.Models, cfg), nil
}

// NewWithGenerator creates an Assistant over an existing [ContentGenerator].
// Used by tests and by callers that manage their own genai client.
func NewWithGenerator(gen ContentGenerator, cfg Config) *Assistant {
	return &Assistant{gen: gen, cfg: cfg}
}

// Chat generates a text response to a text prompt.
func (a *Assistant) Chat(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("assist: empty prompt")
	}
	return a.generate(ctx, "chat", a.model(a.cfg.TextModel), genai.Text(prompt))
}

// DescribeImage analyses an image and answers the prompt about it. The
// prompt may be empty, in which case a generic description is requested.
func (a *Assistant) DescribeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("assist: empty image")
	}
	if prompt == "" {
		prompt = "Describe this image."
	}
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(prompt),
	}, genai.RoleUser)
	return a.generate(ctx, "image", a.model(a.cfg.VisionModel), []*genai.Content{content})
}

// Transcribe returns a text transcription of the given audio payload.
func (a *Assistant) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("assist: empty audio")
	}
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(audio, mimeType),
		genai.NewPartFromText("Transcribe this audio verbatim. Return only the transcription."),
	}, genai.RoleUser)
	return a.generate(ctx, "transcribe", a.model(a.cfg.TranscribeModel), []*genai.Content{content})
}

func (a *Assistant) model(name string) string {
	if name == "" {
		return defaultModel
	}
	return name
}

func (a *Assistant) generate(ctx context.Context, mode, model string, contents []*genai.Content) (string, error) {
	var config *genai.GenerateContentConfig
	if a.cfg.SystemInstruction != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(a.cfg.SystemInstruction, genai.RoleUser),
		}
	}

	resp, err := a.gen.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("assist: %s: %w", mode, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("assist: %s: model returned no text", mode)
	}
	return text, nil
}
