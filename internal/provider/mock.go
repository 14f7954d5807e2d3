package provider

import (
	"context"
	"strings"
	"time"
)

type mockCompleter struct{}

func NewMockCompleter() Completer { return &mockCompleter{} }

func (m *mockCompleter) Complete(ctx context.Context, message string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return "[mock reply to " + strings.TrimSpace(message) + "]", nil
}

type mockSynthesizer struct{}

func NewMockSynthesizer() SpeechSynthesizer { return &mockSynthesizer{} }

func (m *mockSynthesizer) Synthesize(ctx context.Context, text string, speed float64) (*SpeechResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return &SpeechResult{Audio: []byte(text), ContentType: "audio/mpeg"}, nil
}

type mockImageGenerator struct{}

func NewMockImageGenerator() ImageGenerator { return &mockImageGenerator{} }

func (m *mockImageGenerator) GenerateIllustration(ctx context.Context, description string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return "https://images.invalid/mock.png", nil
}
