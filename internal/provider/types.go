package provider

import (
	"context"
	"errors"
)

// ErrMissingAPIKey reports that no provider credentials are configured.
// Handlers map it to a distinct server-side error.
var ErrMissingAPIKey = errors.New("provider API key not configured")

// Completer produces a chat companion reply for a child's message.
type Completer interface {
	Complete(ctx context.Context, message string) (string, error)
}

// SpeechResult is raw synthesized audio.
type SpeechResult struct {
	Audio       []byte
	ContentType string
}

// SpeechSynthesizer turns a line of text into audio at a given speed.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, speed float64) (*SpeechResult, error)
}

// ImageGenerator renders a book page illustration from its natural-language
// description and returns the remote image URL.
type ImageGenerator interface {
	GenerateIllustration(ctx context.Context, description string) (string, error)
}
