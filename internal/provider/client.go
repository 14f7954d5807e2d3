package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/katsacademy/kats-core/internal/config"
)

// ChatSystemPrompt fixes the companion's persona, tone and audience. The
// reply length cap lives in config (max_reply_tokens).
const ChatSystemPrompt = "You are Leila, an energetic sheep who loves to chat with children ages 6-7. " +
	"Keep your replies short, fun, and easy to understand. Use simple words and short sentences. " +
	"Be encouraging and positive. Ask questions to keep the conversation going. " +
	"Never use emojis or symbols in your responses."

// IllustrationPromptTemplate wraps every page description in a fixed
// child-safety style prefix before it reaches the image model.
const IllustrationPromptTemplate = "Children's book illustration: %s. Cute, colorful, safe for children, " +
	"cartoon style, bright and cheerful, simple and clear, high quality digital art."

// Client talks to an OpenAI-compatible API. It implements Completer,
// SpeechSynthesizer and ImageGenerator.
type Client struct {
	cfg        config.ProviderConfig
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.ProviderConfig, log *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
		},
		log: log.With(slog.String("component", "provider")),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one user message with the fixed persona prompt and returns
// the model's reply.
func (c *Client) Complete(ctx context.Context, message string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}

	payload := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: ChatSystemPrompt},
			{Role: "user", Content: message},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxReplyTokens,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", payload, &resp); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

type speechRequest struct {
	Model string  `json:"model"`
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize converts text to speech and returns the raw audio bytes. Speed
// is passed through to the provider unmodified.
func (c *Client) Synthesize(ctx context.Context, text string, speed float64) (*SpeechResult, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload := speechRequest{
		Model: c.cfg.TTSModel,
		Input: text,
		Voice: c.cfg.TTSVoice,
		Speed: speed,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech synthesis returned status %s", resp.Status)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &SpeechResult{Audio: audio, ContentType: contentType}, nil
}

type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateIllustration renders one image for a page description and returns
// the provider-hosted URL.
func (c *Client) GenerateIllustration(ctx context.Context, description string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}

	payload := imageRequest{
		Model:   c.cfg.ImageModel,
		Prompt:  fmt.Sprintf(IllustrationPromptTemplate, description),
		N:       1,
		Size:    c.cfg.ImageSize,
		Quality: "standard",
		Style:   "vivid",
	}

	var resp imageResponse
	if err := c.postJSON(ctx, "/images/generations", payload, &resp); err != nil {
		return "", fmt.Errorf("image generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("image generation: empty response")
	}
	return resp.Data[0].URL, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
