package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SpeechSynthesizer streams synthesized speech for a piece of text. emit is
// called once per audio chunk in arrival order; an emit error aborts the
// stream.
type SpeechSynthesizer interface {
	SynthesizeStream(ctx context.Context, text string, emit func(chunk []byte) error) error
}

// speechChunkSize is the read granularity for streamed synthesis audio.
const speechChunkSize = 4096

// SpeechClient synthesizes speech through the OpenAI audio API, forwarding
// audio as it arrives rather than buffering the full response.
type SpeechClient struct {
	apiURL  string
	apiKey  string
	model   string
	voice   string
	format  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewSpeechClient builds a client from configuration. The HTTP client
// carries no Timeout of its own: that would cut the stream mid-read, so the
// request context holds the bound instead.
func NewSpeechClient(cfg Config, logger *slog.Logger) *SpeechClient {
	return &SpeechClient{
		apiURL:  cfg.SpeechAPIURL,
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.TTSModel,
		voice:   cfg.TTSVoice,
		format:  cfg.TTSFormat,
		timeout: cfg.SpeechTimeout,
		client:  &http.Client{},
		logger:  logger.With("component", "tts"),
	}
}

// speechRequest is the wire format for a synthesis request.
type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// SynthesizeStream sends one synthesis request and forwards the audio body
// to emit in fixed-size chunks as it streams in.
func (c *SpeechClient) SynthesizeStream(ctx context.Context, text string, emit func(chunk []byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payloadBytes, err := json.Marshal(speechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: c.format,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call speech API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("speech API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	start := time.Now()
	total := 0
	buf := make([]byte, speechChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			total += n
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			c.logger.Debug("synthesis finished",
				"bytes", total,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read speech stream: %w", err)
		}
	}
}
