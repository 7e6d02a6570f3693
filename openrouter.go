package main

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
)

// ChatCompleter is the chat-completion side of the provider gateway. The
// council depends on this, not on OpenRouter, so tests and alternative
// providers can slot in.
type ChatCompleter interface {
	CompleteChat(ctx context.Context, model string, messages []ChatMessage) (string, error)
}

// OpenRouterClient completes chats through the OpenRouter API.
type OpenRouterClient struct {
	apiURL  string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenRouterClient builds a client from configuration. The per-call
// timeout is enforced through the request context, not http.Client.Timeout,
// so callers can still cancel earlier.
func NewOpenRouterClient(cfg Config, logger *slog.Logger) *OpenRouterClient {
	return &OpenRouterClient{
		apiURL:  cfg.OpenRouterAPIURL,
		apiKey:  cfg.OpenRouterAPIKey,
		timeout: cfg.ModelQueryTimeout,
		client:  &http.Client{},
		logger:  logger.With("component", "openrouter"),
	}
}

// chatRequest is the wire format for a completion request.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// chatAPIResponse is the subset of the API response we read.
type chatAPIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteChat sends one completion request and returns the message content.
func (c *OpenRouterClient) CompleteChat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payloadBytes, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var apiResponse chatAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	c.logger.Debug("completion finished",
		"model", model,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return apiResponse.Choices[0].Message.Content, nil
}
