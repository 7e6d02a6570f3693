package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestClient builds a client against the given provider handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenRouterClient {
	t.Helper()
	provider := httptest.NewServer(handler)
	t.Cleanup(provider.Close)
	return NewOpenRouterClient(newTestConfig(t, provider.URL), newTestLogger())
}

func TestCompleteChat(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: "Test question"},
	}

	t.Run("successful completion", func(t *testing.T) {
		client := newTestClient(t, CreateMockOpenRouterHandler(t, "Test response content"))

		content, err := client.CompleteChat(context.Background(), "test/model", messages)
		if err != nil {
			t.Fatalf("CompleteChat failed: %v", err)
		}
		if content != "Test response content" {
			t.Errorf("Content = %q, want 'Test response content'", content)
		}
	})

	t.Run("request carries model and credentials", func(t *testing.T) {
		var gotModel, gotAuth string
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			var req chatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("Failed to decode request: %v", err)
			}
			gotModel = req.Model
			if len(req.Messages) != 1 || req.Messages[0].Content != "Test question" {
				t.Errorf("Messages = %+v", req.Messages)
			}
			writeChatResponse(w, "ok")
		})

		if _, err := client.CompleteChat(context.Background(), "test/model", messages); err != nil {
			t.Fatalf("CompleteChat failed: %v", err)
		}
		if gotModel != "test/model" {
			t.Errorf("Model = %q, want test/model", gotModel)
		}
		if gotAuth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want 'Bearer test-key'", gotAuth)
		}
	})

	t.Run("API error surfaces status and body", func(t *testing.T) {
		client := newTestClient(t, CreateMockOpenRouterErrorHandler(http.StatusServiceUnavailable, "model overloaded"))

		_, err := client.CompleteChat(context.Background(), "test/model", messages)
		if err == nil {
			t.Fatal("Expected error for 503 response")
		}
		if !strings.Contains(err.Error(), "503") {
			t.Errorf("Error %v should mention the status", err)
		}
		if !strings.Contains(err.Error(), "model overloaded") {
			t.Errorf("Error %v should carry the provider body", err)
		}
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("not json"))
		})

		_, err := client.CompleteChat(context.Background(), "test/model", messages)
		if err == nil {
			t.Error("Expected error for malformed response")
		}
	})

	t.Run("empty choices", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		})

		_, err := client.CompleteChat(context.Background(), "test/model", messages)
		if err == nil {
			t.Fatal("Expected error for empty choices")
		}
		if !strings.Contains(err.Error(), "no choices") {
			t.Errorf("Error = %v, want no-choices", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
			writeChatResponse(w, "too late")
		}))
		t.Cleanup(provider.Close)

		cfg := newTestConfig(t, provider.URL)
		cfg.ModelQueryTimeout = 100 * time.Millisecond
		client := NewOpenRouterClient(cfg, newTestLogger())

		start := time.Now()
		_, err := client.CompleteChat(context.Background(), "test/model", messages)
		if err == nil {
			t.Fatal("Expected timeout error")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Timeout took %v, want ~100ms", elapsed)
		}
	})

	t.Run("caller cancellation", func(t *testing.T) {
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
			writeChatResponse(w, "too late")
		}))
		t.Cleanup(provider.Close)

		client := NewOpenRouterClient(newTestConfig(t, provider.URL), newTestLogger())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := client.CompleteChat(ctx, "test/model", messages)
		if err == nil {
			t.Error("Expected error after caller cancellation")
		}
	})
}
