package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transcriber opens one speech-to-text stream per recording.
type Transcriber interface {
	OpenStream(ctx context.Context) (TranscriptionStream, error)
}

// TranscriptionStream is a live connection to the transcription provider.
// Audio is forwarded as it is captured; Commit seals the buffer and Await
// blocks for the transcript.
type TranscriptionStream interface {
	SendAudio(chunk []byte) error
	Commit() error
	Await(ctx context.Context) (string, error)
	Close() error
}

// RealtimeTranscriber dials the OpenAI realtime API over websocket.
type RealtimeTranscriber struct {
	url    string
	apiKey string
	logger *slog.Logger
}

// NewRealtimeTranscriber builds a transcriber from configuration.
func NewRealtimeTranscriber(cfg Config, logger *slog.Logger) *RealtimeTranscriber {
	return &RealtimeTranscriber{
		url:    cfg.RealtimeAPIURL,
		apiKey: cfg.OpenAIAPIKey,
		logger: logger.With("component", "realtime"),
	}
}

// OpenStream connects and configures a transcription-only session: text
// modality, PCM16 input, whisper transcription, and no server-side turn
// detection since the client decides when a recording ends.
func (t *RealtimeTranscriber) OpenStream(ctx context.Context) (TranscriptionStream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime API: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	stream := &realtimeStream{conn: conn, logger: t.logger}
	if err := stream.configure(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}

	t.logger.Debug("realtime session opened")
	return stream, nil
}

// realtimeStream is one realtime connection scoped to a single recording.
type realtimeStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

func (s *realtimeStream) configure() error {
	return s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":         []string{"text"},
			"input_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": nil,
		},
	})
}

// SendAudio forwards one PCM16 chunk to the provider.
func (s *realtimeStream) SendAudio(chunk []byte) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit seals the audio buffer and requests a transcription pass.
func (s *realtimeStream) Commit() error {
	if err := s.writeJSON(map[string]any{
		"type": "input_audio_buffer.commit",
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities": []string{"text"},
		},
	})
}

// realtimeEvent is the subset of provider events Await reads.
type realtimeEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Await reads provider events until a transcript or terminal event arrives.
// An empty result with nil error means the provider heard nothing.
func (s *realtimeStream) Await(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	}

	// ReadMessage has no context parameter, so cancellation closes the
	// connection out from under it.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-readDone:
		}
	}()

	transcript := ""
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if transcript != "" {
				return transcript, nil
			}
			return "", fmt.Errorf("failed to read realtime event: %w", err)
		}

		var event realtimeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.Debug("skipping malformed realtime event", "error", err)
			continue
		}

		switch event.Type {
		case "conversation.item.input_audio_transcription.completed":
			return event.Transcript, nil
		case "response.text.done":
			if transcript == "" {
				transcript = event.Text
			}
		case "response.done":
			return transcript, nil
		case "error":
			return "", fmt.Errorf("realtime API error: %s", event.Error.Message)
		}
	}
}

// Close tears down the provider connection.
func (s *realtimeStream) Close() error {
	return s.conn.Close()
}

func (s *realtimeStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
