package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// voiceState tracks where a session is in the capture, deliberate, speak loop.
type voiceState int

const (
	voiceIdle voiceState = iota
	voiceRecording
	voiceTranscribing
	voiceDeliberating
	voiceSpeaking
	voiceClosed
)

func (s voiceState) String() string {
	switch s {
	case voiceIdle:
		return "idle"
	case voiceRecording:
		return "recording"
	case voiceTranscribing:
		return "transcribing"
	case voiceDeliberating:
		return "deliberating"
	case voiceSpeaking:
		return "speaking"
	case voiceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client message types and server event types for the duplex voice protocol.
const (
	VoiceMsgStartRecording = "start_recording"
	VoiceMsgAudio          = "audio"
	VoiceMsgStopRecording  = "stop_recording"
	VoiceMsgClose          = "close"

	VoiceEventRecordingStarted = "recording_started"
	VoiceEventTranscription    = "transcription"
	VoiceEventAudioStart       = "audio_start"
	VoiceEventAudioResponse    = "audio_response"
	VoiceEventAudioComplete    = "audio_complete"
)

// VoiceClientMessage is one message from the browser. Audio payloads arrive
// base64-encoded in Data.
type VoiceClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// voiceConn is the slice of a websocket connection the session uses;
// *websocket.Conn satisfies it.
type voiceConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// VoiceSessionConfig carries the collaborators a session needs.
type VoiceSessionConfig struct {
	Council           *Council
	Store             *ConversationStore
	Transcriber       Transcriber
	Speech            SpeechSynthesizer
	TranscribeTimeout time.Duration
	Logger            *slog.Logger
}

// VoiceSession drives one duplex voice connection through the record,
// transcribe, deliberate, speak loop. Everything runs on the goroutine that
// calls Run; a failure in any step emits an error event and returns the
// session to idle rather than ending it, so one bad recording never costs
// the connection.
type VoiceSession struct {
	conn           voiceConn
	conversationID string
	user           *User

	council           *Council
	store             *ConversationStore
	transcriber       Transcriber
	speech            SpeechSynthesizer
	transcribeTimeout time.Duration
	logger            *slog.Logger

	state  voiceState
	stream TranscriptionStream
	// audio accumulates the chunks of the current recording alongside the
	// live forward to the transcription stream.
	audio [][]byte

	ctx    context.Context
	cancel context.CancelFunc
}

// NewVoiceSession wires a session around an accepted connection.
func NewVoiceSession(conn voiceConn, conversationID string, user *User, cfg VoiceSessionConfig) *VoiceSession {
	return &VoiceSession{
		conn:              conn,
		conversationID:    conversationID,
		user:              user,
		council:           cfg.Council,
		store:             cfg.Store,
		transcriber:       cfg.Transcriber,
		speech:            cfg.Speech,
		transcribeTimeout: cfg.TranscribeTimeout,
		logger:            cfg.Logger.With("component", "voice", "conversation_id", conversationID),
		state:             voiceIdle,
	}
}

// State returns the session's current state.
func (s *VoiceSession) State() voiceState {
	return s.state
}

// Run processes client messages until the client sends close or the
// connection drops. It always leaves the session fully torn down.
func (s *VoiceSession) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.teardown()

	s.logger.Info("voice session started", "user_id", s.user.ID)
	for {
		var msg VoiceClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("voice connection closed", "error", err)
			}
			return
		}
		if !s.handleMessage(msg) {
			return
		}
	}
}

// handleMessage dispatches one client message; false ends the session.
func (s *VoiceSession) handleMessage(msg VoiceClientMessage) bool {
	switch msg.Type {
	case VoiceMsgStartRecording:
		s.startRecording()
	case VoiceMsgAudio:
		s.appendAudio(msg.Data)
	case VoiceMsgStopRecording:
		s.stopRecording()
	case VoiceMsgClose:
		return false
	default:
		s.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return true
}

// startRecording opens the transcription stream for a new capture. A
// provider failure is reported and leaves the session idle.
func (s *VoiceSession) startRecording() {
	if s.state != voiceIdle {
		s.sendError("already recording")
		return
	}

	s.audio = s.audio[:0]
	stream, err := s.transcriber.OpenStream(s.ctx)
	if err != nil {
		s.logger.Warn("failed to open transcription stream", "error", err)
		s.sendError("failed to connect to transcription service")
		return
	}

	s.stream = stream
	s.setState(voiceRecording)
	s.sendEvent(VoiceEventRecordingStarted, nil)
}

// appendAudio buffers one chunk locally and forwards it to the live
// transcription stream. Chunks outside a recording are dropped.
func (s *VoiceSession) appendAudio(data string) {
	if s.state != voiceRecording || s.stream == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.sendError("invalid audio payload")
		return
	}
	if len(chunk) == 0 {
		return
	}

	s.audio = append(s.audio, chunk)
	if err := s.stream.SendAudio(chunk); err != nil {
		s.logger.Warn("failed to forward audio chunk", "error", err)
	}
}

// stopRecording seals the audio buffer, waits for the transcript, then hands
// the text to the council. An empty transcript is reported as an error and
// the session returns to idle without deliberating.
func (s *VoiceSession) stopRecording() {
	if s.state != voiceRecording || s.stream == nil {
		s.sendError("no recording session active")
		return
	}

	s.setState(voiceTranscribing)
	defer s.closeStream()

	transcript, err := s.commitAndAwait()
	if err != nil {
		s.logger.Warn("transcription failed", "error", err)
		s.sendError(fmt.Sprintf("Transcription failed: %v", err))
		s.setState(voiceIdle)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		s.sendError("no speech detected")
		s.setState(voiceIdle)
		return
	}

	s.logger.Info("transcription complete",
		"chunks", len(s.audio),
		"transcript_len", len(transcript),
	)
	s.sendEvent(VoiceEventTranscription, map[string]any{"text": transcript})

	s.runCouncil(transcript)
	s.setState(voiceIdle)
}

func (s *VoiceSession) commitAndAwait() (string, error) {
	if err := s.stream.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit audio: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.transcribeTimeout)
	defer cancel()
	return s.stream.Await(ctx)
}

// runCouncil drives a full deliberation turn for the transcribed query,
// forwarding stage events as they happen, then speaks the synthesis.
func (s *VoiceSession) runCouncil(userQuery string) {
	s.setState(voiceDeliberating)

	conversation, err := s.store.GetConversation(s.conversationID)
	if err != nil || conversation == nil {
		s.sendError("Conversation not found")
		return
	}
	isFirstMessage := len(conversation.Messages) == 0

	if err := s.store.AddUserMessage(s.conversationID, userQuery); err != nil {
		s.sendError(fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	var awaitTitle func() string
	if isFirstMessage {
		awaitTitle = s.council.StartTitleTask(s.ctx, userQuery)
	}

	run := s.council.RunProgressive(s.ctx, userQuery)
	for event := range run.Events {
		s.forwardStageEvent(event)
	}
	turn, err := run.Wait()
	if err != nil {
		s.sendError(fmt.Sprintf("Council process failed: %v", err))
		return
	}

	if awaitTitle != nil {
		if title := awaitTitle(); title != "" {
			if err := s.store.UpdateConversationTitle(s.conversationID, title); err == nil {
				s.sendEvent(EventTitleComplete, map[string]any{
					"data": map[string]string{"title": title},
				})
			}
		}
	}

	if err := s.store.AddAssistantMessage(s.conversationID, turn); err != nil {
		s.sendError(fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	s.speakResponse(turn.Synthesis.Response)
}

// forwardStageEvent relays a council event in the duplex frame shape.
func (s *VoiceSession) forwardStageEvent(event StageEvent) {
	fields := make(map[string]any, 2)
	if event.Data != nil {
		fields["data"] = event.Data
	}
	if event.Metadata != nil {
		fields["metadata"] = event.Metadata
	}
	s.sendEvent(event.Type, fields)
}

// speakResponse streams synthesized speech for the final text, one event per
// chunk as audio arrives.
func (s *VoiceSession) speakResponse(text string) {
	if strings.TrimSpace(text) == "" {
		s.sendEvent(VoiceEventAudioComplete, nil)
		return
	}

	s.setState(voiceSpeaking)
	s.sendEvent(VoiceEventAudioStart, nil)

	err := s.speech.SynthesizeStream(s.ctx, text, func(chunk []byte) error {
		s.sendEvent(VoiceEventAudioResponse, map[string]any{
			"data": base64.StdEncoding.EncodeToString(chunk),
		})
		return nil
	})
	if err != nil {
		s.logger.Warn("speech synthesis failed", "error", err)
		s.sendError(fmt.Sprintf("TTS error: %v", err))
		return
	}

	s.sendEvent(VoiceEventAudioComplete, nil)
}

// sendEvent writes one event frame. Extra fields are merged beside the type
// key, matching the browser protocol.
func (s *VoiceSession) sendEvent(eventType string, fields map[string]any) {
	frame := make(map[string]any, len(fields)+1)
	frame["type"] = eventType
	for key, value := range fields {
		frame[key] = value
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Debug("failed to write voice event", "type", eventType, "error", err)
	}
}

func (s *VoiceSession) sendError(message string) {
	s.sendEvent(EventError, map[string]any{"message": message})
}

func (s *VoiceSession) setState(next voiceState) {
	if s.state == next {
		return
	}
	s.logger.Debug("voice state change", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *VoiceSession) closeStream() {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("failed to close transcription stream", "error", err)
		}
		s.stream = nil
	}
}

// teardown releases the transcription stream and cancels background work
// still attached to the session.
func (s *VoiceSession) teardown() {
	s.cancel()
	s.closeStream()
	s.state = voiceClosed
	s.logger.Info("voice session ended")
}
