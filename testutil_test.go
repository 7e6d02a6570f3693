package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// newTestLogger returns a logger that discards everything.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConfig returns a config pointed at the given mock provider URL.
func newTestConfig(t *testing.T, providerURL string) Config {
	t.Helper()
	return Config{
		ListenAddr:         ":0",
		Env:                "test",
		LogLevel:           "error",
		OpenRouterAPIKey:   "test-key",
		OpenRouterAPIURL:   providerURL,
		CouncilModels:      []string{"test/model-a", "test/model-b", "test/model-c"},
		ChairmanModel:      "test/chairman",
		TitleModel:         "test/title",
		ModelQueryTimeout:  5 * time.Second,
		TitleGenTimeout:    5 * time.Second,
		OpenAIAPIKey:       "test-openai-key",
		RealtimeAPIURL:     "ws://127.0.0.1:1/realtime",
		SpeechAPIURL:       providerURL,
		TTSModel:           "tts-1",
		TTSVoice:           "alloy",
		TTSFormat:          "mp3",
		TranscribeTimeout:  5 * time.Second,
		SpeechTimeout:      5 * time.Second,
		JWTSecret:          "test-secret",
		AuthCacheTTL:       time.Minute,
		DataDir:            t.TempDir(),
		UsersDBPath:        t.TempDir() + "/users.db",
		MaxRequestBodySize: 1 << 20,
	}
}

// writeChatResponse writes a provider response carrying one choice.
func writeChatResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
}

// CreateMockOpenRouterHandler returns a handler that answers every request
// with the same content and checks the required headers.
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}
		writeChatResponse(w, response)
	}
}

// CreateMockOpenRouterErrorHandler returns a handler that fails every
// request with the given status.
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// modelScript describes how the mock provider treats one model.
type modelScript struct {
	Response string
	Status   int
	Delay    time.Duration
}

// CreateMockModelHandler returns a handler that answers per the scripts.
// Models without a script get a 500.
func CreateMockModelHandler(t *testing.T, scripts map[string]modelScript) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode provider request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		script, ok := scripts[req.Model]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if script.Delay > 0 {
			time.Sleep(script.Delay)
		}
		if script.Status != 0 && script.Status != http.StatusOK {
			w.WriteHeader(script.Status)
			return
		}
		writeChatResponse(w, script.Response)
	}
}

// answerBlockPattern matches the labeled answer blocks inside a ranking
// prompt, not the label mentions in the prompt's format example.
var answerBlockPattern = regexp.MustCompile(`(?m)^(Response [A-Z]):`)

// labelsInPrompt extracts the distinct answer labels a ranking prompt shows.
func labelsInPrompt(prompt string) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, match := range answerBlockPattern.FindAllStringSubmatch(prompt, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			labels = append(labels, match[1])
		}
	}
	return labels
}

// rankingTextFor builds a well-formed ranking over the given labels in order.
func rankingTextFor(labels []string) string {
	var b strings.Builder
	b.WriteString("Each response has strengths and weaknesses.\n\nFINAL RANKING:\n")
	for i, label := range labels {
		fmt.Fprintf(&b, "%d. %s\n", i+1, label)
	}
	return b.String()
}

// councilBehavior scripts a full three-stage run on the mock provider.
type councilBehavior struct {
	// Stage1Fail models get a 500 on answer prompts.
	Stage1Fail map[string]bool
	// Stage1Delay delays answer prompts per model.
	Stage1Delay map[string]time.Duration
	// RankingFail models get a 500 on ranking prompts.
	RankingFail map[string]bool
	// RankingText overrides the ranking response per model.
	RankingText map[string]string
	// ChairmanFail fails the synthesis prompt.
	ChairmanFail bool
	// TitleFail fails the title prompt.
	TitleFail bool
	// Title is the title response (default "Test Topic").
	Title string
	// Synthesis is the chairman response (default canned text).
	Synthesis string
}

// CreateCouncilHandler answers every prompt kind an end-to-end run issues:
// stage-1 answers echo the model name, rankings cover exactly the labels the
// prompt shows, and chairman and title prompts get canned text.
func CreateCouncilHandler(t *testing.T, behavior councilBehavior) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode provider request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		prompt := req.Messages[len(req.Messages)-1].Content

		switch {
		case strings.Contains(prompt, "You are evaluating different responses"):
			if behavior.RankingFail[req.Model] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if text, ok := behavior.RankingText[req.Model]; ok {
				writeChatResponse(w, text)
				return
			}
			writeChatResponse(w, rankingTextFor(labelsInPrompt(prompt)))

		case strings.Contains(prompt, "You are the Chairman"):
			if behavior.ChairmanFail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			synthesis := behavior.Synthesis
			if synthesis == "" {
				synthesis = "The council's combined answer."
			}
			writeChatResponse(w, synthesis)

		case strings.Contains(prompt, "Generate a very short title"):
			if behavior.TitleFail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			title := behavior.Title
			if title == "" {
				title = "Test Topic"
			}
			writeChatResponse(w, title)

		default:
			if behavior.Stage1Fail[req.Model] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if delay := behavior.Stage1Delay[req.Model]; delay > 0 {
				time.Sleep(delay)
			}
			writeChatResponse(w, "Answer from "+req.Model)
		}
	}
}

// newTestCouncil builds a council over a mock provider handler.
func newTestCouncil(t *testing.T, handler http.HandlerFunc) (*Council, Config) {
	t.Helper()
	provider := httptest.NewServer(handler)
	t.Cleanup(provider.Close)

	cfg := newTestConfig(t, provider.URL)
	logger := newTestLogger()
	return NewCouncil(cfg, NewOpenRouterClient(cfg, logger), logger), cfg
}

// signTestToken mints an HS256 token for subject, expiring in an hour.
func signTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

// expiredTestToken mints a token that expired an hour ago.
func expiredTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

// seedTestUser stores a user record and returns it.
func seedTestUser(t *testing.T, users *UserStore, id string) User {
	t.Helper()
	user := User{
		ID:    id,
		Email: id + "@example.com",
		Name:  "Test " + id,
	}
	if err := users.PutUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	return user
}

// testServer bundles a fully wired server with its collaborators.
type testServer struct {
	cfg     Config
	router  *gin.Engine
	users   *UserStore
	store   *ConversationStore
	council *Council
}

// newTestServer builds a server over the mock provider handler with fresh
// stores. Voice providers are the real clients; they are never dialed by
// REST tests.
func newTestServer(t *testing.T, handler http.HandlerFunc) *testServer {
	return newTestServerWithVoice(t, handler, nil, nil, nil)
}

// newTestServerWithVoice is newTestServer with injectable voice providers
// and an optional config tweak applied before wiring.
func newTestServerWithVoice(t *testing.T, handler http.HandlerFunc, transcriber Transcriber, speech SpeechSynthesizer, mutate func(*Config)) *testServer {
	t.Helper()
	provider := httptest.NewServer(handler)
	t.Cleanup(provider.Close)

	cfg := newTestConfig(t, provider.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	logger := newTestLogger()

	users, err := OpenUserStore(cfg.UsersDBPath)
	if err != nil {
		t.Fatalf("Failed to open user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	store := NewConversationStore(cfg.DataDir)
	council := NewCouncil(cfg, NewOpenRouterClient(cfg, logger), logger)
	auth := NewAuthenticator(cfg, users, logger)
	if transcriber == nil {
		transcriber = NewRealtimeTranscriber(cfg, logger)
	}
	if speech == nil {
		speech = NewSpeechClient(cfg, logger)
	}

	server := NewServer(cfg, logger, council, store, auth, transcriber, speech)
	return &testServer{
		cfg:     cfg,
		router:  server.Routes(),
		users:   users,
		store:   store,
		council: council,
	}
}

// SampleConversation creates a stored-form conversation for testing.
func SampleConversation(id, userID string) *Conversation {
	synthesis := SynthesisResult{
		Model:    "test/chairman",
		Response: "Go is a programming language developed by Google.",
	}
	return &Conversation{
		ID:        id,
		UserID:    userID,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []ModelAnswer{
					{Model: "test/model-a", Response: "Go is a programming language."},
					{Model: "test/model-b", Response: "Go is developed by Google."},
				},
				Stage2: []RankingSubmission{
					{
						Model:         "test/model-a",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &synthesis,
			},
		},
	}
}

// testTime returns a fixed time for testing.
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
