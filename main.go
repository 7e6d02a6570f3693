package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes for voice session preconditions. The 4000 range is reserved
// for application use by RFC 6455; each failure gets its own code so the
// browser can tell a bad token from a missing conversation.
const (
	CloseMissingCredential   = 4001
	CloseInvalidCredential   = 4002
	CloseAccessDenied        = 4003
	CloseUnknownConversation = 4004
	CloseVoiceUnavailable    = 4005
)

// Server owns the delivery surfaces and their collaborators.
type Server struct {
	cfg         Config
	logger      *slog.Logger
	council     *Council
	store       *ConversationStore
	auth        *Authenticator
	transcriber Transcriber
	speech      SpeechSynthesizer
	upgrader    websocket.Upgrader
}

// NewServer wires a server from its collaborators.
func NewServer(cfg Config, logger *slog.Logger, council *Council, store *ConversationStore, auth *Authenticator, transcriber Transcriber, speech SpeechSynthesizer) *Server {
	originAllowed := allowOrigin(cfg)
	return &Server{
		cfg:         cfg,
		logger:      logger.With("component", "server"),
		council:     council,
		store:       store,
		auth:        auth,
		transcriber: transcriber,
		speech:      speech,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(origin)
			},
		},
	}
}

// allowOrigin builds the origin policy shared by the CORS middleware and the
// websocket upgrader: exact origins when configured, any localhost origin
// otherwise (development).
func allowOrigin(cfg Config) func(string) bool {
	return func(origin string) bool {
		if len(cfg.CORSAllowedOrigins) > 0 {
			for _, allowed := range cfg.CORSAllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		}
		return origin == "http://localhost" ||
			strings.HasPrefix(origin, "http://localhost:") ||
			origin == "http://127.0.0.1" ||
			strings.HasPrefix(origin, "http://127.0.0.1:")
	}
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	users, err := OpenUserStore(cfg.UsersDBPath)
	if err != nil {
		logger.Error("failed to open user database", "error", err)
		os.Exit(1)
	}
	defer users.Close()

	store := NewConversationStore(cfg.DataDir)
	gateway := NewOpenRouterClient(cfg, logger)
	council := NewCouncil(cfg, gateway, logger)
	auth := NewAuthenticator(cfg, users, logger)
	transcriber := NewRealtimeTranscriber(cfg, logger)
	speech := NewSpeechClient(cfg, logger)

	server := NewServer(cfg, logger, council, store, auth, transcriber, speech)

	logger.Info("starting backend",
		"addr", cfg.ListenAddr,
		"models", len(cfg.CouncilModels),
		"voice", cfg.VoiceConfigured(),
	)
	if err := server.Routes().Run(cfg.ListenAddr); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// Routes builds the gin engine with all middleware and endpoints.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestBodySize)
		c.Next()
	})

	originAllowed := allowOrigin(s.cfg)
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  originAllowed,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.GET("/", s.healthCheck)

	api := router.Group("/api")
	// The voice endpoint resolves its credential from a query parameter and
	// reports failures through close codes, so it stays off the middleware.
	api.GET("/conversations/:id/voice", s.voiceHandler)

	authed := api.Group("/conversations", s.auth.RequireUser())
	authed.GET("", s.listConversationsHandler)
	authed.POST("", s.createConversationHandler)
	authed.GET("/:id", s.getConversationHandler)
	authed.POST("/:id/message", s.sendMessageHandler)
	authed.POST("/:id/message/stream", s.sendMessageStreamHandler)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Quorum API",
	})
}

// listConversationsHandler lists the caller's conversations, metadata only.
// GET /api/conversations - Returns conversation metadata sorted by date.
func (s *Server) listConversationsHandler(c *gin.Context) {
	user := currentUser(c)
	conversations, err := s.store.ListConversations(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation owned by the caller.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func (s *Server) createConversationHandler(c *gin.Context) {
	user := currentUser(c)
	conversationID := uuid.New().String()

	conversation, err := s.store.CreateConversation(conversationID, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func (s *Server) getConversationHandler(c *gin.Context) {
	conversation := s.loadOwnedConversation(c, c.Param("id"))
	if conversation == nil {
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// loadOwnedConversation fetches a conversation and enforces ownership,
// writing the error response itself. Returns nil when the response is done.
func (s *Server) loadOwnedConversation(c *gin.Context, conversationID string) *Conversation {
	conversation, err := s.store.GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return nil
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return nil
	}
	user := currentUser(c)
	if user == nil || conversation.UserID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Access denied",
		})
		return nil
	}
	return conversation
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs the full council and returns
// every stage at once. Use sendMessageStreamHandler for the SSE version.
func (s *Server) sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Message content is required",
		})
		return
	}

	conversation := s.loadOwnedConversation(c, conversationID)
	if conversation == nil {
		return
	}
	isFirstMessage := len(conversation.Messages) == 0

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	ctx := c.Request.Context()

	// Title generation runs beside the stages and is joined only when the
	// turn is about to be persisted.
	var awaitTitle func() string
	if isFirstMessage {
		awaitTitle = s.council.StartTitleTask(ctx, request.Content)
	}

	turn, err := s.council.Run(ctx, request.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	title := ""
	if awaitTitle != nil {
		if title = awaitTitle(); title != "" {
			if err := s.store.UpdateConversationTitle(conversationID, title); err != nil {
				s.logger.Warn("failed to update title", "conversation_id", conversationID, "error", err)
				title = ""
			}
		}
	}

	if err := s.store.AddAssistantMessage(conversationID, turn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		Stage1:   turn.Answers,
		Stage2:   turn.Rankings,
		Stage3:   turn.Synthesis,
		Metadata: turn.Metadata,
		Title:    title,
	})
}

// sendMessageStreamHandler sends a message and streams the council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each
// stage completes. Events: stage1_start, stage1_complete, stage2_start,
// stage2_complete, stage3_start, stage3_complete, title_complete, complete.
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Message content is required",
		})
		return
	}

	conversation := s.loadOwnedConversation(c, conversationID)
	if conversation == nil {
		return
	}
	isFirstMessage := len(conversation.Messages) == 0

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	ctx := c.Request.Context()

	var awaitTitle func() string
	if isFirstMessage {
		awaitTitle = s.council.StartTitleTask(ctx, request.Content)
	}

	run := s.council.RunProgressive(ctx, request.Content)
	for event := range run.Events {
		sendSSEEvent(c, event)
	}
	turn, err := run.Wait()
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Council process failed: %v", err))
		return
	}

	if awaitTitle != nil {
		if title := awaitTitle(); title != "" {
			if err := s.store.UpdateConversationTitle(conversationID, title); err == nil {
				sendSSEEvent(c, StageEvent{
					Type: EventTitleComplete,
					Data: gin.H{"title": title},
				})
			}
		}
	}

	if err := s.store.AddAssistantMessage(conversationID, turn); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	sendSSEEvent(c, StageEvent{Type: EventComplete})
}

// voiceHandler upgrades a duplex voice connection for a conversation.
// GET /api/conversations/:id/voice?token=... - The bearer credential arrives
// as a query parameter because browsers cannot set headers on websockets.
// Every precondition failure closes with its own code before any traffic.
func (s *Server) voiceHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		closeWithCode(conn, CloseMissingCredential, "Authentication required")
		return
	}
	user, err := s.auth.Resolve(c.Request.Context(), token)
	if err != nil {
		closeWithCode(conn, CloseInvalidCredential, "Invalid token")
		return
	}
	if !s.cfg.VoiceConfigured() {
		closeWithCode(conn, CloseVoiceUnavailable, "Voice service not configured")
		return
	}
	conversation, err := s.store.GetConversation(conversationID)
	if err != nil || conversation == nil {
		closeWithCode(conn, CloseUnknownConversation, "Conversation not found")
		return
	}
	if conversation.UserID != user.ID {
		closeWithCode(conn, CloseAccessDenied, "Access denied")
		return
	}

	session := NewVoiceSession(conn, conversationID, user, VoiceSessionConfig{
		Council:           s.council,
		Store:             s.store,
		Transcriber:       s.transcriber,
		Speech:            s.speech,
		TranscribeTimeout: s.cfg.TranscribeTimeout,
		Logger:            s.logger,
	})
	session.Run(c.Request.Context())
}

// closeWithCode sends a close frame carrying an application close code.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to marshal SSE event", "error", err)
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", jsonData)
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, StageEvent{Type: EventError, Message: message})
}
