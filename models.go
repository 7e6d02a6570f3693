package main

import "time"

// Message represents a single message in a conversation
type Message struct {
	Role     string              `json:"role"`
	Content  string              `json:"content,omitempty"`
	Stage1   []ModelAnswer       `json:"stage1,omitempty"`
	Stage2   []RankingSubmission `json:"stage2,omitempty"`
	Stage3   *SynthesisResult    `json:"stage3,omitempty"`
	Metadata *TurnMetadata       `json:"metadata,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// ModelAnswer is one council model's first-round result. A model that failed
// or timed out carries its failure reason in Error instead of aborting the
// round, so every configured model always has exactly one entry.
type ModelAnswer struct {
	Model     string `json:"model"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// OK reports whether the model produced a usable answer.
func (a ModelAnswer) OK() bool {
	return a.Error == ""
}

// RankingSubmission is one rater's evaluation of the anonymized answers.
// Ranking holds the full evaluation text; ParsedRanking the extracted label
// order. A submission that failed, or whose ranking did not validate against
// the label set, carries the reason in Error and contributes nothing to
// aggregation.
type RankingSubmission struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking,omitempty"`
	ParsedRanking []string `json:"parsed_ranking,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// OK reports whether the submission carries a valid ranking.
func (s RankingSubmission) OK() bool {
	return s.Error == ""
}

// SynthesisResult is the chairman's final answer
type SynthesisResult struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking is one model's combined standing across all valid
// submissions for a turn
type AggregateRanking struct {
	Model         string  `json:"model"`
	Score         int     `json:"score"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// TurnMetadata contains additional information about the council process
type TurnMetadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// Turn is the complete outcome of one deliberation: everything the delivery
// surfaces return and the store persists as a single assistant message.
type Turn struct {
	Query     string              `json:"query"`
	Answers   []ModelAnswer       `json:"stage1"`
	Rankings  []RankingSubmission `json:"stage2"`
	Synthesis SynthesisResult     `json:"stage3"`
	Metadata  TurnMetadata        `json:"metadata"`
}

// ChatMessage represents a message for the chat-completion API
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User is the record a bearer credential resolves to
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse represents the response after sending a message
type SendMessageResponse struct {
	Stage1   []ModelAnswer       `json:"stage1"`
	Stage2   []RankingSubmission `json:"stage2"`
	Stage3   SynthesisResult     `json:"stage3"`
	Metadata TurnMetadata        `json:"metadata"`
	Title    string              `json:"title,omitempty"`
}
