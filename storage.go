package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ConversationStore persists conversations as one JSON file each. Writes on
// the same conversation are serialized; different conversations do not block
// each other beyond the shared mutex window.
type ConversationStore struct {
	dir string
	mu  sync.Mutex
}

// NewConversationStore returns a store rooted at dir. The directory is
// created lazily on first write.
func NewConversationStore(dir string) *ConversationStore {
	return &ConversationStore{dir: dir}
}

func (s *ConversationStore) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".json")
}

func (s *ConversationStore) ensureDir() error {
	return os.MkdirAll(s.dir, 0755)
}

// CreateConversation creates a new conversation owned by userID.
// Initializes an empty conversation with default title and saves it to disk.
func (s *ConversationStore) CreateConversation(conversationID, userID string) (*Conversation, error) {
	conversation := &Conversation{
		ID:        conversationID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []Message{},
	}

	if err := s.SaveConversation(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetConversation loads a conversation by ID.
// Returns nil without error if the conversation doesn't exist.
func (s *ConversationStore) GetConversation(conversationID string) (*Conversation, error) {
	path := s.path(conversationID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}
	return &conversation, nil
}

// SaveConversation writes a conversation as formatted JSON to disk.
func (s *ConversationStore) SaveConversation(conversation *Conversation) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if err := os.WriteFile(s.path(conversation.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	return nil
}

// ListConversations lists the metadata of every conversation owned by
// userID, newest first. Silently skips invalid or unreadable files.
func (s *ConversationStore) ListConversations(userID string) ([]ConversationMetadata, error) {
	if err := s.ensureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Initialize with an empty slice to avoid null in JSON.
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}
		if conv.UserID != userID {
			continue
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})
	return conversations, nil
}

// AddUserMessage appends a user message to a conversation's history.
// Returns an error if the conversation doesn't exist or saving fails.
func (s *ConversationStore) AddUserMessage(conversationID, content string) error {
	return s.appendMessage(conversationID, Message{
		Role:    "user",
		Content: content,
	})
}

// AddAssistantMessage appends a completed turn as a single assistant
// message carrying all three stages plus the turn metadata.
func (s *ConversationStore) AddAssistantMessage(conversationID string, turn *Turn) error {
	synthesis := turn.Synthesis
	metadata := turn.Metadata
	return s.appendMessage(conversationID, Message{
		Role:     "assistant",
		Stage1:   turn.Answers,
		Stage2:   turn.Rankings,
		Stage3:   &synthesis,
		Metadata: &metadata,
	})
}

// UpdateConversationTitle replaces a conversation's title.
func (s *ConversationStore) UpdateConversationTitle(conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Title = title
	return s.SaveConversation(conversation)
}

func (s *ConversationStore) appendMessage(conversationID string, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, message)
	return s.SaveConversation(conversation)
}
