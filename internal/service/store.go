// Package service provides the council backend's in-memory state. Durable
// persistence is deliberately out of scope; the store lives for the process.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

// ErrNotFound is returned for missing or foreign conversations.
var ErrNotFound = errors.New("conversation not found")

// Attachment is one uploaded file the backend accepted.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	OwnerID  string `json:"-"`
}

// ConversationStore keeps conversations and attachments per user.
type ConversationStore struct {
	logger *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	owners        map[string]string
	attachments   map[string]Attachment
}

// NewConversationStore creates an empty store.
func NewConversationStore(log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		logger:        log,
		conversations: make(map[string]*model.Conversation),
		owners:        make(map[string]string),
		attachments:   make(map[string]Attachment),
	}
}

// Create creates a new conversation for a user.
func (s *ConversationStore) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     req.Title,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.owners[conv.ID] = userID
	s.mu.Unlock()

	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation created")

	return conv.Clone(), nil
}

// Get retrieves a conversation owned by the user.
func (s *ConversationStore) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, err := s.lookup(userID, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// List returns the user's conversation summaries, newest first.
func (s *ConversationStore) List(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]model.ConversationSummary, 0)
	for id, conv := range s.conversations {
		if s.owners[id] != userID {
			continue
		}
		summaries = append(summaries, model.ConversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Delete removes a conversation.
func (s *ConversationStore) Delete(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(userID, conversationID); err != nil {
		return err
	}
	delete(s.conversations, conversationID)
	delete(s.owners, conversationID)
	return nil
}

// AppendMessages stores the finalized messages of one send.
func (s *ConversationStore) AppendMessages(ctx context.Context, userID, conversationID string, msgs ...model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(userID, conversationID)
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = time.Now()
	return nil
}

// SetTitle updates the conversation title.
func (s *ConversationStore) SetTitle(ctx context.Context, userID, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.lookup(userID, conversationID)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

// SaveAttachment registers an uploaded file and returns its opaque id.
func (s *ConversationStore) SaveAttachment(userID, filename string, size int64) Attachment {
	att := Attachment{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Filename: filename,
		Size:     size,
		OwnerID:  userID,
	}

	s.mu.Lock()
	s.attachments[att.ID] = att
	s.mu.Unlock()

	return att
}

// CountAttachments returns how many of the ids belong to the user.
func (s *ConversationStore) CountAttachments(userID string, ids []string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if att, ok := s.attachments[id]; ok && att.OwnerID == userID {
			n++
		}
	}
	return n
}

func (s *ConversationStore) lookup(userID, conversationID string) (*model.Conversation, error) {
	conv, exists := s.conversations[conversationID]
	if !exists {
		return nil, ErrNotFound
	}
	if s.owners[conversationID] != userID {
		return nil, ErrNotFound
	}
	return conv, nil
}
