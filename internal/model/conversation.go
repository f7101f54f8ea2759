// Package model defines data structures for the deliberation client.
package model

import (
	"time"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Messages  []Message         `json:"messages"`
	Temporary bool              `json:"temporary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a copy of the conversation with its own message slice.
// Messages themselves are copied shallowly; callers that mutate a message
// must clone it first.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// LastMessage returns a pointer to the last message in the conversation,
// or nil if it has none.
func (c *Conversation) LastMessage() *Message {
	if c == nil || len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// ConversationSummary is a conversation-list entry.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatState is the aggregate the reducer operates on: the conversation list
// plus the currently open conversation.
type ChatState struct {
	Conversations []ConversationSummary `json:"conversations"`
	Current       *Conversation         `json:"current,omitempty"`
}

// Clone returns a copy of the state with its own summary slice and a cloned
// current conversation.
func (s ChatState) Clone() ChatState {
	out := s
	out.Conversations = make([]ConversationSummary, len(s.Conversations))
	copy(out.Conversations, s.Conversations)
	out.Current = s.Current.Clone()
	return out
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}
