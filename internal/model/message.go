package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a conversation message. Assistant messages carry the
// three deliberation stages: independent model answers, peer review, and the
// chairman synthesis. While a stage streams, per-model fragments accumulate
// in the streaming buffers; once the backend finalizes a stage, the
// authoritative data lands in Stage1/Stage2/Stage3. Both representations are
// kept side by side.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Finalized stage data (assistant messages only)
	Stage1 []StageResult `json:"stage1,omitempty"`
	Stage2 []Ranking     `json:"stage2,omitempty"`
	Stage3 *Synthesis    `json:"stage3,omitempty"`

	// In-progress streaming buffers, keyed by model for stages 1 and 2
	Stage1Streaming map[string]*StreamBuffer `json:"stage1_streaming,omitempty"`
	Stage2Streaming map[string]*StreamBuffer `json:"stage2_streaming,omitempty"`
	Stage3Streaming *StreamBuffer            `json:"stage3_streaming,omitempty"`

	// Per-stage loading flags
	Loading Loading `json:"loading"`

	// Ancillary payloads
	Usage         map[string]any `json:"usage,omitempty"`
	ImageAnalysis *ImageAnalysis `json:"image_analysis,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Loading tracks which deliberation stages are in flight.
type Loading struct {
	Stage1 bool `json:"stage1"`
	Stage2 bool `json:"stage2"`
	Stage3 bool `json:"stage3"`
}

// Any reports whether any stage is still in flight.
func (l Loading) Any() bool {
	return l.Stage1 || l.Stage2 || l.Stage3
}

// Clone returns a deep copy of the message. Streaming buffer maps and the
// buffers inside them are copied so the original is never mutated through
// the clone.
func (m *Message) Clone() Message {
	out := *m
	out.Stage1Streaming = cloneBuffers(m.Stage1Streaming)
	out.Stage2Streaming = cloneBuffers(m.Stage2Streaming)
	if m.Stage3Streaming != nil {
		buf := *m.Stage3Streaming
		out.Stage3Streaming = &buf
	}
	if m.Stage1 != nil {
		out.Stage1 = make([]StageResult, len(m.Stage1))
		copy(out.Stage1, m.Stage1)
	}
	if m.Stage2 != nil {
		out.Stage2 = make([]Ranking, len(m.Stage2))
		copy(out.Stage2, m.Stage2)
	}
	if m.Stage3 != nil {
		syn := *m.Stage3
		out.Stage3 = &syn
	}
	if m.Usage != nil {
		out.Usage = make(map[string]any, len(m.Usage))
		for k, v := range m.Usage {
			out.Usage[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.ImageAnalysis != nil {
		ia := *m.ImageAnalysis
		out.ImageAnalysis = &ia
	}
	return out
}

func cloneBuffers(in map[string]*StreamBuffer) map[string]*StreamBuffer {
	if in == nil {
		return nil
	}
	out := make(map[string]*StreamBuffer, len(in))
	for k, v := range in {
		buf := *v
		out[k] = &buf
	}
	return out
}

// SendMessageRequest is the body posted to open a deliberation stream.
type SendMessageRequest struct {
	Content        string         `json:"content"`
	BusinessID     string         `json:"business_id,omitempty"`
	Departments    []string       `json:"departments,omitempty"`
	Roles          []string       `json:"roles,omitempty"`
	Playbooks      []string       `json:"playbooks,omitempty"`
	ProjectID      string         `json:"project_id,omitempty"`
	AttachmentIDs  []string       `json:"attachment_ids,omitempty"`
	PresetOverride map[string]any `json:"preset_override,omitempty"`
}
