package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/council"
	"github.com/councilhq/deliberation-client/internal/llm"
	"github.com/councilhq/deliberation-client/internal/middleware"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/internal/service"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

// StreamHandler serves the deliberation stream endpoint.
type StreamHandler struct {
	store  *service.ConversationStore
	engine *council.Engine
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(store *service.ConversationStore, engine *council.Engine, log *logger.Logger) *StreamHandler {
	return &StreamHandler{store: store, engine: engine, logger: log}
}

// Deliberate handles POST /api/v1/conversations/{id}/messages/stream.
// It accepts a question and streams the council deliberation back as
// blank-line-delimited frames of data: lines.
func (h *StreamHandler) Deliberate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.Get(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	log := h.logger.WithConversation(conversationID)
	capture := &deliberationCapture{}

	emit := func(payload map[string]any) error {
		capture.observe(payload)
		return sendFrame(w, flusher, payload)
	}

	err = h.engine.Deliberate(ctx, council.Request{
		Question:    req.Content,
		History:     historyFromConversation(conv),
		Attachments: h.store.CountAttachments(userID, req.AttachmentIDs),
	}, emit)
	if err != nil {
		// The client went away or the connection broke. Nothing to write.
		log.Info("deliberation aborted", zap.Error(err))
		return
	}

	h.persist(r, userID, conversationID, &req, capture, log)
}

// persist stores the finalized exchange so later GETs replay it.
func (h *StreamHandler) persist(r *http.Request, userID, conversationID string, req *model.SendMessageRequest, capture *deliberationCapture, log *logger.Logger) {
	now := time.Now()
	userMsg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        req.Content,
		CreatedAt:      now,
	}
	assistantMsg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Stage1:         capture.stage1,
		Stage2:         capture.stage2,
		Stage3:         capture.stage3,
		Usage:          capture.usage,
		CreatedAt:      time.Now(),
	}
	if capture.stage3 != nil {
		assistantMsg.Content = capture.stage3.Content
	}

	ctx := r.Context()
	if err := h.store.AppendMessages(ctx, userID, conversationID, userMsg, assistantMsg); err != nil {
		log.Warn("failed to persist deliberation", zap.Error(err))
	}
	if capture.title != "" {
		if err := h.store.SetTitle(ctx, userID, conversationID, capture.title); err != nil {
			log.Warn("failed to persist title", zap.Error(err))
		}
	}
}

// deliberationCapture records finalized payloads as they pass through emit,
// so the handler can persist the exchange once the stream ends.
type deliberationCapture struct {
	stage1 []model.StageResult
	stage2 []model.Ranking
	stage3 *model.Synthesis
	title  string
	usage  map[string]any
}

func (c *deliberationCapture) observe(payload map[string]any) {
	switch payload["type"] {
	case "stage1_complete":
		if data, ok := payload["data"].([]model.StageResult); ok {
			c.stage1 = data
		}
	case "stage2_complete":
		if data, ok := payload["data"].([]model.Ranking); ok {
			c.stage2 = data
		}
	case "stage3_complete":
		if data, ok := payload["data"].(model.Synthesis); ok {
			c.stage3 = &data
		}
	case "title_complete":
		if data, ok := payload["data"].(map[string]any); ok {
			if title, ok := data["title"].(string); ok {
				c.title = title
			}
		}
	case "usage":
		usage := make(map[string]any, len(payload))
		for k, v := range payload {
			if k != "type" {
				usage[k] = v
			}
		}
		c.usage = usage
	}
}

func historyFromConversation(conv *model.Conversation) []llm.ChatMessage {
	history := make([]llm.ChatMessage, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		content := msg.Content
		if msg.Role == model.RoleAssistant && msg.Stage3 != nil {
			content = msg.Stage3.Content
		}
		if content == "" {
			continue
		}
		history = append(history, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: content,
		})
	}
	return history
}

// sendFrame writes one event as a data: line terminated by a blank line.
func sendFrame(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
