// Package session orchestrates one send operation end to end: optimistic
// state, temporary-conversation resolution, the stream loop, and
// commit/rollback.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/event"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/internal/reducer"
	"github.com/councilhq/deliberation-client/internal/transport"
	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

// IDGenerator produces message and temporary-conversation ids. Injected so
// tests can use deterministic ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates UUIDv7 ids.
type UUIDGenerator struct{}

// NewID returns a new UUIDv7 string.
func (UUIDGenerator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// API is the request/response collaborator surface the controller depends on.
type API interface {
	CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error)
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
	UploadAttachments(ctx context.Context, files map[string]io.Reader) ([]string, error)
}

// EventStream is the pull side of one open deliberation stream.
type EventStream interface {
	Next() (event.Event, error)
	Close() error
}

// Opener opens a deliberation stream for a conversation.
type Opener interface {
	Open(ctx context.Context, conversationID string, req *model.SendMessageRequest) (EventStream, error)
}

// StreamerOpener adapts a transport.Streamer to the Opener interface.
type StreamerOpener struct {
	Streamer *transport.Streamer
}

// Open opens the stream through the wrapped transport.
func (o StreamerOpener) Open(ctx context.Context, conversationID string, req *model.SendMessageRequest) (EventStream, error) {
	st, err := o.Streamer.Open(ctx, conversationID, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SendOptions describes one send operation.
type SendOptions struct {
	Content        string
	BusinessID     string
	Departments    []string
	Roles          []string
	Playbooks      []string
	ProjectID      string
	Attachments    map[string]io.Reader
	PresetOverride map[string]any
}

// SendResult reports how a send that reached the stream ended. Notice is a
// user-visible failure text from a stream-level error event or a dropped
// connection; state is retained either way.
type SendResult struct {
	State     model.ChatState
	Notice    string
	Cancelled bool
}

// Controller drives deliberation sends for one chat session. At most one
// stream is active per conversation; starting a new send cancels the prior
// handle first.
type Controller struct {
	api      API
	opener   Opener
	reducer  *reducer.Reducer
	ids      IDGenerator
	logger   *logger.Logger
	onChange func(model.ChatState)

	mu     sync.Mutex
	state  model.ChatState
	active map[string]*streamHandle
	gen    uint64
}

// streamHandle is one conversation's active cancellation handle.
type streamHandle struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewController creates a session controller.
func NewController(apiClient API, opener Opener, ids IDGenerator, log *logger.Logger) *Controller {
	return &Controller{
		api:     apiClient,
		opener:  opener,
		reducer: reducer.New(log),
		ids:     ids,
		logger:  log,
		active:  make(map[string]*streamHandle),
	}
}

// SetOnChange registers an observer invoked with a copy of the state after
// every mutation.
func (c *Controller) SetOnChange(fn func(model.ChatState)) {
	c.onChange = fn
}

// State returns a copy of the current chat state.
func (c *Controller) State() model.ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Bootstrap loads the conversation list and, when an initial message is
// given, performs the first send. The initial message is an explicit command
// rather than ambient state shared across modules.
func (c *Controller) Bootstrap(ctx context.Context, initialMessage string) (*SendResult, error) {
	summaries, err := c.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	c.mu.Lock()
	c.state.Conversations = summaries
	c.mu.Unlock()
	c.notify()

	if initialMessage == "" {
		return nil, nil
	}
	return c.Send(ctx, SendOptions{Content: initialMessage})
}

// Cancel signals the active stream for a conversation, if any. The stream
// winds down cooperatively and reports a cancelled event; accumulated state
// is kept.
func (c *Controller) Cancel(conversationID string) {
	c.mu.Lock()
	handle := c.active[conversationID]
	c.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
}

// supersede cancels and detaches the active stream for a conversation.
// Unlike Cancel, the handle is removed immediately, so events the old stream
// buffered before the abort no longer pass applyFor.
func (c *Controller) supersede(conversationID string) {
	c.mu.Lock()
	handle := c.active[conversationID]
	if handle != nil {
		delete(c.active, conversationID)
	}
	c.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
}

// Send runs one deliberation send end to end. A hard error return means the
// stream never started and the optimistic messages were rolled back; once
// any frame has been processed the messages are retained regardless of how
// the stream ends.
func (c *Controller) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	tracer := otel.Tracer("deliberation-client/session")
	ctx, span := tracer.Start(ctx, "council.send")
	defer span.End()

	start := time.Now()

	conv, created := c.ensureConversation()
	log := c.logger.WithConversation(conv.ID)

	// One stream per conversation: a prior in-flight send is cancelled and
	// detached before the new one begins, so its buffered tail can no
	// longer reach the state.
	c.supersede(conv.ID)

	prevLen := c.appendOptimistic(conv.ID, opts.Content)

	fail := func(stage string, err error) (*SendResult, error) {
		c.rollback(conv.ID, prevLen, created)
		metrics.SendFailuresTotal.WithLabelValues(stage).Inc()
		metrics.RecordStream("failed", time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Uploading.
	req := &model.SendMessageRequest{
		Content:        opts.Content,
		BusinessID:     opts.BusinessID,
		Departments:    opts.Departments,
		Roles:          opts.Roles,
		Playbooks:      opts.Playbooks,
		ProjectID:      opts.ProjectID,
		PresetOverride: opts.PresetOverride,
	}
	if len(opts.Attachments) > 0 {
		ids, err := c.api.UploadAttachments(ctx, opts.Attachments)
		if err != nil {
			return fail("upload", fmt.Errorf("upload attachments: %w", err))
		}
		req.AttachmentIDs = ids
	}

	// Resolving: a temporary conversation gets its persisted id before any
	// stream event is applied, so consumers never observe a mix of temp
	// and real ids.
	if conv.Temporary {
		persisted, err := c.api.CreateConversation(ctx, &model.CreateConversationRequest{
			Title: deriveTitle(opts.Content),
		})
		if err != nil {
			return fail("resolve", fmt.Errorf("create conversation: %w", err))
		}
		c.resolveConversation(conv.ID, persisted)
		conv.ID = persisted.ID
		log = c.logger.WithConversation(conv.ID)
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	// Streaming.
	streamCtx, cancel := context.WithCancel(ctx)
	handle := c.registerHandle(conv.ID, cancel)
	defer c.releaseHandle(conv.ID, handle)

	stream, err := c.opener.Open(streamCtx, conv.ID, req)
	if err != nil {
		var reqErr *transport.RequestError
		if errors.As(err, &reqErr) {
			return fail("pre_stream", err)
		}
		return fail("pre_stream", fmt.Errorf("open stream: %w", err))
	}
	defer stream.Close()

	result := &SendResult{}
	outcome := "finalized"

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The connection dropped mid-deliberation. Everything applied
			// so far is kept; only the loading flags come down.
			log.Warn("stream interrupted", zap.Error(err))
			c.applyFor(conv.ID, handle, event.Event{Type: event.TypeError})
			result.Notice = fmt.Sprintf("stream interrupted: %v", err)
			outcome = "interrupted"
			break
		}

		if !c.applyFor(conv.ID, handle, ev) {
			// A newer send took over this conversation. The stream's tail,
			// including its synthetic cancelled event, must not touch the
			// new send's in-flight message.
			result.Cancelled = true
			outcome = "cancelled"
			break
		}

		switch ev.Type {
		case event.TypeError:
			result.Notice = ev.Message
			outcome = "error"
		case event.TypeCancelled:
			result.Cancelled = true
			outcome = "cancelled"
		case event.TypeComplete:
			c.refreshConversations(ctx, log)
		}
	}

	metrics.RecordStream(outcome, time.Since(start).Seconds())
	log.Info("send finished",
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)),
	)

	result.State = c.State()
	return result, nil
}

// ensureConversation returns the open conversation, creating a temporary one
// when none is open. The second return reports whether this send created it.
func (c *Controller) ensureConversation() (*model.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Current != nil {
		conv := *c.state.Current
		return &conv, false
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        "temp-" + c.ids.NewID(),
		Title:     "New conversation",
		Temporary: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.state.Current = conv
	copied := *conv
	return &copied, true
}

// appendOptimistic inserts the user message and the assistant placeholder,
// returning the message-list length before the insert for rollback.
func (c *Controller) appendOptimistic(conversationID, content string) int {
	now := time.Now()
	userMsg := model.Message{
		ID:             c.ids.NewID(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      now,
	}
	assistantMsg := model.Message{
		ID:             c.ids.NewID(),
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		CreatedAt:      now,
	}

	c.mu.Lock()
	prevLen := len(c.state.Current.Messages)
	next := c.state.Clone()
	next.Current.Messages = append(next.Current.Messages, userMsg, assistantMsg)
	c.state = next
	c.mu.Unlock()

	c.notify()
	return prevLen
}

// rollback removes the optimistic message pair after a pre-stream failure.
// A conversation created by this send is removed entirely.
func (c *Controller) rollback(conversationID string, prevLen int, created bool) {
	c.mu.Lock()
	next := c.state.Clone()
	if created {
		next.Current = nil
	} else if next.Current != nil && next.Current.ID == conversationID && len(next.Current.Messages) > prevLen {
		next.Current.Messages = next.Current.Messages[:prevLen]
	}
	c.state = next
	c.mu.Unlock()

	c.notify()
}

// resolveConversation rewrites the temporary conversation and its optimistic
// messages to carry the persisted id, and seeds the list entry.
func (c *Controller) resolveConversation(tempID string, persisted *model.Conversation) {
	c.mu.Lock()
	next := c.state.Clone()
	if next.Current != nil && next.Current.ID == tempID {
		next.Current.ID = persisted.ID
		next.Current.Temporary = false
		if persisted.Title != "" {
			next.Current.Title = persisted.Title
		}
		for i := range next.Current.Messages {
			next.Current.Messages[i].ConversationID = persisted.ID
		}
	}
	next.Conversations = append([]model.ConversationSummary{{
		ID:        persisted.ID,
		Title:     persisted.Title,
		CreatedAt: persisted.CreatedAt,
	}}, next.Conversations...)
	c.state = next
	c.mu.Unlock()

	c.notify()
}

// applyFor applies ev while handle is still the conversation's active stream.
// Once a newer send has taken over, the old stream's remaining events are
// dropped and false is returned.
func (c *Controller) applyFor(conversationID string, handle *streamHandle, ev event.Event) bool {
	c.mu.Lock()
	current, ok := c.active[conversationID]
	if !ok || current.gen != handle.gen {
		c.mu.Unlock()
		return false
	}
	c.state = c.reducer.Apply(c.state, ev)
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Controller) refreshConversations(ctx context.Context, log *logger.Logger) {
	summaries, err := c.api.ListConversations(ctx)
	if err != nil {
		log.Warn("conversation list refresh failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.state.Conversations = summaries
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) registerHandle(conversationID string, cancel context.CancelFunc) *streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	handle := &streamHandle{gen: c.gen, cancel: cancel}
	c.active[conversationID] = handle
	return handle
}

// releaseHandle drops the handle unless a newer send has already replaced it.
func (c *Controller) releaseHandle(conversationID string, handle *streamHandle) {
	handle.cancel()
	c.mu.Lock()
	if current, ok := c.active[conversationID]; ok && current.gen == handle.gen {
		delete(c.active, conversationID)
	}
	c.mu.Unlock()
}

func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.State())
}

// deriveTitle builds a provisional conversation title from the first
// message, matching what the backend will later replace via title_complete.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60])
	}
	return title
}
