// Package reducer applies deliberation stream events to the conversation
// state. Apply is a pure function: it never mutates its inputs and returns
// the next state, which makes every transition unit-testable in isolation.
package reducer

import (
	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/event"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

// Reducer folds stream events into a ChatState.
type Reducer struct {
	logger *logger.Logger
}

// New creates a reducer.
func New(log *logger.Logger) *Reducer {
	return &Reducer{logger: log}
}

// Apply returns the state after one event. Events act on the last message of
// the current conversation — the in-flight assistant message — except for
// title_complete, which is routed by conversation id. Unknown event types are
// logged and ignored; they are never fatal.
func (r *Reducer) Apply(state model.ChatState, ev event.Event) model.ChatState {
	metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case event.TypeStage1Start:
		return r.withMessage(state, func(m *model.Message) {
			m.Loading.Stage1 = true
			m.Stage1Streaming = make(map[string]*model.StreamBuffer)
		})

	case event.TypeStage1Token:
		metrics.RecordToken("stage1")
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage1Streaming == nil {
				m.Stage1Streaming = make(map[string]*model.StreamBuffer)
			}
			appendToken(m.Stage1Streaming, ev.Model, ev.Content)
		})

	case event.TypeStage1ModelComplete:
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage1Streaming == nil {
				m.Stage1Streaming = make(map[string]*model.StreamBuffer)
			}
			completeModel(m.Stage1Streaming, ev.Model, ev.Response)
		})

	case event.TypeStage1ModelError:
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage1Streaming == nil {
				m.Stage1Streaming = make(map[string]*model.StreamBuffer)
			}
			failModel(m.Stage1Streaming, ev.Model, ev.Error)
		})

	case event.TypeStage1Complete:
		return r.withMessage(state, func(m *model.Message) {
			if data, err := ev.Stage1Data(); err == nil {
				m.Stage1 = data
			} else {
				r.logger.Warn("bad stage1_complete payload", zap.Error(err))
			}
			m.Loading.Stage1 = false
		})

	case event.TypeStage2Start:
		return r.withMessage(state, func(m *model.Message) {
			m.Loading.Stage2 = true
			m.Stage2Streaming = make(map[string]*model.StreamBuffer)
		})

	case event.TypeStage2Token:
		metrics.RecordToken("stage2")
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage2Streaming == nil {
				m.Stage2Streaming = make(map[string]*model.StreamBuffer)
			}
			appendToken(m.Stage2Streaming, ev.Model, ev.Content)
		})

	case event.TypeStage2ModelComplete:
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage2Streaming == nil {
				m.Stage2Streaming = make(map[string]*model.StreamBuffer)
			}
			completeModel(m.Stage2Streaming, ev.Model, ev.Response)
		})

	case event.TypeStage2ModelError:
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage2Streaming == nil {
				m.Stage2Streaming = make(map[string]*model.StreamBuffer)
			}
			failModel(m.Stage2Streaming, ev.Model, ev.Error)
		})

	case event.TypeStage2Complete:
		return r.withMessage(state, func(m *model.Message) {
			if data, err := ev.Stage2Data(); err == nil {
				m.Stage2 = data
			} else {
				r.logger.Warn("bad stage2_complete payload", zap.Error(err))
			}
			if len(ev.Metadata) > 0 {
				if m.Metadata == nil {
					m.Metadata = make(map[string]any, len(ev.Metadata))
				}
				for k, v := range ev.Metadata {
					m.Metadata[k] = v
				}
			}
			m.Loading.Stage2 = false
		})

	case event.TypeStage3Start:
		return r.withMessage(state, func(m *model.Message) {
			m.Loading.Stage3 = true
			m.Stage3Streaming = &model.StreamBuffer{}
		})

	case event.TypeStage3Token:
		metrics.RecordToken("stage3")
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage3Streaming == nil {
				m.Stage3Streaming = &model.StreamBuffer{}
			}
			if m.Stage3Streaming.Complete {
				return
			}
			m.Stage3Streaming.Text += ev.Content
		})

	case event.TypeStage3Error:
		return r.withMessage(state, func(m *model.Message) {
			if m.Stage3Streaming != nil && m.Stage3Streaming.Complete {
				return
			}
			m.Stage3Streaming = &model.StreamBuffer{
				Text:     "Error: " + ev.Error,
				Complete: true,
				Error:    true,
			}
		})

	case event.TypeStage3Complete:
		return r.withMessage(state, func(m *model.Message) {
			data, err := ev.Stage3Data()
			if err != nil {
				r.logger.Warn("bad stage3_complete payload", zap.Error(err))
			} else {
				m.Stage3 = data
			}
			if m.Stage3Streaming == nil {
				m.Stage3Streaming = &model.StreamBuffer{}
			}
			if m.Stage3Streaming.Text == "" && data != nil {
				m.Stage3Streaming.Text = data.Content
			}
			m.Stage3Streaming.Complete = true
			m.Loading.Stage3 = false
		})

	case event.TypeTitleComplete:
		return r.applyTitle(state, ev)

	case event.TypeUsage:
		return r.withMessage(state, func(m *model.Message) {
			if payload := ev.UsagePayload(); payload != nil {
				m.Usage = payload
			}
		})

	case event.TypeImageAnalysisStart:
		r.logger.Debug("image analysis started", zap.Int("count", ev.Count))
		return state

	case event.TypeImageAnalysisDone:
		return r.withMessage(state, func(m *model.Message) {
			m.ImageAnalysis = &model.ImageAnalysis{
				Analyzed: ev.Analyzed,
				Analysis: ev.Analysis,
			}
		})

	case event.TypeError:
		// Terminal for this send: stop the spinners, keep every byte of
		// partial content that already accumulated.
		return r.withMessage(state, func(m *model.Message) {
			m.Loading = model.Loading{}
		})

	case event.TypeCancelled:
		return r.withMessage(state, func(m *model.Message) {
			m.Loading = model.Loading{}
		})

	case event.TypeComplete:
		// Terminal marker. The session controller refreshes the
		// conversation list from the server; no state change here.
		return state

	default:
		r.logger.Warn("ignoring unrecognized stream event",
			zap.String("type", string(ev.Type)))
		return state
	}
}

// withMessage clones the state, applies fn to a deep copy of the in-flight
// assistant message, and returns the new state. Events arriving with no
// in-flight message are dropped with a warning.
func (r *Reducer) withMessage(state model.ChatState, fn func(*model.Message)) model.ChatState {
	conv := state.Current
	if conv == nil || len(conv.Messages) == 0 {
		r.logger.Warn("stream event with no conversation in flight")
		return state
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != model.RoleAssistant {
		r.logger.Warn("stream event with no assistant message in flight")
		return state
	}

	next := state.Clone()
	msg := last.Clone()
	fn(&msg)
	next.Current.Messages[len(next.Current.Messages)-1] = msg
	return next
}

// applyTitle updates the conversation title and the matching list entry,
// matched by conversation id rather than position.
func (r *Reducer) applyTitle(state model.ChatState, ev event.Event) model.ChatState {
	title, err := ev.TitleData()
	if err != nil || title == "" {
		r.logger.Warn("bad title_complete payload", zap.Error(err))
		return state
	}

	convID := ""
	if state.Current != nil {
		convID = state.Current.ID
	}
	if msg := state.Current.LastMessage(); msg != nil && msg.ConversationID != "" {
		convID = msg.ConversationID
	}
	if convID == "" {
		return state
	}

	next := state.Clone()
	if next.Current != nil && next.Current.ID == convID {
		next.Current.Title = title
	}
	for i := range next.Conversations {
		if next.Conversations[i].ID == convID {
			next.Conversations[i].Title = title
		}
	}
	return next
}

// appendToken routes one fragment to its model's buffer. Buffers are
// append-only: fragments for an already-completed model are dropped.
func appendToken(buffers map[string]*model.StreamBuffer, modelKey, content string) {
	buf, ok := buffers[modelKey]
	if !ok {
		buffers[modelKey] = &model.StreamBuffer{Text: content}
		return
	}
	if buf.Complete {
		return
	}
	buf.Text += content
}

// completeModel marks one model's buffer complete. Idempotent: a second
// completion leaves the buffer untouched. A completion with no prior buffer
// seeds the text from the finalized response.
func completeModel(buffers map[string]*model.StreamBuffer, modelKey, response string) {
	buf, ok := buffers[modelKey]
	if !ok {
		buffers[modelKey] = &model.StreamBuffer{Text: response, Complete: true}
		return
	}
	buf.Complete = true
}

// failModel records a per-model failure inline. Sibling models and the stage
// keep streaming; a buffer that already completed is left alone.
func failModel(buffers map[string]*model.StreamBuffer, modelKey, errText string) {
	if buf, ok := buffers[modelKey]; ok && buf.Complete {
		return
	}
	buffers[modelKey] = &model.StreamBuffer{
		Text:     "Error: " + errText,
		Complete: true,
		Error:    true,
	}
}
