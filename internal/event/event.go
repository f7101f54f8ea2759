// Package event defines the deliberation stream event catalog and the
// frame parser that extracts events from raw SSE frames.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/councilhq/deliberation-client/internal/model"
)

// Type discriminates deliberation stream events.
type Type string

// The catalog of event types emitted by the deliberation backend. The set is
// closed: anything else is ignored with a warning, never treated as fatal.
const (
	TypeStage1Start         Type = "stage1_start"
	TypeStage1Token         Type = "stage1_token"
	TypeStage1ModelComplete Type = "stage1_model_complete"
	TypeStage1ModelError    Type = "stage1_model_error"
	TypeStage1Complete      Type = "stage1_complete"
	TypeStage2Start         Type = "stage2_start"
	TypeStage2Token         Type = "stage2_token"
	TypeStage2ModelComplete Type = "stage2_model_complete"
	TypeStage2ModelError    Type = "stage2_model_error"
	TypeStage2Complete      Type = "stage2_complete"
	TypeStage3Start         Type = "stage3_start"
	TypeStage3Token         Type = "stage3_token"
	TypeStage3Error         Type = "stage3_error"
	TypeStage3Complete      Type = "stage3_complete"
	TypeTitleComplete       Type = "title_complete"
	TypeUsage               Type = "usage"
	TypeImageAnalysisStart  Type = "image_analysis_start"
	TypeImageAnalysisDone   Type = "image_analysis_complete"
	TypeError               Type = "error"
	TypeCancelled           Type = "cancelled"
	TypeComplete            Type = "complete"
)

// Types lists every known event type.
func Types() []Type {
	return []Type{
		TypeStage1Start, TypeStage1Token, TypeStage1ModelComplete,
		TypeStage1ModelError, TypeStage1Complete,
		TypeStage2Start, TypeStage2Token, TypeStage2ModelComplete,
		TypeStage2ModelError, TypeStage2Complete,
		TypeStage3Start, TypeStage3Token, TypeStage3Error, TypeStage3Complete,
		TypeTitleComplete, TypeUsage,
		TypeImageAnalysisStart, TypeImageAnalysisDone,
		TypeError, TypeCancelled, TypeComplete,
	}
}

// Known reports whether t is part of the catalog.
func Known(t Type) bool {
	for _, k := range Types() {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one parsed deliberation stream event. Only the fields relevant to
// the given Type are populated; Raw holds the original JSON object for
// payloads attached verbatim (usage).
type Event struct {
	Type     Type            `json:"type"`
	Model    string          `json:"model,omitempty"`
	Content  string          `json:"content,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
	Response string          `json:"response,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Count    int             `json:"count,omitempty"`
	Analyzed int             `json:"analyzed,omitempty"`
	Analysis string          `json:"analysis,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Stage1Data decodes the finalized stage 1 payload.
func (e *Event) Stage1Data() ([]model.StageResult, error) {
	var out []model.StageResult
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("decode stage1 data: %w", err)
	}
	return out, nil
}

// Stage2Data decodes the finalized stage 2 payload.
func (e *Event) Stage2Data() ([]model.Ranking, error) {
	var out []model.Ranking
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("decode stage2 data: %w", err)
	}
	return out, nil
}

// Stage3Data decodes the finalized stage 3 payload.
func (e *Event) Stage3Data() (*model.Synthesis, error) {
	var out model.Synthesis
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("decode stage3 data: %w", err)
	}
	return &out, nil
}

// TitleData decodes the title from a title_complete payload.
func (e *Event) TitleData() (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return "", fmt.Errorf("decode title data: %w", err)
	}
	return out.Title, nil
}

// UsagePayload returns the event's fields as a map, minus the discriminator,
// for verbatim attachment to the in-flight message.
func (e *Event) UsagePayload() map[string]any {
	var out map[string]any
	if err := json.Unmarshal(e.Raw, &out); err != nil {
		return nil
	}
	delete(out, "type")
	return out
}
