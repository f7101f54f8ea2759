package council

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/deliberation-client/internal/llm"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

// capture records every emitted payload in order.
type capture struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (c *capture) emit(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	for i, p := range c.payloads {
		out[i], _ = p["type"].(string)
	}
	return out
}

func (c *capture) first(eventType string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.payloads {
		if p["type"] == eventType {
			return p
		}
	}
	return nil
}

func (c *capture) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.payloads {
		if p["type"] == eventType {
			n++
		}
	}
	return n
}

func newTestEngine(client llm.Client, members []string) *Engine {
	return NewEngine(client, members, "chairman-model", logger.NewNop())
}

func indexOf(types []string, want string) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

func TestDeliberate_EventOrdering(t *testing.T) {
	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha", "beta"})

	err := engine.Deliberate(context.Background(), Request{Question: "pick a database"}, sink.emit)
	require.NoError(t, err)

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, "complete", types[len(types)-1])

	// Stage boundaries arrive in order even though member work interleaves.
	markers := []string{
		"stage1_start", "stage1_complete",
		"stage2_start", "stage2_complete",
		"stage3_start", "stage3_complete",
		"title_complete", "usage", "complete",
	}
	prev := -1
	for _, marker := range markers {
		idx := indexOf(types, marker)
		require.NotEqual(t, -1, idx, "missing %s", marker)
		assert.Greater(t, idx, prev, "%s out of order", marker)
		prev = idx
	}

	// Every member produced tokens and a completion in stage 1.
	assert.Equal(t, 2, sink.count("stage1_model_complete"))
	assert.Greater(t, sink.count("stage1_token"), 0)
}

func TestDeliberate_Stage1CompletePayloadSorted(t *testing.T) {
	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"zeta", "alpha", "mid"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.NoError(t, err)

	payload := sink.first("stage1_complete")
	require.NotNil(t, payload)
	results, ok := payload["data"].([]model.StageResult)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Model)
	assert.Equal(t, "mid", results[1].Model)
	assert.Equal(t, "zeta", results[2].Model)
	for _, res := range results {
		assert.NotEmpty(t, res.Response)
	}
}

func TestDeliberate_MemberFailureIsContained(t *testing.T) {
	client := &llm.ScriptedClient{Fail: map[string]bool{"beta": true}}
	sink := &capture{}
	engine := newTestEngine(client, []string{"alpha", "beta"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.NoError(t, err)

	// beta fails in both fan-out stages, alpha keeps going, and the
	// deliberation still reaches its terminal marker.
	assert.Equal(t, 2, sink.count("stage1_model_error")+sink.count("stage2_model_error"))
	assert.Equal(t, 1, sink.count("stage1_model_complete"))
	assert.Equal(t, 1, sink.count("complete"))
	assert.Equal(t, 0, sink.count("error"))

	failure := sink.first("stage1_model_error")
	require.NotNil(t, failure)
	assert.Equal(t, "beta", failure["model"])
	assert.Contains(t, failure["error"], "scripted failure")

	payload := sink.first("stage1_complete")
	results := payload["data"].([]model.StageResult)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].Model)
}

func TestDeliberate_AllMembersFailedEndsWithError(t *testing.T) {
	client := &llm.ScriptedClient{Fail: map[string]bool{"alpha": true, "beta": true}}
	sink := &capture{}
	engine := newTestEngine(client, []string{"alpha", "beta"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.NoError(t, err)

	failure := sink.first("error")
	require.NotNil(t, failure)
	assert.Equal(t, "all council members failed", failure["message"])

	// No later stages run and no terminal complete is emitted.
	assert.Equal(t, 0, sink.count("stage2_start"))
	assert.Equal(t, 0, sink.count("complete"))
}

func TestDeliberate_ChairmanFailureEmitsStage3Error(t *testing.T) {
	client := &llm.ScriptedClient{Fail: map[string]bool{"chairman-model": true}}
	sink := &capture{}
	engine := newTestEngine(client, []string{"alpha"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.NoError(t, err)

	require.NotNil(t, sink.first("stage3_error"))
	assert.Equal(t, 0, sink.count("stage3_complete"))
	assert.Equal(t, 0, sink.count("title_complete"), "title uses the chairman too")

	// The stream still closes cleanly.
	assert.Equal(t, 1, sink.count("complete"))
}

func TestDeliberate_AttachmentsEmitImageAnalysis(t *testing.T) {
	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha"})

	err := engine.Deliberate(context.Background(), Request{Question: "q", Attachments: 2}, sink.emit)
	require.NoError(t, err)

	types := sink.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, "image_analysis_start", types[0])
	assert.Equal(t, "image_analysis_complete", types[1])

	done := sink.first("image_analysis_complete")
	assert.Equal(t, 2, done["analyzed"])
}

func TestDeliberate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha"})

	err := engine.Deliberate(ctx, Request{Question: "q"}, sink.emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sink.count("complete"))
}

// brokenSink fails every emit once a payload of the trigger type has been
// seen, the way writes behave after the peer hangs up.
type brokenSink struct {
	capture
	trigger string
	broken  bool
}

func (b *brokenSink) emit(payload map[string]any) error {
	if payload["type"] == b.trigger {
		b.broken = true
	}
	if b.broken {
		return errors.New("write to closed connection")
	}
	return b.capture.emit(payload)
}

func TestDeliberate_StopsWhenClientGone(t *testing.T) {
	sink := &brokenSink{trigger: "stage2_start"}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha", "beta"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed connection")

	// Stage 1 made it out; nothing after the failed boundary was produced.
	assert.Equal(t, 1, sink.count("stage1_complete"))
	assert.Equal(t, 0, sink.count("stage2_start"))
	assert.Equal(t, 0, sink.count("stage2_token"))
	assert.Equal(t, 0, sink.count("stage3_start"))
	assert.Equal(t, 0, sink.count("complete"))
}

func TestDeliberate_UsagePayloadAggregates(t *testing.T) {
	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha", "beta"})

	err := engine.Deliberate(context.Background(), Request{Question: "q"}, sink.emit)
	require.NoError(t, err)

	usage := sink.first("usage")
	require.NotNil(t, usage)
	assert.Contains(t, usage, "total_tokens")
	assert.Contains(t, usage, "prompt_tokens")
	assert.Contains(t, usage, "completion_tokens")
	assert.Contains(t, usage, "models")
}

func TestDeliberate_HistoryReachesStage1(t *testing.T) {
	// The scripted answer embeds the prompt, so a distinct question shows up
	// in the streamed content.
	sink := &capture{}
	engine := newTestEngine(llm.NewScriptedClient(), []string{"alpha"})

	err := engine.Deliberate(context.Background(), Request{
		Question: "unique follow-up question",
		History:  []llm.ChatMessage{{Role: "user", Content: "earlier turn"}},
	}, sink.emit)
	require.NoError(t, err)

	payload := sink.first("stage1_complete")
	results := payload["data"].([]model.StageResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Response, "unique follow-up")
}
