// Package council runs the three-stage deliberation: independent answers,
// peer review, and chairman synthesis, emitting the stream event catalog as
// it goes.
package council

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/llm"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

// EmitFunc delivers one stream event payload to the client. Implementations
// need not be safe for concurrent use; the engine serializes calls.
type EmitFunc func(payload map[string]any) error

// Request is one deliberation.
type Request struct {
	Question    string
	History     []llm.ChatMessage
	Attachments int
}

// Engine orchestrates a council of member models and a chairman.
type Engine struct {
	client   llm.Client
	members  []string
	chairman string
	logger   *logger.Logger
}

// NewEngine creates a deliberation engine.
func NewEngine(client llm.Client, members []string, chairman string, log *logger.Logger) *Engine {
	return &Engine{
		client:   client,
		members:  members,
		chairman: chairman,
		logger:   log,
	}
}

// emitter serializes event emission across the stage 1/2 fan-out goroutines.
type emitter struct {
	mu   sync.Mutex
	emit EmitFunc
}

func (e *emitter) send(payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emit(payload)
}

// Deliberate runs the full deliberation, emitting events until the terminal
// complete marker. Per-model failures are reported inline and never abort
// the deliberation; only a fully failed stage 1 ends it with a stream-level
// error event. An emit failure means the client is gone, and the run stops
// at the next stage boundary rather than deliberating into a dead connection.
func (e *Engine) Deliberate(ctx context.Context, req Request, emit EmitFunc) error {
	sink := &emitter{emit: emit}
	usage := newUsageTally()

	if req.Attachments > 0 {
		if err := sink.send(map[string]any{"type": "image_analysis_start", "count": req.Attachments}); err != nil {
			return err
		}
		err := sink.send(map[string]any{
			"type":     "image_analysis_complete",
			"analyzed": req.Attachments,
			"analysis": fmt.Sprintf("%d attachment(s) reviewed and summarized for the council.", req.Attachments),
		})
		if err != nil {
			return err
		}
	}

	stage1, err := e.runStage1(ctx, req, sink, usage)
	if err != nil {
		return err
	}
	if len(stage1) == 0 {
		return sink.send(map[string]any{"type": "error", "message": "all council members failed"})
	}

	stage2, err := e.runStage2(ctx, req, stage1, sink, usage)
	if err != nil {
		return err
	}

	if err := e.runStage3(ctx, req, stage1, stage2, sink, usage); err != nil {
		return err
	}

	if err := e.emitTitle(ctx, req, sink, usage); err != nil {
		return err
	}
	if err := sink.send(usage.payload()); err != nil {
		return err
	}
	return sink.send(map[string]any{"type": "complete"})
}

// runStage1 fans the question out across the members concurrently. Token and
// completion events for different models interleave on the wire; the client
// routes them purely by model key.
func (e *Engine) runStage1(ctx context.Context, req Request, sink *emitter, usage *usageTally) ([]model.StageResult, error) {
	if err := sink.send(map[string]any{"type": "stage1_start"}); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []model.StageResult
		wg      conc.WaitGroup
	)

	for _, member := range e.members {
		member := member
		wg.Go(func() {
			start := time.Now()
			resp, err := e.client.CompleteStream(ctx, &llm.CompletionRequest{
				Model:    member,
				Messages: append(req.History, llm.ChatMessage{Role: "user", Content: req.Question}),
			}, func(token string) error {
				return sink.send(map[string]any{
					"type":    "stage1_token",
					"model":   member,
					"content": token,
				})
			})
			if err != nil {
				e.logger.Warn("stage1 member failed",
					zap.String("model", member), zap.Error(err))
				metrics.ModelStageDuration.WithLabelValues(member, "stage1", "error").
					Observe(time.Since(start).Seconds())
				sink.send(map[string]any{
					"type":  "stage1_model_error",
					"model": member,
					"error": err.Error(),
				})
				return
			}

			metrics.ModelStageDuration.WithLabelValues(member, "stage1", "success").
				Observe(time.Since(start).Seconds())
			usage.add(member, resp)
			sink.send(map[string]any{
				"type":     "stage1_model_complete",
				"model":    member,
				"response": resp.Content,
			})

			mu.Lock()
			results = append(results, model.StageResult{Model: member, Response: resp.Content})
			mu.Unlock()
		})
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Stable order for the finalized payload, independent of finish order.
	sort.Slice(results, func(i, j int) bool { return results[i].Model < results[j].Model })

	if err := sink.send(map[string]any{"type": "stage1_complete", "data": results}); err != nil {
		return nil, err
	}
	return results, nil
}

// runStage2 has each member rank the anonymized stage 1 answers.
func (e *Engine) runStage2(ctx context.Context, req Request, stage1 []model.StageResult, sink *emitter, usage *usageTally) ([]model.Ranking, error) {
	if err := sink.send(map[string]any{"type": "stage2_start"}); err != nil {
		return nil, err
	}

	labels := anonymize(stage1)
	prompt := reviewPrompt(req.Question, stage1, labels)

	var (
		mu       sync.Mutex
		rankings []model.Ranking
		wg       conc.WaitGroup
	)

	for _, member := range e.members {
		member := member
		wg.Go(func() {
			start := time.Now()
			resp, err := e.client.CompleteStream(ctx, &llm.CompletionRequest{
				Model:    member,
				Messages: []llm.ChatMessage{{Role: "user", Content: prompt}},
			}, func(token string) error {
				return sink.send(map[string]any{
					"type":    "stage2_token",
					"model":   member,
					"content": token,
				})
			})
			if err != nil {
				e.logger.Warn("stage2 member failed",
					zap.String("model", member), zap.Error(err))
				metrics.ModelStageDuration.WithLabelValues(member, "stage2", "error").
					Observe(time.Since(start).Seconds())
				sink.send(map[string]any{
					"type":  "stage2_model_error",
					"model": member,
					"error": err.Error(),
				})
				return
			}

			metrics.ModelStageDuration.WithLabelValues(member, "stage2", "success").
				Observe(time.Since(start).Seconds())
			usage.add(member, resp)
			sink.send(map[string]any{
				"type":     "stage2_model_complete",
				"model":    member,
				"response": resp.Content,
			})

			mu.Lock()
			rankings = append(rankings, model.Ranking{Model: member, Ranking: resp.Content})
			mu.Unlock()
		})
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.Slice(rankings, func(i, j int) bool { return rankings[i].Model < rankings[j].Model })

	err := sink.send(map[string]any{
		"type":     "stage2_complete",
		"data":     rankings,
		"metadata": map[string]any{"label_to_model": labels},
	})
	if err != nil {
		return nil, err
	}
	return rankings, nil
}

// runStage3 streams the chairman's synthesis.
func (e *Engine) runStage3(ctx context.Context, req Request, stage1 []model.StageResult, stage2 []model.Ranking, sink *emitter, usage *usageTally) error {
	if err := sink.send(map[string]any{"type": "stage3_start"}); err != nil {
		return err
	}

	start := time.Now()
	resp, err := e.client.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    e.chairman,
		Messages: []llm.ChatMessage{{Role: "user", Content: synthesisPrompt(req.Question, stage1, stage2)}},
	}, func(token string) error {
		return sink.send(map[string]any{"type": "stage3_token", "content": token})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("chairman failed", zap.Error(err))
		metrics.ModelStageDuration.WithLabelValues(e.chairman, "stage3", "error").
			Observe(time.Since(start).Seconds())
		return sink.send(map[string]any{"type": "stage3_error", "error": err.Error()})
	}

	metrics.ModelStageDuration.WithLabelValues(e.chairman, "stage3", "success").
		Observe(time.Since(start).Seconds())
	usage.add(e.chairman, resp)
	return sink.send(map[string]any{
		"type": "stage3_complete",
		"data": model.Synthesis{Model: e.chairman, Content: resp.Content},
	})
}

func (e *Engine) emitTitle(ctx context.Context, req Request, sink *emitter, usage *usageTally) error {
	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model:     e.chairman,
		MaxTokens: 32,
		Messages: []llm.ChatMessage{{
			Role:    "user",
			Content: "Write a title of at most six words for this question, with no quotes: " + req.Question,
		}},
	})
	if err != nil {
		e.logger.Warn("title generation failed", zap.Error(err))
		return nil
	}
	usage.add(e.chairman, resp)
	return sink.send(map[string]any{
		"type": "title_complete",
		"data": map[string]any{"title": firstLine(resp.Content)},
	})
}
