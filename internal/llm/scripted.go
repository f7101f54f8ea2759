package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ScriptedClient deliberates offline: it derives a deterministic answer from
// the prompt and streams it word by word. Used for local development and in
// tests, where real provider traffic is unwanted.
type ScriptedClient struct {
	// Delay between streamed tokens. Zero in tests.
	TokenDelay time.Duration

	// Fail lists model names whose calls return an error, for exercising
	// per-model failure paths.
	Fail map[string]bool
}

// NewScriptedClient creates a scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Name returns the provider name.
func (c *ScriptedClient) Name() string {
	return "scripted"
}

// Complete returns the scripted answer in one piece.
func (c *ScriptedClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if c.Fail[req.Model] {
		return nil, fmt.Errorf("scripted failure for model %s", req.Model)
	}
	content := c.script(req)
	return &CompletionResponse{
		Content:   content,
		Model:     req.Model,
		TokensIn:  promptLen(req) / 4,
		TokensOut: len(content) / 4,
	}, nil
}

// CompleteStream streams the scripted answer word by word.
func (c *ScriptedClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	if c.Fail[req.Model] {
		return nil, fmt.Errorf("scripted failure for model %s", req.Model)
	}

	content := c.script(req)
	words := strings.SplitAfter(content, " ")
	for _, w := range words {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := callback(w); err != nil {
			return nil, err
		}
		if c.TokenDelay > 0 {
			time.Sleep(c.TokenDelay)
		}
	}

	return &CompletionResponse{
		Content:   content,
		Model:     req.Model,
		TokensIn:  promptLen(req) / 4,
		TokensOut: len(words),
	}, nil
}

func (c *ScriptedClient) script(req *CompletionRequest) string {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}

	h := fnv.New32a()
	h.Write([]byte(req.Model))
	h.Write([]byte(prompt))

	return fmt.Sprintf("[%s] Considering %q, answer variant %d: the panel should weigh the trade-offs and pick the simplest option that satisfies the constraints.",
		req.Model, firstWords(prompt, 6), h.Sum32()%100)
}

func promptLen(req *CompletionRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
