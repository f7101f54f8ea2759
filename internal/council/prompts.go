package council

import (
	"fmt"
	"strings"
	"sync"

	"github.com/councilhq/deliberation-client/internal/llm"
	"github.com/councilhq/deliberation-client/internal/model"
)

// anonymize assigns blind labels to the stage 1 answers so reviewers cannot
// play favorites. Returns label → model.
func anonymize(stage1 []model.StageResult) map[string]string {
	labels := make(map[string]string, len(stage1))
	for i, res := range stage1 {
		labels[fmt.Sprintf("Response %c", 'A'+i)] = res.Model
	}
	return labels
}

func reviewPrompt(question string, stage1 []model.StageResult, labels map[string]string) string {
	modelToLabel := make(map[string]string, len(labels))
	for label, m := range labels {
		modelToLabel[m] = label
	}

	var b strings.Builder
	b.WriteString("Several anonymous panelists answered the question below. ")
	b.WriteString("Rank the responses from best to worst and justify the order briefly.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for _, res := range stage1 {
		fmt.Fprintf(&b, "%s:\n%s\n\n", modelToLabel[res.Model], res.Response)
	}
	return b.String()
}

func synthesisPrompt(question string, stage1 []model.StageResult, stage2 []model.Ranking) string {
	var b strings.Builder
	b.WriteString("You chair a council of models. Synthesize one final answer from the panel's answers and peer reviews.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for _, res := range stage1 {
		fmt.Fprintf(&b, "Answer from %s:\n%s\n\n", res.Model, res.Response)
	}
	for _, r := range stage2 {
		fmt.Fprintf(&b, "Review by %s:\n%s\n\n", r.Model, r.Ranking)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, `"`)
}

// usageTally accumulates token usage across every model call in one
// deliberation.
type usageTally struct {
	mu         sync.Mutex
	prompt     int
	completion int
	perModel   map[string]int
}

func newUsageTally() *usageTally {
	return &usageTally{perModel: make(map[string]int)}
}

func (u *usageTally) add(modelKey string, resp *llm.CompletionResponse) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompt += resp.TokensIn
	u.completion += resp.TokensOut
	u.perModel[modelKey] += resp.TokensIn + resp.TokensOut
}

func (u *usageTally) payload() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	perModel := make(map[string]int, len(u.perModel))
	for k, v := range u.perModel {
		perModel[k] = v
	}
	return map[string]any{
		"type":              "usage",
		"prompt_tokens":     u.prompt,
		"completion_tokens": u.completion,
		"total_tokens":      u.prompt + u.completion,
		"models":            perModel,
	}
}
