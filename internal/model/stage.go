package model

// StageResult is one model's finalized answer from stage 1.
type StageResult struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Ranking is one model's finalized peer review from stage 2.
type Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking,omitempty"`
}

// Synthesis is the chairman's finalized stage 3 answer.
type Synthesis struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

// StreamBuffer is the in-progress buffer for one model within a stage
// (or for stage 3 as a whole). Text is append-only until Complete is set;
// after that late fragments for the same stage must not mutate it.
type StreamBuffer struct {
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
	Error    bool   `json:"error,omitempty"`
}

// ImageAnalysis is the result of attachment image analysis, delivered
// alongside the deliberation.
type ImageAnalysis struct {
	Analyzed int    `json:"analyzed"`
	Analysis string `json:"analysis"`
}
