package event

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

const dataPrefix = "data:"

// Parser extracts events from reassembled SSE frames.
type Parser struct {
	logger *logger.Logger
}

// NewParser creates a frame parser.
func NewParser(log *logger.Logger) *Parser {
	return &Parser{logger: log}
}

// ParseFrame extracts every event carried by one blank-line-delimited frame.
// A frame may hold zero, one, or several data lines; non-data lines
// (comments, event/id fields) are ignored. A malformed data line is logged
// and skipped so one bad line never loses the frames behind it.
func (p *Parser) ParseFrame(frame string) []Event {
	var events []Event

	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			p.logger.Warn("skipping malformed stream line",
				zap.Error(err),
				zap.String("line", truncate(payload, 200)),
			)
			metrics.MalformedFramesTotal.Inc()
			continue
		}
		if ev.Type == "" {
			p.logger.Warn("skipping stream line without type discriminator",
				zap.String("line", truncate(payload, 200)),
			)
			metrics.MalformedFramesTotal.Inc()
			continue
		}

		ev.Raw = json.RawMessage(payload)
		events = append(events, ev)
	}

	return events
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
