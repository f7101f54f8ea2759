// Package transport opens deliberation streams and reassembles SSE frames
// from the raw response body.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/event"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
	"github.com/councilhq/deliberation-client/pkg/metrics"
)

// RequestError is a hard transport failure raised before any frame was
// received: connection refusal or a non-2xx response. It is distinct from an
// in-stream error event, which the reducer absorbs.
type RequestError struct {
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream request failed: %v", e.Err)
	}
	return fmt.Sprintf("stream request rejected: status %d: %s", e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Streamer opens deliberation streams against the backend.
type Streamer struct {
	httpClient *http.Client
	baseURL    string
	token      string
	parser     *event.Parser
	logger     *logger.Logger
}

// New creates a streamer. The HTTP client carries no overall timeout:
// deliberation streams are long-lived and are bounded by the caller's
// context instead.
func New(baseURL, token string, log *logger.Logger) *Streamer {
	return &Streamer{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		parser:     event.NewParser(log),
		logger:     log,
	}
}

// Open POSTs the send request and returns a Stream once response headers
// arrive. Any failure before that point is returned as a *RequestError.
func (s *Streamer) Open(ctx context.Context, conversationID string, req *model.SendMessageRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/api/v1/conversations/%s/messages/stream", s.baseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	metrics.IncrementActiveStreams()

	return &Stream{
		ctx:    ctx,
		body:   resp.Body,
		parser: s.parser,
		logger: s.logger.WithConversation(conversationID),
	}, nil
}

// Stream is the pull interface over one deliberation response body. Next
// blocks until an event is available, the server closes the connection
// (io.EOF), or the request context is cancelled — in which case a single
// synthetic cancelled event is delivered before io.EOF, never an error.
type Stream struct {
	ctx    context.Context
	body   io.ReadCloser
	parser *event.Parser
	logger *logger.Logger

	buf     []byte
	queue   []event.Event
	done    bool
	closeMu sync.Once
}

// Next returns the next event from the stream.
func (st *Stream) Next() (event.Event, error) {
	for {
		if len(st.queue) > 0 {
			ev := st.queue[0]
			st.queue = st.queue[1:]
			return ev, nil
		}
		if st.done {
			return event.Event{}, io.EOF
		}

		chunk := make([]byte, 4096)
		n, err := st.body.Read(chunk)
		if n > 0 {
			// Frame delimiters are ASCII, so buffering raw bytes and
			// splitting before decoding keeps multi-byte runes that
			// straddle chunk boundaries intact.
			st.buf = append(st.buf, chunk[:n]...)
			st.drainFrames()
		}

		if err == nil {
			continue
		}

		st.finish()

		switch {
		case errors.Is(err, io.EOF):
			// Flush whatever trails the last delimiter.
			st.flushTail()
		case st.ctx.Err() != nil, errors.Is(err, context.Canceled):
			// Cancellation is not an error: report it as one synthetic
			// event after anything already buffered, then end the stream.
			st.queue = append(st.queue, event.Event{Type: event.TypeCancelled})
		default:
			st.logger.Warn("stream read failed", zap.Error(err))
			return event.Event{}, fmt.Errorf("stream read: %w", err)
		}
	}
}

// drainFrames extracts every complete frame currently buffered and parses it.
func (st *Stream) drainFrames() {
	for {
		frame, rest, ok := splitFrame(st.buf)
		if !ok {
			return
		}
		st.buf = rest
		st.queue = append(st.queue, st.parser.ParseFrame(frame)...)
	}
}

func (st *Stream) flushTail() {
	if len(bytes.TrimSpace(st.buf)) == 0 {
		st.buf = nil
		return
	}
	st.queue = append(st.queue, st.parser.ParseFrame(string(st.buf))...)
	st.buf = nil
}

func (st *Stream) finish() {
	st.done = true
	st.Close()
}

// Close releases the underlying connection. Safe to call more than once.
func (st *Stream) Close() error {
	var err error
	st.closeMu.Do(func() {
		metrics.DecrementActiveStreams()
		err = st.body.Close()
	})
	return err
}

// splitFrame cuts the first blank-line-delimited frame off buf, tolerating
// both \n\n and \r\n\r\n delimiters.
func splitFrame(buf []byte) (frame string, rest []byte, ok bool) {
	idx := bytes.Index(buf, []byte("\n\n"))
	width := 2
	if crlf := bytes.Index(buf, []byte("\r\n\r\n")); crlf != -1 && (idx == -1 || crlf < idx) {
		idx = crlf
		width = 4
	}
	if idx == -1 {
		return "", buf, false
	}
	return string(buf[:idx]), buf[idx+width:], true
}
