package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/deliberation-client/internal/event"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

// chunkReader feeds scripted chunks so tests control exactly where the
// network splits the byte stream.
type chunkReader struct {
	chunks []chunk
	i      int
}

type chunk struct {
	data []byte
	err  error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, io.EOF
	}
	ch := c.chunks[c.i]
	c.i++
	n := copy(p, ch.data)
	return n, ch.err
}

func (c *chunkReader) Close() error { return nil }

func newTestStream(ctx context.Context, body io.ReadCloser) *Stream {
	log := logger.NewNop()
	return &Stream{
		ctx:    ctx,
		body:   body,
		parser: event.NewParser(log),
		logger: log,
	}
}

func frame(payload string) []byte {
	return []byte("data: " + payload + "\n\n")
}

func collect(t *testing.T, st *Stream) []event.Event {
	t.Helper()
	var events []event.Event
	for {
		ev, err := st.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestStream_FramesAcrossChunks(t *testing.T) {
	full := string(frame(`{"type":"stage1_start"}`)) +
		string(frame(`{"type":"stage1_token","model":"gpt","content":"hé"}`))

	// Split inside the second frame, between the two bytes of the é rune.
	cut := len(full) - 5
	body := &chunkReader{chunks: []chunk{
		{data: []byte(full[:cut])},
		{data: []byte(full[cut:])},
	}}

	st := newTestStream(context.Background(), body)
	events := collect(t, st)

	require.Len(t, events, 2)
	assert.Equal(t, event.TypeStage1Start, events[0].Type)
	assert.Equal(t, "hé", events[1].Content)
}

func TestStream_MultipleFramesInOneChunk(t *testing.T) {
	data := append(frame(`{"type":"stage1_start"}`), frame(`{"type":"complete"}`)...)
	st := newTestStream(context.Background(), &chunkReader{chunks: []chunk{{data: data}}})

	events := collect(t, st)

	require.Len(t, events, 2)
	assert.Equal(t, event.TypeStage1Start, events[0].Type)
	assert.Equal(t, event.TypeComplete, events[1].Type)
}

func TestStream_CRLFDelimiters(t *testing.T) {
	data := []byte("data: {\"type\":\"stage1_start\"}\r\n\r\ndata: {\"type\":\"complete\"}\r\n\r\n")
	st := newTestStream(context.Background(), &chunkReader{chunks: []chunk{{data: data}}})

	events := collect(t, st)

	require.Len(t, events, 2)
	assert.Equal(t, event.TypeComplete, events[1].Type)
}

func TestStream_TailFlushedOnEOF(t *testing.T) {
	// Final frame has no trailing blank line before the server hangs up.
	data := []byte("data: {\"type\":\"complete\"}")
	st := newTestStream(context.Background(), &chunkReader{chunks: []chunk{{data: data}}})

	events := collect(t, st)

	require.Len(t, events, 1)
	assert.Equal(t, event.TypeComplete, events[0].Type)
}

func TestStream_CancellationDeliversBufferedEventsFirst(t *testing.T) {
	data := append(frame(`{"type":"stage1_start"}`),
		frame(`{"type":"stage1_token","model":"gpt","content":"a"}`)...)
	body := &chunkReader{chunks: []chunk{{data: data, err: context.Canceled}}}

	st := newTestStream(context.Background(), body)

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, event.TypeStage1Start, ev.Type)

	ev, err = st.Next()
	require.NoError(t, err)
	assert.Equal(t, event.TypeStage1Token, ev.Type)

	ev, err = st.Next()
	require.NoError(t, err)
	assert.Equal(t, event.TypeCancelled, ev.Type, "cancellation surfaces as an event, not an error")

	_, err = st.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ContextCancelSyntheticEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := &chunkReader{chunks: []chunk{{err: errors.New("use of closed network connection")}}}
	st := newTestStream(ctx, body)

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, event.TypeCancelled, ev.Type)

	_, err = st.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ReadFailureIsAnError(t *testing.T) {
	body := &chunkReader{chunks: []chunk{{err: errors.New("connection reset")}}}
	st := newTestStream(context.Background(), body)

	_, err := st.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSplitFrame(t *testing.T) {
	frame, rest, ok := splitFrame([]byte("one\n\ntwo\n\n"))
	require.True(t, ok)
	assert.Equal(t, "one", frame)
	assert.Equal(t, "two\n\n", string(rest))

	_, _, ok = splitFrame([]byte("incomplete"))
	assert.False(t, ok)

	frame, rest, ok = splitFrame([]byte("a\r\n\r\nb"))
	require.True(t, ok)
	assert.Equal(t, "a", frame)
	assert.Equal(t, "b", string(rest))
}

func TestOpen_StreamsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/conversations/conv-1/messages/stream", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var req model.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Content)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, payload := range []string{
			`{"type":"stage1_start"}`,
			`{"type":"complete"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}))
	defer server.Close()

	streamer := New(server.URL, "secret", logger.NewNop())
	st, err := streamer.Open(context.Background(), "conv-1", &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	defer st.Close()

	events := collect(t, st)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeStage1Start, events[0].Type)
	assert.Equal(t, event.TypeComplete, events[1].Type)
}

func TestOpen_RejectionIsRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	streamer := New(server.URL, "", logger.NewNop())
	_, err := streamer.Open(context.Background(), "conv-1", &model.SendMessageRequest{Content: "hi"})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.Status)
	assert.Contains(t, reqErr.Body, "bad token")
}

func TestOpen_ConnectionFailureIsRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	streamer := New(server.URL, "", logger.NewNop())
	_, err := streamer.Open(context.Background(), "conv-1", &model.SendMessageRequest{Content: "hi"})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.NotNil(t, reqErr.Err)
}
