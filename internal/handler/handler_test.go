package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/deliberation-client/internal/api"
	"github.com/councilhq/deliberation-client/internal/council"
	"github.com/councilhq/deliberation-client/internal/llm"
	"github.com/councilhq/deliberation-client/internal/middleware"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/internal/service"
	"github.com/councilhq/deliberation-client/internal/session"
	"github.com/councilhq/deliberation-client/internal/transport"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

const testSecret = "test-secret"

// newTestServer wires the real router surface: auth, CRUD, upload, and the
// deliberation stream backed by the scripted council.
func newTestServer(t *testing.T) (*httptest.Server, *service.ConversationStore) {
	t.Helper()

	log := logger.NewNop()
	store := service.NewConversationStore(log)
	engine := council.NewEngine(llm.NewScriptedClient(), []string{"alpha", "beta"}, "chairman", log)

	convHandler := NewConversationHandler(store, log)
	streamHandler := NewStreamHandler(store, engine, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Post("/attachments", convHandler.Upload)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", convHandler.List)
			r.Post("/", convHandler.Create)
			r.Get("/{id}", convHandler.Get)
			r.Delete("/{id}", convHandler.Delete)
			r.Post("/{id}/messages/stream", streamHandler.Deliberate)
		})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, store
}

func signIn(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.SignToken(testSecret, userID, "biz-1")
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestConversationCRUD(t *testing.T) {
	server, _ := newTestServer(t)
	token := signIn(t, "user-1")
	base := server.URL + "/api/v1/conversations"

	resp := doJSON(t, http.MethodPost, base, token, model.CreateConversationRequest{Title: "Budget"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()
	require.NotEmpty(t, conv.ID)

	resp = doJSON(t, http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, 1, list.Total)

	resp = doJSON(t, http.MethodGet, base+"/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, base+"/"+conv.ID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, base+"/"+conv.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	server, _ := newTestServer(t)
	token := signIn(t, "user-1")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "chart.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("image bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/attachments", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var uploaded struct {
		Attachments []service.Attachment `json:"attachments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	require.Len(t, uploaded.Attachments, 1)
	assert.NotEmpty(t, uploaded.Attachments[0].ID)
	assert.Equal(t, "chart.png", uploaded.Attachments[0].Filename)
}

func TestDeliberate_StreamsFramesAndPersists(t *testing.T) {
	server, _ := newTestServer(t)
	token := signIn(t, "user-1")
	base := server.URL + "/api/v1/conversations"

	resp := doJSON(t, http.MethodPost, base, token, model.CreateConversationRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/"+conv.ID+"/messages/stream", token,
		model.SendMessageRequest{Content: "which queue should we use"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	var types []string
	for _, frame := range strings.Split(string(raw), "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &payload))
		types = append(types, payload["type"].(string))
	}

	require.NotEmpty(t, types)
	assert.Equal(t, "stage1_start", types[0])
	assert.Equal(t, "complete", types[len(types)-1])
	assert.Contains(t, types, "stage3_complete")
	assert.Contains(t, types, "title_complete")

	// The exchange was persisted: a later GET replays it.
	resp = doJSON(t, http.MethodGet, base+"/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	resp.Body.Close()

	require.Len(t, stored.Messages, 2)
	assert.Equal(t, model.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, "which queue should we use", stored.Messages[0].Content)
	require.NotNil(t, stored.Messages[1].Stage3)
	assert.NotEmpty(t, stored.Messages[1].Content)
	assert.NotEmpty(t, stored.Title)
}

func TestDeliberate_UnknownConversation(t *testing.T) {
	server, _ := newTestServer(t)
	token := signIn(t, "user-1")

	resp := doJSON(t, http.MethodPost,
		server.URL+"/api/v1/conversations/"+uuid.NewString()+"/messages/stream", token,
		model.SendMessageRequest{Content: "hello"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost,
		server.URL+"/api/v1/conversations/not-a-uuid/messages/stream", token,
		model.SendMessageRequest{Content: "hello"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// The full client stack against the real server: optimistic state, temp
// conversation resolution, streaming, and finalization.
func TestClientServerRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	token := signIn(t, "user-1")
	log := logger.NewNop()

	controller := session.NewController(
		api.New(server.URL, token, log),
		session.StreamerOpener{Streamer: transport.New(server.URL, token, log)},
		session.UUIDGenerator{},
		log,
	)

	result, err := controller.Send(context.Background(), session.SendOptions{
		Content: "should we adopt event sourcing",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Notice)
	assert.False(t, result.Cancelled)

	state := controller.State()
	require.NotNil(t, state.Current)
	assert.False(t, state.Current.Temporary)
	assert.False(t, strings.HasPrefix(state.Current.ID, "temp-"))

	require.Len(t, state.Current.Messages, 2)
	assistant := state.Current.Messages[1]
	require.NotNil(t, assistant.Stage3)
	assert.NotEmpty(t, assistant.Stage3.Content)
	assert.Len(t, assistant.Stage1, 2)
	assert.Equal(t, model.Loading{}, assistant.Loading)

	// Per-member streamed buffers survive alongside the finalized results.
	for _, member := range []string{"alpha", "beta"} {
		buf := assistant.Stage1Streaming[member]
		require.NotNil(t, buf, "missing buffer for %s", member)
		assert.True(t, buf.Complete)
		assert.NotEmpty(t, buf.Text)
	}

	assert.NotEmpty(t, state.Current.Title)
	require.NotEmpty(t, state.Conversations)
	assert.Equal(t, state.Current.ID, state.Conversations[0].ID)
}
