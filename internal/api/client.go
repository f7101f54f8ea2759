// Package api is the HTTP client for the backend's request/response
// collaborator surface: conversation CRUD and attachment upload. The
// deliberation stream itself lives in the transport package.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

// Client talks to the backend's non-streaming endpoints. These are helper
// calls, so they carry a fixed timeout rather than riding the stream's
// lifetime.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *logger.Logger
}

// New creates an API client.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     log,
	}
}

// CreateConversation creates a backing conversation record and returns it
// with its persisted id.
func (c *Client) CreateConversation(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations", req, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation fetches one conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+id, nil, &conv); err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations fetches the conversation list summaries.
func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var resp model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Conversations, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/conversations/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Attachment is one uploaded file reference returned by the backend.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// UploadAttachments uploads files and returns the opaque attachment ids the
// send request carries.
func (c *Client) UploadAttachments(ctx context.Context, files map[string]io.Reader) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, r := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			return nil, fmt.Errorf("upload attachments: %w", err)
		}
		if _, err := io.Copy(part, r); err != nil {
			return nil, fmt.Errorf("upload attachments: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/attachments", &body)
	if err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload attachments: %s", readAPIError(resp))
	}

	var uploaded struct {
		Attachments []Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return nil, fmt.Errorf("upload attachments: decode response: %w", err)
	}

	ids := make([]string, len(uploaded.Attachments))
	for i, a := range uploaded.Attachments {
		ids[i] = a.ID
	}
	return ids, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, readAPIError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readAPIError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
