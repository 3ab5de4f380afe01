// Package rest is the client for the messaging REST collaborators:
// conversation listing, paginated history, attachment upload, read
// marking and unread counts. The sync core treats these as external
// interfaces; no retry or caching happens here.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/wire"
)

const (
	// httpClientTimeout is the transport default; no additional
	// implicit timeout is layered on individual calls.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response reads; the API returns small JSON
	// payloads.
	maxResponseBytes = 4 << 20
)

// APIError is a non-2xx response from the messaging API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("messaging API: status %d: %s", e.StatusCode, e.Detail)
}

// Client talks to the messaging REST API with a bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client. A nil httpClient gets the default
// 30-second-timeout client.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// page is the API's envelope for paginated collections.
type page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

type conversationDTO struct {
	ID                 int64         `json:"id"`
	Participants       []wire.Sender `json:"participants"`
	ConfessionID       int64         `json:"confession"`
	LastMessagePreview string        `json:"last_message_preview"`
	UnreadCount        int           `json:"unread_count"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (c conversationDTO) toModel() model.Conversation {
	parts := make([]model.User, 0, len(c.Participants))
	for _, p := range c.Participants {
		parts = append(parts, model.User{ID: p.ID, Username: p.Username})
	}
	return model.Conversation{
		ID:                 c.ID,
		Participants:       parts,
		ConfessionID:       c.ConfessionID,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
		CreatedAt:          c.CreatedAt.UnixMilli(),
		UpdatedAt:          c.UpdatedAt.UnixMilli(),
	}
}

// ListConversations returns the caller's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out page[conversationDTO]
	if err := c.get(ctx, "/messaging/conversations/", nil, &out); err != nil {
		return nil, err
	}
	convs := make([]model.Conversation, 0, len(out.Results))
	for _, dto := range out.Results {
		convs = append(convs, dto.toModel())
	}
	return convs, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	var dto conversationDTO
	path := fmt.Sprintf("/messaging/conversations/%d/", id)
	if err := c.get(ctx, path, nil, &dto); err != nil {
		return model.Conversation{}, err
	}
	return dto.toModel(), nil
}

// GetOrCreateConversation resolves the conversation with a target user,
// optionally scoped to a confession.
func (c *Client) GetOrCreateConversation(ctx context.Context, targetUserID, confessionID int64) (model.Conversation, error) {
	body := map[string]any{"target_user_id": targetUserID}
	if confessionID != 0 {
		body["confession_id"] = confessionID
	}
	var dto conversationDTO
	if err := c.post(ctx, "/messaging/conversations/get_or_create/", body, &dto); err != nil {
		return model.Conversation{}, err
	}
	return dto.toModel(), nil
}

// MessagesPage is one page of history plus whether older pages exist.
type MessagesPage struct {
	Messages []model.Message
	HasMore  bool
}

// ListMessages fetches one history page (newest pages first, page 1 is
// the most recent). Results arrive oldest-first within the page.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, pageNum int) (MessagesPage, error) {
	if pageNum <= 0 {
		pageNum = 1
	}
	q := url.Values{
		"conversation": {strconv.FormatInt(conversationID, 10)},
		"page":         {strconv.Itoa(pageNum)},
	}
	var out page[wire.Message]
	if err := c.get(ctx, "/messaging/messages/", q, &out); err != nil {
		return MessagesPage{}, err
	}
	msgs := make([]model.Message, 0, len(out.Results))
	for _, dto := range out.Results {
		msgs = append(msgs, dto.ToModel())
	}
	return MessagesPage{Messages: msgs, HasMore: out.Next != ""}, nil
}

// AttachmentUpload is one file going up with a message.
type AttachmentUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// SendMessageRequest is the multipart message-create payload.
type SendMessageRequest struct {
	ConversationID int64
	Content        string
	ReplyToID      int64
	Attachments    []AttachmentUpload
}

// SendMessage creates a message over REST. This is the only send path
// for messages with attachments; the resulting push broadcast carries
// the same message id, so reconciliation stays duplicate-free.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (model.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("conversation", strconv.FormatInt(req.ConversationID, 10)); err != nil {
		return model.Message{}, fmt.Errorf("build form: %w", err)
	}
	if req.Content != "" {
		if err := w.WriteField("content", req.Content); err != nil {
			return model.Message{}, fmt.Errorf("build form: %w", err)
		}
	}
	if req.ReplyToID != 0 {
		if err := w.WriteField("reply_to", strconv.FormatInt(req.ReplyToID, 10)); err != nil {
			return model.Message{}, fmt.Errorf("build form: %w", err)
		}
	}
	for _, att := range req.Attachments {
		fw, err := w.CreateFormFile("attachment_files", att.FileName)
		if err != nil {
			return model.Message{}, fmt.Errorf("build form: %w", err)
		}
		if _, err := fw.Write(att.Data); err != nil {
			return model.Message{}, fmt.Errorf("build form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return model.Message{}, fmt.Errorf("build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messaging/messages/", &buf)
	if err != nil {
		return model.Message{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(httpReq)

	var dto wire.Message
	if err := c.do(httpReq, &dto); err != nil {
		return model.Message{}, err
	}
	return dto.ToModel(), nil
}

// MarkConversationRead tells the server every message in the
// conversation has been seen.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/messaging/conversations/%d/mark_as_read/", conversationID)
	return c.post(ctx, path, nil, nil)
}

// UnreadCount returns the caller's total unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.get(ctx, "/messaging/conversations/unread_count/", nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return c.do(req, result)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := extractDetail(respBody)
		return &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// extractDetail pulls the API's "detail" field out of an error body,
// falling back to a truncated raw body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return string(body)
}
