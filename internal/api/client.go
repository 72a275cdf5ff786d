// Package api is the HTTP client for the remote messaging service. The
// engine consumes it as a collaborator: list conversations, page through
// messages, send (JSON or multipart when attachments ride along), mark read,
// verify push tokens.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/courierapp/courier/internal/store"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every request issued by the client.
const DefaultTimeout = 30 * time.Second

// TokenProvider supplies the bearer token for each request. Session
// management lives outside the engine; this is the only surface it crosses.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client talks to the remote messaging API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	log        *zap.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates an API client rooted at baseURL.
func NewClient(baseURL string, tokens TokenProvider, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tokens:     tokens,
		log:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations fetches the conversation summary list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data, "conversations")
}

// ListMessages fetches one page of a conversation's messages, newest first.
// Individual conversations page by user id, groups by group id.
func (c *Client) ListMessages(ctx context.Context, kind store.ConversationKind, convID string, page, perPage int) ([]Message, error) {
	query := map[string]string{
		"page":     strconv.Itoa(page),
		"per_page": strconv.Itoa(perPage),
	}
	if kind == store.KindGroup {
		query["group_id"] = convID
	} else {
		query["user_id"] = convID
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data, "messages")
}

// SendMessage delivers an outbound message: multipart when attachments need
// uploading, JSON otherwise. The returned result carries an empty ID when
// the server accepted the request without echoing an identifier; callers
// treat that as ambiguous, not as failure.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	var data []byte
	var err error
	if len(req.Uploads()) > 0 {
		data, err = c.sendMultipart(ctx, req)
	} else {
		data, err = c.do(ctx, http.MethodPost, "/api/v1/messages", req.jsonBody(), nil)
	}
	if err != nil {
		return nil, err
	}

	var res SendResult
	if len(data) > 0 {
		// A malformed success body is still a success without an id.
		if err := json.Unmarshal(data, &res); err != nil {
			c.log.Warn("unparseable send response, treating as ambiguous", zap.Error(err))
			return &SendResult{}, nil
		}
	}
	return &res, nil
}

// MarkRead tells the server every message in the conversation was read.
func (c *Client) MarkRead(ctx context.Context, kind store.ConversationKind, convID string) error {
	body := map[string]string{}
	if kind == store.KindGroup {
		body["group_id"] = convID
	} else {
		body["user_id"] = convID
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/messages/read", body, nil)
	return err
}

// VerifyPushToken confirms the device push token with the server.
func (c *Client) VerifyPushToken(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/devices/verify", map[string]string{"token": token}, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.execute(req)
}

func (c *Client) sendMultipart(ctx context.Context, sr *SendRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, vs := range sr.formValues() {
		for _, v := range vs {
			if err := w.WriteField(k, v); err != nil {
				return nil, err
			}
		}
	}
	for _, a := range sr.Uploads() {
		f, err := os.Open(a.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open attachment %s: %w", a.Name, err)
		}
		name := a.Name
		if name == "" {
			name = filepath.Base(a.LocalPath)
		}
		part, err := w.CreateFormFile("attachments[]", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messages", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.execute(req)
}

func (c *Client) execute(req *http.Request) ([]byte, error) {
	if c.tokens != nil {
		token, err := c.tokens.Token(req.Context())
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	return data, nil
}

// decodeList accepts either a bare JSON array or an object wrapping the
// array under key.
func decodeList[T any](data []byte, key string) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		return out, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	raw, ok := wrapper[key]
	if !ok {
		return nil, fmt.Errorf("unmarshal response: missing %q", key)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
