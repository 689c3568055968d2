// ABOUTME: HTTP client for the Agent API: session start and message send in JSON or SSE mode.
// ABOUTME: Normalizes non-2xx statuses and undecodable bodies into typed errors.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrMalformedResponse is returned when a 2xx body does not have the expected shape.
var ErrMalformedResponse = errors.New("malformed response")

// maxErrorBody bounds how much of a failed response is read into a StatusError.
const maxErrorBody = 4096

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent api error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the Agent API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sends the token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the Agent API rooted at baseURL.
// Request deadlines come from the caller's context, so the default
// http.Client has no timeout of its own: a streamed reply may legitimately
// outlive any fixed client timeout.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agent_client")
	return c
}

// Start opens a new conversation thread.
func (c *Client) Start(ctx context.Context) (*StartResponse, error) {
	var out StartResponse
	if err := c.doJSON(ctx, "/start", nil, &out); err != nil {
		return nil, err
	}
	if out.ThreadID == "" {
		return nil, fmt.Errorf("%w: start response has no thread_id", ErrMalformedResponse)
	}
	if out.Messages == nil && out.Message == nil {
		return nil, fmt.Errorf("%w: start response has no messages", ErrMalformedResponse)
	}
	return &out, nil
}

// SendMessage sends user text and waits for the JSON reply.
func (c *Client) SendMessage(ctx context.Context, threadID, text string) (*SendResponse, error) {
	var out SendResponse
	if err := c.doJSON(ctx, messagePath(threadID), newSendRequest(text), &out); err != nil {
		return nil, err
	}
	if out.Messages == nil && out.Message == nil {
		return nil, fmt.Errorf("%w: send response has no messages", ErrMalformedResponse)
	}
	return &out, nil
}

// StreamMessage sends user text and returns the event-stream body.
// The caller must close the returned reader. Cancelling ctx aborts the read.
func (c *Client) StreamMessage(ctx context.Context, threadID, text string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, messagePath(threadID), newSendRequest(text))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, handleErrorResponse(resp)
	}
	return resp.Body, nil
}

// CaptureLead records interest in a recommended car.
func (c *Client) CaptureLead(ctx context.Context, in LeadCaptureRequest) (*LeadCaptureResponse, error) {
	var out LeadCaptureResponse
	if err := c.doJSON(ctx, "/api/lead/capture", in, &out); err != nil {
		return nil, err
	}
	if out.LeadID == "" {
		return nil, fmt.Errorf("%w: capture response has no lead_id", ErrMalformedResponse)
	}
	return &out, nil
}

// SubmitLeadContact attaches contact details to a captured lead.
func (c *Client) SubmitLeadContact(ctx context.Context, in LeadContactRequest) error {
	return c.doJSON(ctx, "/api/lead/contact", in, nil)
}

func newSendRequest(text string) SendRequest {
	return SendRequest{Messages: []OutgoingMessage{{Role: "user", Content: text}}}
}

func messagePath(threadID string) string {
	return "/conversation/" + url.PathEscape(threadID) + "/message"
}

// newRequest builds a POST with an optional JSON body.
func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON posts body and decodes a 2xx reply into out. A nil out discards the body.
func (c *Client) doJSON(ctx context.Context, path string, body, out any) error {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Debug("undecodable response body", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// handleErrorResponse extracts an error message from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			if errResp.Error != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			if errResp.Detail != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Detail}
			}
		}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
