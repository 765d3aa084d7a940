// Package assist executes the AI-assisted flow-generation mutation: a
// single slow request/response call guarded so that each logical request
// runs at most once, survives a client restart mid-flight, and never
// records its result twice.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackoverworld/fyreflow/chatlog"
	"github.com/stackoverworld/fyreflow/connection"
)

const (
	// defaultDeadline is deliberately long: model-backed generation is
	// measured in minutes, not the short timeout other requests use.
	defaultDeadline = 4 * time.Minute

	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// GenerateRequest is the mutation endpoint's request body. RequestID is
// the caller-chosen stable id; it is the sole de-duplication key.
type GenerateRequest struct {
	RequestID    string            `json:"requestId"`
	Prompt       string            `json:"prompt"`
	ProviderID   string            `json:"providerId,omitempty"`
	Model        string            `json:"model,omitempty"`
	History      []chatlog.Message `json:"history,omitempty"`
	CurrentDraft string            `json:"currentDraft,omitempty"`
	Mode         string            `json:"mode,omitempty"`
}

// GenerateResponse is the mutation endpoint's response body.
type GenerateResponse struct {
	Action  string   `json:"action"`
	Message string   `json:"message"`
	Draft   string   `json:"draft,omitempty"`
	Source  string   `json:"source,omitempty"`
	Notes   []string `json:"notes,omitempty"`
}

// ErrorKind classifies mutation call failures.
type ErrorKind string

const (
	// KindTimeout: the configured deadline elapsed. Terminal for the
	// request id, never retried automatically.
	KindTimeout ErrorKind = "timeout"
	// KindNetwork: DNS/connect/reset level failure. Retried by the
	// fixed-attempt policy.
	KindNetwork ErrorKind = "network"
	// KindBackend: the endpoint answered with a non-2xx status or an
	// undecodable body. Not retried.
	KindBackend ErrorKind = "backend"
)

// Error is a classified mutation call failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from a mutation error, or "" for
// foreign errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// RetryPolicy is the fixed-attempt policy applied to network-classified
// failures only; backend error responses are never retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func normalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.Attempts < 1 {
		out.Attempts = 1
	}
	if out.Backoff < 0 {
		out.Backoff = 0
	}
	return out
}

// Client calls the flow-generation mutation endpoint.
type Client struct {
	httpClient *http.Client
	deadline   time.Duration
	retry      RetryPolicy
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithDeadline(deadline time.Duration) ClientOption {
	return func(c *Client) {
		if deadline > 0 {
			c.deadline = deadline
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = normalizeRetryPolicy(policy)
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		deadline:   defaultDeadline,
		retry:      RetryPolicy{Attempts: defaultAttempts, Backoff: defaultBackoff},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deadline returns the configured mutation deadline.
func (c *Client) Deadline() time.Duration {
	return c.deadline
}

// Generate performs the mutation call once, retrying only
// network-classified failures up to the fixed attempt count.
func (c *Client) Generate(ctx context.Context, desc connection.Descriptor, req GenerateRequest) (GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("encode generate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return GenerateResponse{}, c.classifyContext(ctx.Err())
			case <-time.After(c.retry.Backoff):
			}
		}
		resp, err := c.attempt(ctx, desc, body)
		if err == nil {
			return resp, nil
		}
		if KindOf(err) != KindNetwork || ctx.Err() != nil {
			return GenerateResponse{}, err
		}
		lastErr = err
	}
	return GenerateResponse{}, lastErr
}

func (c *Client) attempt(ctx context.Context, desc connection.Descriptor, body []byte) (GenerateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.AssistURL(), bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, &Error{Kind: KindBackend, Message: "failed to build generate request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if desc.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	if desc.DeviceToken != "" {
		httpReq.Header.Set("X-Fyreflow-Device", desc.DeviceToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return GenerateResponse{}, c.classifyContext(ctx.Err())
		}
		return GenerateResponse{}, &Error{Kind: KindNetwork, Message: "generate request failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return GenerateResponse{}, &Error{
			Kind:    KindBackend,
			Message: fmt.Sprintf("generate endpoint returned status %d: %s", httpResp.StatusCode, bytes.TrimSpace(snippet)),
		}
	}
	var out GenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return GenerateResponse{}, &Error{Kind: KindBackend, Message: "undecodable generate response", Err: err}
	}
	return out, nil
}

func (c *Client) classifyContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("flow generation timed out after %s", c.deadline),
			Err:     err,
		}
	}
	return &Error{Kind: KindNetwork, Message: "generate request cancelled", Err: err}
}
