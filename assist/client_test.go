package assist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackoverworld/fyreflow/connection"
)

func testDescriptor(baseURL string) connection.Descriptor {
	return connection.Descriptor{
		Mode:        connection.ModeLocal,
		BaseAddress: baseURL,
		AuthToken:   "tok",
	}
}

func TestClient_GenerateHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/assist/flow" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RequestID != "r1" || req.Prompt != "add a retry step" {
			t.Errorf("unexpected request body: %#v", req)
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			Action:  "update_draft",
			Message: "added a retry step",
			Draft:   "steps: [fetch, retry]",
			Source:  "model",
			Notes:   []string{"kept existing steps"},
		})
	}))
	defer server.Close()

	c := NewClient()
	resp, err := c.Generate(context.Background(), testDescriptor(server.URL), GenerateRequest{
		RequestID: "r1",
		Prompt:    "add a retry step",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Action != "update_draft" || resp.Draft == "" || len(resp.Notes) != 1 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

type failingTransport struct {
	calls atomic.Int64
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection reset by peer")
}

func TestClient_GenerateRetriesNetworkFailures(t *testing.T) {
	transport := &failingTransport{}
	c := NewClient(
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond}),
	)

	_, err := c.Generate(context.Background(), testDescriptor("http://127.0.0.1:1"), GenerateRequest{RequestID: "r1"})
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network classification, got %v", err)
	}
	if got := transport.calls.Load(); got != 3 {
		t.Fatalf("made %d attempts, want 3", got)
	}
}

func TestClient_GenerateDoesNotRetryBackendErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))
	_, err := c.Generate(context.Background(), testDescriptor(server.URL), GenerateRequest{RequestID: "r1"})
	if KindOf(err) != KindBackend {
		t.Fatalf("expected backend classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("status missing from error: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("backend error retried: %d hits", got)
	}
}

func TestClient_GenerateTimeoutNamesDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(WithDeadline(50 * time.Millisecond))
	_, err := c.Generate(context.Background(), testDescriptor(server.URL), GenerateRequest{RequestID: "r1"})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "50ms") {
		t.Fatalf("deadline missing from error message: %v", err)
	}
}

func TestClient_GenerateRejectsUndecodableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := NewClient()
	_, err := c.Generate(context.Background(), testDescriptor(server.URL), GenerateRequest{RequestID: "r1"})
	if KindOf(err) != KindBackend {
		t.Fatalf("expected backend classification, got %v", err)
	}
}
