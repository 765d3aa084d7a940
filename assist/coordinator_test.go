package assist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackoverworld/fyreflow/chatlog"
	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/kvstore/memory"
	"github.com/stackoverworld/fyreflow/request"
)

type harness struct {
	coordinator *Coordinator
	log         *chatlog.Store
	kv          *memory.Store
	hits        *atomic.Int64
	notices     *[]string
	noticesMu   *sync.Mutex
}

func newHarness(t *testing.T, handler http.HandlerFunc, clientOpts ...ClientOption) *harness {
	t.Helper()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	kv := memory.New()
	log, err := chatlog.New(kv)
	if err != nil {
		t.Fatalf("chatlog.New failed: %v", err)
	}

	var (
		notices   []string
		noticesMu sync.Mutex
	)
	coordinator, err := NewCoordinator(Config{
		Log:      log,
		Registry: request.NewRegistry(),
		Client:   NewClient(clientOpts...),
		Resolver: func(ctx context.Context) connection.Descriptor {
			return testDescriptor(server.URL)
		},
		Notify: func(message string) {
			noticesMu.Lock()
			notices = append(notices, message)
			noticesMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return &harness{
		coordinator: coordinator,
		log:         log,
		kv:          kv,
		hits:        &hits,
		notices:     &notices,
		noticesMu:   &noticesMu,
	}
}

func okHandler(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			Action:  "update_draft",
			Message: message,
			Draft:   "steps: [fetch]",
			Source:  "model",
		})
	}
}

func TestGenerate_RecordsResultAndClearsPending(t *testing.T) {
	h := newHarness(t, okHandler("done"))
	ctx := context.Background()

	resp, err := h.coordinator.Generate(ctx, "c1", GenerateRequest{RequestID: "r1", Prompt: "build it"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Message != "done" {
		t.Fatalf("unexpected response: %#v", resp)
	}

	flag, err := h.log.PendingFlag(ctx, "c1")
	if err != nil || flag {
		t.Fatalf("pending flag not cleared: flag=%v err=%v", flag, err)
	}
	found, err := h.log.HasEntryForRequest(ctx, "c1", "r1")
	if err != nil || !found {
		t.Fatalf("result not recorded: found=%v err=%v", found, err)
	}
	draft, err := h.log.Draft(ctx, "c1")
	if err != nil || draft != "steps: [fetch]" {
		t.Fatalf("draft not updated: %q err=%v", draft, err)
	}
}

func TestGenerate_ConcurrentSameRequestInvokesBackendOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler("joined")(w, r)
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.coordinator.Generate(ctx, "c1", GenerateRequest{RequestID: "r1", Prompt: "build it"})
		}(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend never called")
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if h.hits.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", h.hits.Load())
	}
	for i, err := range results {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	messages, err := h.log.Messages(ctx, "c1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("result recorded %d times, want 1: %#v", len(messages), messages)
	}
}

func TestGenerate_FailureRecordsErrorEntryAndNotifies(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	})
	ctx := context.Background()

	_, err := h.coordinator.Generate(ctx, "c1", GenerateRequest{RequestID: "r1", Prompt: "build it"})
	if KindOf(err) != KindBackend {
		t.Fatalf("expected backend failure, got %v", err)
	}

	flag, _ := h.log.PendingFlag(ctx, "c1")
	if flag {
		t.Fatal("pending flag not cleared after failure")
	}
	messages, _ := h.log.Messages(ctx, "c1")
	if len(messages) != 1 || messages[0].Role != chatlog.RoleError || messages[0].RequestID != "r1" {
		t.Fatalf("error entry not recorded: %#v", messages)
	}
	h.noticesMu.Lock()
	defer h.noticesMu.Unlock()
	if len(*h.notices) != 1 {
		t.Fatalf("expected one notice, got %v", *h.notices)
	}
}

func TestGenerate_TimeoutClearsPendingAndNamesDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithDeadline(50*time.Millisecond))
	ctx := context.Background()

	_, err := h.coordinator.Generate(ctx, "c1", GenerateRequest{RequestID: "r1", Prompt: "build it"})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "50ms") {
		t.Fatalf("deadline missing from message: %v", err)
	}

	flag, _ := h.log.PendingFlag(ctx, "c1")
	if flag {
		t.Fatal("pending flag not cleared after timeout")
	}
	if _, ok, _ := h.log.ReadPending(ctx, "c1"); ok {
		t.Fatal("pending record not cleared after timeout")
	}
}

func TestResumePending_ReplaysOutstandingMutation(t *testing.T) {
	h := newHarness(t, okHandler("resumed"))
	ctx := context.Background()

	if err := h.log.WritePending(ctx, "c1", chatlog.PendingRequest{RequestID: "r1", Prompt: "build it"}); err != nil {
		t.Fatalf("WritePending failed: %v", err)
	}

	if err := h.coordinator.ResumePending(ctx, "c1"); err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}

	if h.hits.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", h.hits.Load())
	}
	messages, _ := h.log.Messages(ctx, "c1")
	if len(messages) != 1 || messages[0].RequestID != "r1" || messages[0].Content != "resumed" {
		t.Fatalf("resumed result not recorded: %#v", messages)
	}
	flag, _ := h.log.PendingFlag(ctx, "c1")
	if flag {
		t.Fatal("pending flag not cleared after resume")
	}
}

func TestResumePending_DuplicateSuppressed(t *testing.T) {
	h := newHarness(t, okHandler("should not run"))
	ctx := context.Background()

	if _, err := h.log.Append(ctx, "c1", chatlog.Message{Role: chatlog.RoleAssistant, Content: "already here", RequestID: "r1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := h.log.WritePending(ctx, "c1", chatlog.PendingRequest{RequestID: "r1", Prompt: "build it"}); err != nil {
		t.Fatalf("WritePending failed: %v", err)
	}

	if err := h.coordinator.ResumePending(ctx, "c1"); err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}

	if h.hits.Load() != 0 {
		t.Fatalf("backend called %d times for an already-recorded result", h.hits.Load())
	}
	messages, _ := h.log.Messages(ctx, "c1")
	if len(messages) != 1 {
		t.Fatalf("duplicate appended: %#v", messages)
	}
	flag, _ := h.log.PendingFlag(ctx, "c1")
	if flag {
		t.Fatal("pending flag not cleared")
	}
}

func TestResumePending_FlagWithoutRecordIsDropped(t *testing.T) {
	h := newHarness(t, okHandler("should not run"))
	ctx := context.Background()

	if err := h.kv.Set(ctx, "conv:c1:pending", "true"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := h.coordinator.ResumePending(ctx, "c1"); err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}
	if h.hits.Load() != 0 {
		t.Fatal("backend called with no payload to resume")
	}
	flag, _ := h.log.PendingFlag(ctx, "c1")
	if flag {
		t.Fatal("inconsistent pending flag not dropped")
	}
}

func TestResumePending_NothingPendingIsNoop(t *testing.T) {
	h := newHarness(t, okHandler("should not run"))
	if err := h.coordinator.ResumePending(context.Background(), "c1"); err != nil {
		t.Fatalf("ResumePending failed: %v", err)
	}
	if h.hits.Load() != 0 {
		t.Fatal("backend called with nothing pending")
	}
}

func TestResumePending_FailureIsNotRethrown(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	})
	ctx := context.Background()

	if err := h.log.WritePending(ctx, "c1", chatlog.PendingRequest{RequestID: "r1", Prompt: "build it"}); err != nil {
		t.Fatalf("WritePending failed: %v", err)
	}

	if err := h.coordinator.ResumePending(ctx, "c1"); err != nil {
		t.Fatalf("resume failures must not propagate, got %v", err)
	}
	messages, _ := h.log.Messages(ctx, "c1")
	if len(messages) != 1 || messages[0].Role != chatlog.RoleError {
		t.Fatalf("failure not recorded durably: %#v", messages)
	}
	h.noticesMu.Lock()
	defer h.noticesMu.Unlock()
	if len(*h.notices) != 1 {
		t.Fatalf("expected one notice, got %v", *h.notices)
	}
}
