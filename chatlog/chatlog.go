// Package chatlog persists per-conversation dashboard state: the
// append-only message log, the draft text, and the pending-request slot
// the mutation coordinator uses to survive client restarts. Every read is
// parse-and-validate; a stored value may have been written by a previous
// schema version and is never trusted blindly.
package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackoverworld/fyreflow/kvstore"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleError     = "error"
)

// Message is one entry in a conversation's append-only log. RequestID tags
// entries produced by a mutating request so a resumed request can detect
// an already-recorded result.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RequestID string    `json:"requestId,omitempty"`
	Source    string    `json:"source,omitempty"`
	Notes     []string  `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingRequest is the durable description of an outstanding mutation:
// one slot per conversation, written before the call is dispatched and
// cleared in its terminal handler.
type PendingRequest struct {
	RequestID    string    `json:"requestId"`
	Prompt       string    `json:"prompt"`
	ProviderID   string    `json:"providerId,omitempty"`
	Model        string    `json:"model,omitempty"`
	CurrentDraft string    `json:"currentDraft,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	Mode         string    `json:"mode,omitempty"`
}

// Store reads and writes conversation records through a kvstore backend.
type Store struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &Store{kv: kv}, nil
}

func messagesKey(convID string) string      { return "conv:" + convID + ":messages" }
func draftKey(convID string) string         { return "conv:" + convID + ":draft" }
func pendingFlagKey(convID string) string   { return "conv:" + convID + ":pending" }
func pendingRecordKey(convID string) string { return "conv:" + convID + ":pendingRequest" }

// Messages returns the conversation log. Entries that fail validation are
// dropped; a malformed log is treated as empty.
func (s *Store) Messages(ctx context.Context, convID string) ([]Message, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	raw, err := s.kv.Get(ctx, messagesKey(convID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, nil
	}
	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		var msg Message
		if err := json.Unmarshal(entry, &msg); err != nil {
			continue
		}
		if !validRole(msg.Role) {
			continue
		}
		if msg.Content == "" && len(msg.Notes) == 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Append adds one entry to the conversation log, assigning an id and
// timestamp when absent.
func (s *Store) Append(ctx context.Context, convID string, msg Message) (Message, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return Message{}, fmt.Errorf("conversation id is required")
	}
	if !validRole(msg.Role) {
		return Message{}, fmt.Errorf("unsupported message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	existing, err := s.Messages(ctx, convID)
	if err != nil {
		return Message{}, err
	}
	raw, err := json.Marshal(append(existing, msg))
	if err != nil {
		return Message{}, fmt.Errorf("encode message log: %w", err)
	}
	if err := s.kv.Set(ctx, messagesKey(convID), string(raw)); err != nil {
		return Message{}, fmt.Errorf("write message log: %w", err)
	}
	return msg, nil
}

// HasEntryForRequest reports whether the log already carries an entry
// tagged with the request id. The resumption path checks this before
// appending a result so a replayed request never records twice.
func (s *Store) HasEntryForRequest(ctx context.Context, convID, requestID string) (bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return false, nil
	}
	messages, err := s.Messages(ctx, convID)
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if msg.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

// Draft returns the conversation's draft text, empty when absent.
func (s *Store) Draft(ctx context.Context, convID string) (string, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	raw, err := s.kv.Get(ctx, draftKey(convID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read draft: %w", err)
	}
	return raw, nil
}

func (s *Store) SetDraft(ctx context.Context, convID, text string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if err := s.kv.Set(ctx, draftKey(convID), text); err != nil {
		return fmt.Errorf("write draft: %w", err)
	}
	return nil
}

// WritePending stores the pending-request record, then raises the pending
// flag. Record before flag: the resumption path treats the flag as the
// signal and re-validates the record, so the record must already be
// durable when the flag becomes visible.
func (s *Store) WritePending(ctx context.Context, convID string, rec PendingRequest) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return fmt.Errorf("conversation id is required")
	}
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pending request: %w", err)
	}
	if err := s.kv.Set(ctx, pendingRecordKey(convID), string(raw)); err != nil {
		return fmt.Errorf("write pending request: %w", err)
	}
	if err := s.kv.Set(ctx, pendingFlagKey(convID), "true"); err != nil {
		return fmt.Errorf("write pending flag: %w", err)
	}
	return nil
}

// PendingFlag reports whether a mutation is recorded as outstanding.
func (s *Store) PendingFlag(ctx context.Context, convID string) (bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return false, fmt.Errorf("conversation id is required")
	}
	raw, err := s.kv.Get(ctx, pendingFlagKey(convID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pending flag: %w", err)
	}
	return raw == "true", nil
}

// ReadPending returns the pending-request record. A missing or malformed
// record is reported as absent, never as an error.
func (s *Store) ReadPending(ctx context.Context, convID string) (PendingRequest, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return PendingRequest{}, false, fmt.Errorf("conversation id is required")
	}
	raw, err := s.kv.Get(ctx, pendingRecordKey(convID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return PendingRequest{}, false, nil
	}
	if err != nil {
		return PendingRequest{}, false, fmt.Errorf("read pending request: %w", err)
	}
	var rec PendingRequest
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PendingRequest{}, false, nil
	}
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return PendingRequest{}, false, nil
	}
	return rec, true, nil
}

// ClearPending retires the pending slot: flag and record both, regardless
// of outcome. This is the single place a logical request is durably
// retired.
func (s *Store) ClearPending(ctx context.Context, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if err := s.kv.Delete(ctx, pendingFlagKey(convID)); err != nil {
		return fmt.Errorf("clear pending flag: %w", err)
	}
	if err := s.kv.Delete(ctx, pendingRecordKey(convID)); err != nil {
		return fmt.Errorf("clear pending request: %w", err)
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleError:
		return true
	default:
		return false
	}
}
