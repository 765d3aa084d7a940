package assist

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stackoverworld/fyreflow/chatlog"
	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/observe"
	"github.com/stackoverworld/fyreflow/request"
)

// Resolver re-resolves the connection descriptor for each attempt so a
// credential change takes effect without restarting the client.
type Resolver func(ctx context.Context) connection.Descriptor

// Config wires a Coordinator. Log, Registry, Client, and Resolver are
// required; Sink and Notify are optional.
type Config struct {
	Log      *chatlog.Store
	Registry *request.Registry
	Client   *Client
	Resolver Resolver
	Sink     observe.Sink
	// Notify surfaces human-readable failure notices to the UI.
	Notify func(message string)
}

// Coordinator owns the durable lifecycle of flow-generation requests: it
// writes the pending slot before dispatch, funnels execution through the
// idempotency registry, records results exactly once, and replays the
// pending slot after a client restart.
type Coordinator struct {
	log      *chatlog.Store
	registry *request.Registry
	client   *Client
	resolve  Resolver
	sink     observe.Sink
	notify   func(string)
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("chatlog store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("request registry is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("assist client is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("connection resolver is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = observe.NoopSink{}
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	return &Coordinator{
		log:      cfg.Log,
		registry: cfg.Registry,
		client:   cfg.Client,
		resolve:  cfg.Resolver,
		sink:     cfg.Sink,
		notify:   cfg.Notify,
	}, nil
}

// Generate submits one logical flow-generation request for a
// conversation. The pending slot is durably written before the network
// call starts; a concurrent call with the same request id joins the
// in-flight execution instead of re-invoking the backend.
func (c *Coordinator) Generate(ctx context.Context, convID string, req GenerateRequest) (GenerateResponse, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return GenerateResponse{}, fmt.Errorf("conversation id is required")
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	record := chatlog.PendingRequest{
		RequestID:    req.RequestID,
		Prompt:       req.Prompt,
		ProviderID:   req.ProviderID,
		Model:        req.Model,
		CurrentDraft: req.CurrentDraft,
		Mode:         req.Mode,
	}
	if err := c.log.WritePending(ctx, convID, record); err != nil {
		return GenerateResponse{}, fmt.Errorf("persist pending request: %w", err)
	}

	outcome, err := c.registry.RunOnce(ctx, req.RequestID, c.operation(convID, req))
	if err != nil {
		return GenerateResponse{}, err
	}
	resp, ok := outcome.Value.(GenerateResponse)
	if !ok {
		return GenerateResponse{}, fmt.Errorf("unexpected operation result %T", outcome.Value)
	}
	return resp, nil
}

// ResumePending replays an outstanding mutation found after a restart. It
// runs once at startup per conversation; failures of the replayed call
// are recorded durably and surfaced as notices, not returned.
func (c *Coordinator) ResumePending(ctx context.Context, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return fmt.Errorf("conversation id is required")
	}
	pending, err := c.log.PendingFlag(ctx, convID)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	record, ok, err := c.log.ReadPending(ctx, convID)
	if err != nil {
		return err
	}
	if !ok {
		// Flag without a readable record: drop the inconsistent state
		// rather than resume with no payload.
		return c.log.ClearPending(ctx, convID)
	}
	if c.registry.InFlight(record.RequestID) {
		// An execution from before the restart-decision is already
		// tracked; its terminal handler will retire the slot.
		return nil
	}

	// A recorded result means the mutation completed before the restart;
	// replaying it would duplicate the backend side effect.
	recorded, err := c.log.HasEntryForRequest(ctx, convID, record.RequestID)
	if err != nil {
		return err
	}
	if recorded {
		c.emit(ctx, observe.Event{Kind: observe.KindResume, Status: observe.StatusCompleted, Name: "already_recorded", ConversationID: convID, RequestID: record.RequestID})
		return c.log.ClearPending(ctx, convID)
	}

	history, err := c.log.Messages(ctx, convID)
	if err != nil {
		return err
	}
	req := GenerateRequest{
		RequestID:    record.RequestID,
		Prompt:       record.Prompt,
		ProviderID:   record.ProviderID,
		Model:        record.Model,
		History:      history,
		CurrentDraft: record.CurrentDraft,
		Mode:         record.Mode,
	}

	c.emit(ctx, observe.Event{Kind: observe.KindResume, Status: observe.StatusStarted, ConversationID: convID, RequestID: record.RequestID})
	if _, err := c.registry.RunOnce(ctx, record.RequestID, c.operation(convID, req)); err != nil {
		// Already recorded durably and noticed by the operation's
		// failure path; a resume initiator has nothing to handle.
		c.emit(ctx, observe.Event{Kind: observe.KindResume, Status: observe.StatusFailed, ConversationID: convID, RequestID: record.RequestID, Error: err.Error()})
		return nil
	}
	c.emit(ctx, observe.Event{Kind: observe.KindResume, Status: observe.StatusCompleted, ConversationID: convID, RequestID: record.RequestID})
	return nil
}

// operation is the side-effecting body executed at most once per request
// id. Its defer is the single terminal handler that retires the pending
// slot, success or failure.
func (c *Coordinator) operation(convID string, req GenerateRequest) request.Operation {
	return func(ctx context.Context) (any, error) {
		defer func() {
			// Retire the slot even when ctx is already cancelled.
			_ = c.log.ClearPending(context.Background(), convID)
		}()

		c.emit(ctx, observe.Event{Kind: observe.KindMutation, Status: observe.StatusStarted, ConversationID: convID, RequestID: req.RequestID})
		desc := c.resolve(ctx)
		resp, err := c.client.Generate(ctx, desc, req)
		if err != nil {
			c.recordFailure(convID, req.RequestID, err)
			c.emit(ctx, observe.Event{Kind: observe.KindMutation, Status: observe.StatusFailed, ConversationID: convID, RequestID: req.RequestID, Error: err.Error()})
			return nil, err
		}
		c.recordResult(convID, req.RequestID, resp)
		c.emit(ctx, observe.Event{Kind: observe.KindMutation, Status: observe.StatusCompleted, ConversationID: convID, RequestID: req.RequestID})
		return resp, nil
	}
}

// recordResult appends the assistant entry unless one tagged with the
// request id already exists; a prior attempt's record wins and the new
// result is discarded silently.
func (c *Coordinator) recordResult(convID, requestID string, resp GenerateResponse) {
	ctx := context.Background()
	recorded, err := c.log.HasEntryForRequest(ctx, convID, requestID)
	if err != nil || recorded {
		return
	}
	_, _ = c.log.Append(ctx, convID, chatlog.Message{
		Role:      chatlog.RoleAssistant,
		Content:   resp.Message,
		RequestID: requestID,
		Source:    resp.Source,
		Notes:     resp.Notes,
	})
	if resp.Draft != "" {
		_ = c.log.SetDraft(ctx, convID, resp.Draft)
	}
}

func (c *Coordinator) recordFailure(convID, requestID string, failure error) {
	ctx := context.Background()
	recorded, err := c.log.HasEntryForRequest(ctx, convID, requestID)
	if err == nil && !recorded {
		_, _ = c.log.Append(ctx, convID, chatlog.Message{
			Role:      chatlog.RoleError,
			Content:   failure.Error(),
			RequestID: requestID,
		})
	}
	c.notify(failure.Error())
}

func (c *Coordinator) emit(ctx context.Context, event observe.Event) {
	_ = c.sink.Emit(ctx, event)
}
