// Package stream subscribes to a running pipeline's log/status events. The
// primary channel is a websocket; run subscriptions degrade transparently
// to a streaming-HTTP channel when the websocket cannot be established or
// drops mid-run. Both channels are normalized into wire.Envelope values,
// so consumers never learn which transport delivered an event.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/observe"
	"github.com/stackoverworld/fyreflow/wire"
)

const defaultDialTimeout = 10 * time.Second

// Options configures one subscription attempt. Callbacks are invoked from
// the subscription's single reader goroutine, in wire order; none fire
// after the subscription settles.
type Options struct {
	// Cursor is the number of log lines already observed; the stream
	// resumes from it.
	Cursor int64
	// OnOpen fires exactly once, when whichever transport wins becomes
	// readable.
	OnOpen func()
	// OnEvent receives every canonical envelope.
	OnEvent func(wire.Envelope)
	// OnError receives classified terminal failures. A websocket drop
	// that falls back successfully is not reported here.
	OnError func(error)
	// Sink receives instrumentation events; nil means none.
	Sink observe.Sink
	// Dialer and Client override the transports; tests use them. Nil
	// selects defaults.
	Dialer *websocket.Dialer
	Client *http.Client
}

// Subscription is one live subscription instance. It owns its cursor and
// its transport; Unsubscribe settles it and closes whichever transport is
// open.
type Subscription struct {
	opts   Options
	desc   connection.Descriptor
	cancel context.CancelFunc

	mu       sync.Mutex
	settled  bool
	cursor   int64
	closers  []func()
	openOnce sync.Once
}

func newSubscription(ctx context.Context, desc connection.Descriptor, opts Options) (*Subscription, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Cursor < 0 {
		opts.Cursor = 0
	}
	if opts.Sink == nil {
		opts.Sink = observe.NoopSink{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		opts:   opts,
		desc:   desc,
		cancel: cancel,
		cursor: opts.Cursor,
	}
	// Cancellation must interrupt a blocked transport read; settling
	// closes whichever transport is open.
	go func() {
		<-ctx.Done()
		sub.settle()
	}()
	return sub, ctx
}

// Unsubscribe settles the subscription and closes the active transport.
// Safe to call more than once and from any goroutine.
func (s *Subscription) Unsubscribe() {
	s.settle()
}

// Cursor returns the last observed cursor, usable for a fresh subscribe
// after a terminal failure.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Settled reports whether the subscription has reached its terminal state.
func (s *Subscription) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

func (s *Subscription) settle() {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	s.cancel()
	for _, closeFn := range closers {
		closeFn()
	}
}

// trackCloser registers the active transport's close function so settle
// can abort an in-flight read. Returns false if already settled, in which
// case the transport was closed immediately.
func (s *Subscription) trackCloser(closeFn func()) bool {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		closeFn()
		return false
	}
	s.closers = append(s.closers, closeFn)
	s.mu.Unlock()
	return true
}

// raiseCursor advances the cursor monotonically.
func (s *Subscription) raiseCursor(to int64) {
	s.mu.Lock()
	if to > s.cursor {
		s.cursor = to
	}
	s.mu.Unlock()
}

func (s *Subscription) currentCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Callback guards: nothing is delivered once settled, including calls
// already scheduled on the reader goroutine.

func (s *Subscription) fireOpen() {
	if s.Settled() {
		return
	}
	s.openOnce.Do(func() {
		if s.opts.OnOpen != nil {
			s.opts.OnOpen()
		}
	})
}

func (s *Subscription) emit(env wire.Envelope) {
	if s.Settled() {
		return
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(env)
	}
}

func (s *Subscription) fail(err error) {
	if s.Settled() {
		return
	}
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Subscription) observe(ctx context.Context, event observe.Event) {
	event.Cursor = s.currentCursor()
	_ = s.opts.Sink.Emit(ctx, event)
}

// authHeader builds the request headers both transports send.
func authHeader(desc connection.Descriptor) http.Header {
	header := http.Header{}
	if desc.AuthToken != "" {
		header.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	if desc.DeviceToken != "" {
		header.Set("X-Fyreflow-Device", desc.DeviceToken)
	}
	return header
}
