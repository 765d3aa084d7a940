// Command fyreflow-tail follows a pipeline run's event stream from the
// terminal, using the same transport, storage, and resumption layer the
// dashboard uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/stackoverworld/fyreflow/assist"
	"github.com/stackoverworld/fyreflow/chatlog"
	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/internal/config"
	"github.com/stackoverworld/fyreflow/kvstore"
	"github.com/stackoverworld/fyreflow/kvstore/factory"
	"github.com/stackoverworld/fyreflow/observe"
	otelsink "github.com/stackoverworld/fyreflow/observe/otel"
	"github.com/stackoverworld/fyreflow/request"
	"github.com/stackoverworld/fyreflow/stream"
	"github.com/stackoverworld/fyreflow/wire"
)

func main() {
	runID := flag.String("run", "", "run id to follow")
	cursor := flag.Int64("cursor", 0, "resume the stream from this log cursor")
	resume := flag.String("resume", "", "conversation id whose pending mutation to resume before tailing")
	flag.Parse()

	if *runID == "" && *resume == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := factory.FromEnv(ctx)
	if err != nil {
		log.Fatalf("open kv store: %v", err)
	}
	defer store.Close()

	var sink observe.Sink = observe.LogSink{}
	if config.ParseBoolString(os.Getenv("FYREFLOW_TRACE"), false) {
		// Spans go to whatever provider the process has registered
		// globally. The async wrapper keeps a slow exporter from
		// blocking the transport read loop.
		spans := observe.NewAsyncSink(otelsink.NewSink(otel.GetTracerProvider()), 0)
		defer spans.Close()
		sink = observe.NewMultiSink(sink, spans)
	}

	if *resume != "" {
		if err := resumePending(ctx, store, sink, *resume); err != nil {
			log.Fatalf("resume pending mutation: %v", err)
		}
	}
	if *runID == "" {
		return
	}

	desc := connection.Resolve(ctx, store)
	done := make(chan struct{})
	sub := stream.SubscribeRun(ctx, desc, *runID, stream.Options{
		Cursor: *cursor,
		Sink:   sink,
		OnOpen: func() {
			log.Printf("stream open for run %s", *runID)
		},
		OnEvent: func(env wire.Envelope) {
			printEnvelope(env)
			if env.Event == wire.EventComplete {
				close(done)
			}
		},
		OnError: func(err error) {
			log.Printf("stream failed: %v", err)
			close(done)
		},
	})
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
	case <-done:
	}
	log.Printf("stream settled at cursor %d", sub.Cursor())
}

func resumePending(ctx context.Context, store kvstore.Store, sink observe.Sink, convID string) error {
	chat, err := chatlog.New(store)
	if err != nil {
		return err
	}
	coordinator, err := assist.NewCoordinator(assist.Config{
		Log:      chat,
		Registry: request.NewRegistry(),
		Client:   assist.NewClient(),
		Resolver: func(ctx context.Context) connection.Descriptor {
			return connection.Resolve(ctx, store)
		},
		Sink: sink,
		Notify: func(message string) {
			log.Printf("notice: %s", message)
		},
	})
	if err != nil {
		return err
	}
	return coordinator.ResumePending(ctx, convID)
}

func printEnvelope(env wire.Envelope) {
	switch env.Event {
	case wire.EventLog:
		if record, ok := env.Data.(wire.LogRecord); ok {
			fmt.Printf("%6d  %s\n", record.LogIndex, record.Message)
			return
		}
		fmt.Printf("  log  %s\n", env.RawData)
	case wire.EventStatus:
		if record, ok := env.Data.(wire.StatusRecord); ok {
			fmt.Printf("status %s at %s\n", record.Status, record.At.Format(time.RFC3339))
			return
		}
		fmt.Printf("status %s\n", env.RawData)
	case wire.EventReady, wire.EventHeartbeat:
		// Quiet; lifecycle noise belongs to the observe sink.
	default:
		fmt.Printf("%s %s\n", env.Event, env.RawData)
	}
}
