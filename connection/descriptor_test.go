package connection

import (
	"context"
	"testing"

	"github.com/stackoverworld/fyreflow/kvstore/memory"
)

func TestResolve_DefaultsWhenAbsent(t *testing.T) {
	desc := Resolve(context.Background(), memory.New())
	if desc.Mode != ModeLocal {
		t.Fatalf("expected local mode, got %q", desc.Mode)
	}
	if desc.BaseAddress != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected default base address: %q", desc.BaseAddress)
	}
	if desc.RealtimeSubPath != "/realtime" {
		t.Fatalf("unexpected default sub path: %q", desc.RealtimeSubPath)
	}
	if desc.AuthToken != "" {
		t.Fatalf("expected empty token, got %q", desc.AuthToken)
	}
}

func TestResolve_StoredSettings(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	record := `{"mode":"remote","baseAddress":"https://flow.example.com/","authToken":" tok ","realtimeSubPath":"rt","deviceToken":"dev"}`
	if err := store.Set(ctx, SettingsKey, record); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	desc := Resolve(ctx, store)
	if desc.Mode != ModeRemote {
		t.Fatalf("expected remote mode, got %q", desc.Mode)
	}
	if desc.BaseAddress != "https://flow.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", desc.BaseAddress)
	}
	if desc.AuthToken != "tok" || desc.DeviceToken != "dev" {
		t.Fatalf("tokens not trimmed: %#v", desc)
	}
	if desc.RealtimeSubPath != "/rt" {
		t.Fatalf("sub path not normalized: %q", desc.RealtimeSubPath)
	}
}

func TestResolve_MalformedFieldsFallBack(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	record := `{"mode":"weird","baseAddress":"not a url","authToken":"tok"}`
	if err := store.Set(ctx, SettingsKey, record); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	desc := Resolve(ctx, store)
	if desc.Mode != ModeLocal {
		t.Fatalf("bad mode not defaulted: %q", desc.Mode)
	}
	if desc.BaseAddress != "http://127.0.0.1:8787" {
		t.Fatalf("bad address not defaulted: %q", desc.BaseAddress)
	}
	if desc.AuthToken != "tok" {
		t.Fatalf("valid field dropped: %q", desc.AuthToken)
	}
}

func TestResolve_MalformedRecordFallsBack(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.Set(ctx, SettingsKey, "{{nope"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	desc := Resolve(ctx, store)
	if desc.BaseAddress != "http://127.0.0.1:8787" {
		t.Fatalf("malformed record not defaulted: %#v", desc)
	}
}

func TestDescriptor_URLs(t *testing.T) {
	desc := Descriptor{
		Mode:            ModeRemote,
		BaseAddress:     "https://flow.example.com",
		RealtimeSubPath: "/realtime",
	}
	if got := desc.RealtimeURL(); got != "wss://flow.example.com/realtime" {
		t.Fatalf("unexpected realtime url: %q", got)
	}
	if got := desc.RunEventsURL("run one", 3); got != "https://flow.example.com/api/runs/run%20one/events?cursor=3" {
		t.Fatalf("unexpected run events url: %q", got)
	}
	if got := desc.RunEventsURL("r", -2); got != "https://flow.example.com/api/runs/r/events?cursor=0" {
		t.Fatalf("negative cursor not clamped: %q", got)
	}

	desc.BaseAddress = "http://127.0.0.1:8787"
	if got := desc.RealtimeURL(); got != "ws://127.0.0.1:8787/realtime" {
		t.Fatalf("unexpected plain realtime url: %q", got)
	}
	if got := desc.AssistURL(); got != "http://127.0.0.1:8787/api/assist/flow" {
		t.Fatalf("unexpected assist url: %q", got)
	}
}
