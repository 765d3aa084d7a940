// Package connection resolves the active endpoint descriptor the realtime
// and mutation layers talk to. Resolution is a pure read of persisted
// settings with built-in defaults; it never fails and performs no network
// I/O.
package connection

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/stackoverworld/fyreflow/kvstore"
)

// SettingsKey is the kvstore key holding the persisted connection record.
const SettingsKey = "settings:connection"

const (
	defaultBaseAddress     = "http://127.0.0.1:8787"
	defaultRealtimeSubPath = "/realtime"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Descriptor is an immutable snapshot of the active endpoint for one
// subscription or request attempt. Callers re-resolve for every attempt so
// a credential change takes effect on the next reconnect.
type Descriptor struct {
	Mode            Mode   `json:"mode"`
	BaseAddress     string `json:"baseAddress"`
	AuthToken       string `json:"authToken"`
	RealtimeSubPath string `json:"realtimeSubPath"`
	DeviceToken     string `json:"deviceToken"`
}

// Resolve reads the persisted connection settings and returns a usable
// descriptor. Absent or malformed settings fall back to local defaults,
// field by field; stored values are never trusted blindly.
func Resolve(ctx context.Context, store kvstore.Store) Descriptor {
	desc := Descriptor{
		Mode:            ModeLocal,
		BaseAddress:     defaultBaseAddress,
		RealtimeSubPath: defaultRealtimeSubPath,
	}
	if store == nil {
		return desc
	}
	raw, err := store.Get(ctx, SettingsKey)
	if err != nil {
		return desc
	}
	var stored struct {
		Mode            string `json:"mode"`
		BaseAddress     string `json:"baseAddress"`
		AuthToken       string `json:"authToken"`
		RealtimeSubPath string `json:"realtimeSubPath"`
		DeviceToken     string `json:"deviceToken"`
	}
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return desc
	}
	switch Mode(strings.TrimSpace(stored.Mode)) {
	case ModeLocal, ModeRemote:
		desc.Mode = Mode(strings.TrimSpace(stored.Mode))
	}
	if addr := strings.TrimRight(strings.TrimSpace(stored.BaseAddress), "/"); validBaseAddress(addr) {
		desc.BaseAddress = addr
	}
	if sub := strings.TrimSpace(stored.RealtimeSubPath); sub != "" {
		if !strings.HasPrefix(sub, "/") {
			sub = "/" + sub
		}
		desc.RealtimeSubPath = sub
	}
	desc.AuthToken = strings.TrimSpace(stored.AuthToken)
	desc.DeviceToken = strings.TrimSpace(stored.DeviceToken)
	return desc
}

// RealtimeURL derives the websocket endpoint from the base address.
func (d Descriptor) RealtimeURL() string {
	base := d.BaseAddress
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + d.RealtimeSubPath
}

// RunEventsURL derives the streaming-HTTP fallback endpoint for a run,
// resuming at the given cursor.
func (d Descriptor) RunEventsURL(runID string, cursor int64) string {
	if cursor < 0 {
		cursor = 0
	}
	return d.BaseAddress + "/api/runs/" + url.PathEscape(runID) + "/events?cursor=" + strconv.FormatInt(cursor, 10)
}

// AssistURL derives the flow-generation mutation endpoint.
func (d Descriptor) AssistURL() string {
	return d.BaseAddress + "/api/assist/flow"
}

func validBaseAddress(addr string) bool {
	if addr == "" {
		return false
	}
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
