package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/relay"
)

type fakeRelay struct {
	sessions []relay.SessionInfo
	handoffs []relay.HandoffInfo
	kicked   []string
}

func (f *fakeRelay) Sessions() []relay.SessionInfo { return f.sessions }
func (f *fakeRelay) Handoffs() []relay.HandoffInfo { return f.handoffs }
func (f *fakeRelay) Stats() relay.Stats {
	return relay.Stats{
		Sessions:        len(f.sessions),
		Relaying:        1,
		PendingHandoffs: len(f.handoffs),
		ClientPeers:     3,
		ServerPeers:     1,
		StartedAt:       time.Now(),
	}
}

func (f *fakeRelay) Kick(ctx context.Context, id string) error {
	for _, s := range f.sessions {
		if s.ID == id {
			f.kicked = append(f.kicked, id)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, relay.ErrSessionNotFound)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		sessions: []relay.SessionInfo{
			{ID: "aaaa1111-0000", ClientAddr: "10.0.0.5:50001", State: relay.StateRelaying, Backend: "203.0.113.10:17198", Uptime: "5s"},
			{ID: "aaaa2222-0000", ClientAddr: "10.0.0.6:50002", State: relay.StateResolvingBackend, Uptime: "1s"},
			{ID: "bbbb3333-0000", ClientAddr: "10.0.0.7:50003", State: relay.StateRelaying, Uptime: "9s"},
		},
		handoffs: []relay.HandoffInfo{{
			ClientIP:  "10.0.0.5",
			SessionID: "aaaa1111-0000",
			Target:    relay.HandoffTarget{Host: "198.51.100.7", Port: 17200, DoorID: "door-1"},
			ExpiresAt: time.Now().Add(time.Minute),
		}},
	}
}

func run(t *testing.T, r *fakeRelay, input string, shutdown func()) string {
	t.Helper()
	bus := events.NewEventBus()
	defer bus.Stop()

	var out bytes.Buffer
	c := NewCLI(config.DefaultConfig(), bus, r, shutdown, strings.NewReader(input), &out)
	c.Start(context.Background())
	return out.String()
}

func TestStatus(t *testing.T) {
	out := run(t, newFakeRelay(), "status\n", nil)
	assert.Contains(t, out, "0.0.0.0:17091")
	assert.Contains(t, out, "Sessions:         3 (1 relaying)")
	assert.Contains(t, out, "Peers:            3 client, 1 server")
	assert.Contains(t, out, "Pending handoffs: 1")
}

func TestSessionsTable(t *testing.T) {
	out := run(t, newFakeRelay(), "sessions\n", nil)
	assert.Contains(t, out, "aaaa1111")
	assert.Contains(t, out, "203.0.113.10:17198")
	assert.Contains(t, out, "resolving_backend")

	out = run(t, &fakeRelay{}, "sessions\nhandoffs\n", nil)
	assert.Contains(t, out, "No sessions")
	assert.Contains(t, out, "No pending hand-offs")
}

func TestHandoffsTable(t *testing.T) {
	out := run(t, newFakeRelay(), "handoffs\n", nil)
	assert.Contains(t, out, "198.51.100.7:17200")
	assert.Contains(t, out, "door-1")
}

func TestKickByPrefix(t *testing.T) {
	r := newFakeRelay()
	out := run(t, r, "kick bbbb\nkick aaaa\nkick zzzz\nkick\n", nil)

	assert.Equal(t, []string{"bbbb3333-0000"}, r.kicked)
	assert.Contains(t, out, "Session bbbb3333 kicked")
	assert.Contains(t, out, `prefix "aaaa" is ambiguous`)
	assert.Contains(t, out, `no session matches "zzzz"`)
	assert.Contains(t, out, "usage: kick")
}

func TestQuitStopsConsole(t *testing.T) {
	called := false
	r := newFakeRelay()
	out := run(t, r, "quit\nkick bbbb\n", func() { called = true })

	require.True(t, called)
	assert.Contains(t, out, "Shutting down")
	assert.Empty(t, r.kicked, "commands after quit are not run")
}

func TestUnknownCommand(t *testing.T) {
	out := run(t, newFakeRelay(), "frobnicate\nHELP\n", nil)
	assert.Contains(t, out, "Unknown command: 'frobnicate'")
	assert.Contains(t, out, "List pending hand-offs")
}
