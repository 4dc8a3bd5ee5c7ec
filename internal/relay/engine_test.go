package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/network"
	"github.com/relaygate-project/relaygate/internal/protocol"
)

const (
	clientIP   = "10.0.0.5"
	clientPeer = network.PeerID(1)
	prefix     = "`4[PROXY]`` "
	loginText  = "requestedName|\nprotocol|201\ngame_version|4.47\nrid|abc123\nklv|client-klv\ncountry|us\n"
)

type harness struct {
	engine   *Engine
	in       *fakeHost
	out      *fakeHost
	resolver *fakeResolver
	bus      *events.EventBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		in:  newFakeHost(1),
		out: newFakeHost(100),
		resolver: &fakeResolver{backend: &connector.Backend{
			Host: "203.0.113.10",
			Port: 17198,
			Meta: "meta-A",
		}},
		bus: events.NewEventBus(),
	}
	h.out.autoConnect = true

	h.engine = NewEngine(Config{
		PublicHost:    "relay.example",
		ListenPort:    17091,
		Country:       "jp",
		ConsolePrefix: prefix,
		SweepInterval: time.Hour,
	}, h.in, h.out, h.resolver, h.bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.bus.Stop()
	})
	return h
}

// connect opens a client session and waits for its backend leg.
func (h *harness) connect(t *testing.T, peer network.PeerID, ip string) dialed {
	t.Helper()
	h.in.accept(peer, ip)
	d := recv(t, h.out.dials)
	require.Eventually(t, func() bool {
		for _, s := range h.engine.Sessions() {
			if s.State == StateRelaying {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)
	return d
}

func TestLoginRewrite(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)
	assert.Equal(t, "203.0.113.10:17198", d.addr)

	h.in.receive(clientPeer, textMessage(protocol.FamilyText, loginText))
	msg := recv(t, h.out.sent)
	assert.Equal(t, d.peer, msg.peer)

	rec := decodeText(t, msg.data)
	assert.Equal(t, "meta-A", field(t, rec, "meta"))
	assert.Equal(t, "jp", field(t, rec, "country"))
	assert.Equal(t, "client-klv", field(t, rec, "klv"))
	assert.Equal(t, "abc123", field(t, rec, "rid"))
	assert.Equal(t, byte(0), msg.data[len(msg.data)-1])
	assert.Equal(t,
		[]string{"requestedName", "protocol", "game_version", "rid", "klv", "country", "meta"},
		rec.Keys(), "existing keys keep their order, new keys are appended")

	// A later login replays the first klv.
	h.in.receive(clientPeer, textMessage(protocol.FamilyText, "requestedName|\nklv|second\n"))
	rec = decodeText(t, recv(t, h.out.sent).data)
	assert.Equal(t, "client-klv", field(t, rec, "klv"))
}

func TestNonLoginTextForwardedUnchanged(t *testing.T) {
	h := newHarness(t)
	h.connect(t, clientPeer, clientIP)

	raw := textMessage(protocol.FamilyText, "action|input\ntext|hello\n")
	h.in.receive(clientPeer, raw)
	assert.Equal(t, raw, recv(t, h.out.sent).data)

	unknown := []byte{9, 0, 0, 0, 0xDE, 0xAD}
	h.in.receive(clientPeer, unknown)
	assert.Equal(t, unknown, recv(t, h.out.sent).data)
}

func TestMessagesBufferedUntilRelaying(t *testing.T) {
	h := newHarness(t)
	h.out.autoConnect = false

	h.in.accept(clientPeer, clientIP)
	d := recv(t, h.out.dials)

	first := textMessage(protocol.FamilyText, "action|enter_game\n")
	second := textMessage(protocol.FamilyAction, "action|refresh_item_data\n")
	h.in.receive(clientPeer, first)
	h.in.receive(clientPeer, second)
	requireNone(t, h.out.sent)

	h.out.events <- network.Event{Type: network.EventConnect, Peer: d.peer}
	assert.Equal(t, first, recv(t, h.out.sent).data)
	assert.Equal(t, second, recv(t, h.out.sent).data)
}

func TestPendingQueueBounded(t *testing.T) {
	s := newSession("s", 1, "", "")
	require.True(t, s.enqueue([]byte{1}, 2))
	require.True(t, s.enqueue([]byte{2}, 2))
	assert.False(t, s.enqueue([]byte{3}, 2))
	assert.Equal(t, [][]byte{{1}, {2}}, s.drain())
	assert.Empty(t, s.pending)
}

func TestQuitFromClientClosesBothLegs(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	quit := textMessage(protocol.FamilyAction, "action|quit\x00\n")
	h.in.receive(clientPeer, quit)

	assert.Equal(t, quit, recv(t, h.out.sent).data)
	assert.Equal(t, d.peer, recv(t, h.out.drops))
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	require.Eventually(t, func() bool { return len(h.engine.Sessions()) == 0 }, waitTimeout, 5*time.Millisecond)

	// Nothing more is relayed for the closed session.
	h.in.receive(clientPeer, textMessage(protocol.FamilyText, "action|input\n"))
	requireNone(t, h.out.sent)
}

func TestQuitFromServerClosesBothLegs(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	quit := textMessage(protocol.FamilyAction, "action|quit\n")
	h.out.receive(d.peer, quit)

	assert.Equal(t, quit, recv(t, h.in.sent).data)
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	assert.Equal(t, d.peer, recv(t, h.out.drops))
}

func TestDisconnectPacketIsNotForwarded(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	h.in.receive(clientPeer, tankMessage(protocol.TankDisconnect))
	assert.Equal(t, d.peer, recv(t, h.out.drops))
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	requireNone(t, h.out.sent)
}

func TestEitherLegLeavingClosesTheOther(t *testing.T) {
	t.Run("client", func(t *testing.T) {
		h := newHarness(t)
		d := h.connect(t, clientPeer, clientIP)
		h.in.hangup(clientPeer)
		assert.Equal(t, d.peer, recv(t, h.out.drops))
	})
	t.Run("server", func(t *testing.T) {
		h := newHarness(t)
		d := h.connect(t, clientPeer, clientIP)
		h.out.hangup(d.peer)
		assert.Equal(t, clientPeer, recv(t, h.in.drops))
	})
}

func TestConsoleMessagePrefixed(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	h.out.receive(d.peer, callMessage(t, "OnConsoleMessage", "Welcome back"))
	list, _, err := protocol.DecodeCall(recv(t, h.in.sent).data)
	require.NoError(t, err)
	assert.Equal(t, "OnConsoleMessage", list.Name())
	assert.Equal(t, prefix+"Welcome back", list[1].Str)
}

func TestSpawnForcesModState(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	opts := protocol.CallOptions{NetID: 7, Delay: 250}
	msg, err := protocol.EncodeCall(opts, "OnSpawn", "spawn|avatar\nnetID|7\nmstate|0\ntype|local\n")
	require.NoError(t, err)
	h.out.receive(d.peer, msg)

	list, tank, err := protocol.DecodeCall(recv(t, h.in.sent).data)
	require.NoError(t, err)
	assert.Equal(t, int32(7), tank.NetID)
	assert.Equal(t, int32(-1), tank.Value)

	rec, err := protocol.DecodeRecord([]byte(list[1].Str))
	require.NoError(t, err)
	assert.Equal(t, "1", field(t, rec, "mstate"))
	assert.Equal(t, "0", field(t, rec, "smstate"))
	assert.Equal(t, "local", field(t, rec, "type"))
	assert.Equal(t, []string{"spawn", "netID", "mstate", "type", "smstate"}, rec.Keys())
}

func TestUndecodableCallForwardedRaw(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	bad := (&protocol.TankPacket{
		Type:  protocol.TankCallFunction,
		Flags: protocol.FlagExtended,
		Extra: []byte{1, 0, byte(protocol.KindString), 9},
	}).EncodeMessage()
	h.out.receive(d.peer, bad)
	assert.Equal(t, bad, recv(t, h.in.sent).data)

	other := callMessage(t, "OnTalkBubble", 7, "hi")
	h.out.receive(d.peer, other)
	assert.Equal(t, other, recv(t, h.in.sent).data)
}

func TestHandoffKeepsMetaAndSkipsLookup(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, clientPeer, clientIP)

	h.in.receive(clientPeer, textMessage(protocol.FamilyText, loginText))
	recv(t, h.out.sent)

	h.out.receive(first.peer, callMessage(t, "OnSendToServer", 17200, 1234, 5678, "198.51.100.7|door-1|uuid-x", 1))
	list, _, err := protocol.DecodeCall(recv(t, h.in.sent).data)
	require.NoError(t, err)
	assert.Equal(t, int32(17091), list[1].Int)
	assert.Equal(t, int32(1234), list[2].Int)
	assert.Equal(t, int32(5678), list[3].Int)
	assert.Equal(t, "relay.example|door-1|uuid-x", list[4].Str)
	assert.Equal(t, int32(1), list[5].Int)

	handoffs := h.engine.Handoffs()
	require.Len(t, handoffs, 1)
	assert.Equal(t, clientIP, handoffs[0].ClientIP)
	assert.Equal(t, "198.51.100.7:17200", handoffs[0].Target.Addr())
	assert.Equal(t, "uuid-x", handoffs[0].Target.SessionToken)

	// The client follows the redirect: it drops and reconnects to the relay.
	h.in.hangup(clientPeer)
	recv(t, h.out.drops)
	h.resolver.setMeta("meta-B")

	second := h.connect(t, 2, clientIP)
	assert.Equal(t, "198.51.100.7:17200", second.addr)
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Empty(t, h.engine.Handoffs())

	h.in.receive(2, textMessage(protocol.FamilyText, "requestedName|\nklv|fresh\nmeta|x\n"))
	rec := decodeText(t, recv(t, h.out.sent).data)
	assert.Equal(t, "meta-A", field(t, rec, "meta"))
	assert.Equal(t, "client-klv", field(t, rec, "klv"))

	sessions := h.engine.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].FromHandoff)
}

func TestHandoffIsPerClientIP(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, clientPeer, clientIP)
	h.out.receive(first.peer, callMessage(t, "OnSendToServer", 17200, 1, 2, "198.51.100.7|0|u", 0))
	recv(t, h.in.sent)

	other := h.connect(t, 2, "10.0.0.99")
	assert.Equal(t, "203.0.113.10:17198", other.addr)
	assert.Len(t, h.engine.Handoffs(), 1)
}

func TestLookupFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = errors.New("boom")

	failed := make(chan events.Event, 1)
	h.bus.Subscribe(events.EventLookupFailed, "test", func(ctx context.Context, e events.Event) error {
		failed <- e
		return nil
	})

	h.in.accept(clientPeer, clientIP)
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	requireNone(t, h.out.dials)

	ev := recv(t, failed)
	assert.Equal(t, "boom", ev.Payload.(events.LookupFailedPayload).Error)
}

func TestKick(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	sessions := h.engine.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "203.0.113.10:17198", sessions[0].Backend)

	require.NoError(t, h.engine.Kick(context.Background(), sessions[0].ID))
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	assert.Equal(t, d.peer, recv(t, h.out.drops))

	err := h.engine.Kick(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.connect(t, clientPeer, clientIP)

	st := h.engine.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Relaying)
	assert.Equal(t, 0, st.PendingHandoffs)
	assert.Equal(t, 1, st.ClientPeers)
	assert.Equal(t, 1, st.ServerPeers)
	assert.False(t, st.StartedAt.IsZero())
}

func waitNoSessions(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.Sessions()) == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestSendFailureClosesSession(t *testing.T) {
	t.Run("to server", func(t *testing.T) {
		h := newHarness(t)
		d := h.connect(t, clientPeer, clientIP)
		h.out.setSendErr(fmt.Errorf("write timeout: %w", network.ErrTransportFailure))

		// A quit whose send failed must not be acted on a second time.
		h.in.receive(clientPeer, textMessage(protocol.FamilyAction, "action|quit\n"))
		assert.Equal(t, d.peer, recv(t, h.out.drops))
		assert.Equal(t, clientPeer, recv(t, h.in.drops))
		waitNoSessions(t, h.engine)
		requireNone(t, h.out.sent)
	})
	t.Run("to client", func(t *testing.T) {
		h := newHarness(t)
		d := h.connect(t, clientPeer, clientIP)
		h.in.setSendErr(fmt.Errorf("write timeout: %w", network.ErrTransportFailure))

		h.out.receive(d.peer, textMessage(protocol.FamilyText, "action|log\nmsg|hi\n"))
		assert.Equal(t, clientPeer, recv(t, h.in.drops))
		assert.Equal(t, d.peer, recv(t, h.out.drops))
		waitNoSessions(t, h.engine)
	})
}

func TestSendToDepartedPeerKeepsSession(t *testing.T) {
	h := newHarness(t)
	d := h.connect(t, clientPeer, clientIP)

	// The host forgot the peer; its disconnect event decides the session.
	h.out.setSendErr(fmt.Errorf("send to peer: %w", network.ErrUnknownPeer))
	h.in.receive(clientPeer, textMessage(protocol.FamilyText, "action|input\n"))
	requireNone(t, h.in.drops)
	assert.Len(t, h.engine.Sessions(), 1)

	h.out.hangup(d.peer)
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	waitNoSessions(t, h.engine)
}

func TestBackendConnectErrorClosesSession(t *testing.T) {
	h := newHarness(t)
	h.out.setConnectErr(fmt.Errorf("host closed: %w", network.ErrTransportFailure))

	h.in.accept(clientPeer, clientIP)
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	waitNoSessions(t, h.engine)
	requireNone(t, h.out.dials)
	requireNone(t, h.out.drops)
}

func TestBackendDialFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.out.autoConnect = false

	h.in.accept(clientPeer, clientIP)
	d := recv(t, h.out.dials)
	h.in.receive(clientPeer, textMessage(protocol.FamilyText, "action|input\n"))
	require.Eventually(t, func() bool {
		sessions := h.engine.Sessions()
		return len(sessions) == 1 && sessions[0].State == StateConnectingBackend && sessions[0].Pending == 1
	}, waitTimeout, 5*time.Millisecond)

	h.out.fail(d.peer, fmt.Errorf("dial: %w", network.ErrTransportFailure))
	assert.Equal(t, clientPeer, recv(t, h.in.drops))
	waitNoSessions(t, h.engine)
	requireNone(t, h.out.sent)
	requireNone(t, h.out.drops)
}
