package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/network"
	"github.com/relaygate-project/relaygate/internal/protocol"
)

type sentMsg struct {
	peer network.PeerID
	data []byte
}

type dialed struct {
	peer network.PeerID
	addr string
}

// fakeHost is an in-memory network.Host. Tests inject events through events
// and observe the engine's calls on the sent, dials and drops channels.
type fakeHost struct {
	mu          sync.Mutex
	events      chan network.Event
	nextPeer    network.PeerID
	peers       map[network.PeerID]bool
	autoConnect bool

	// sendErr and connectErr, when set, are returned by Send and Connect.
	sendErr    error
	connectErr error

	sent  chan sentMsg
	dials chan dialed
	drops chan network.PeerID
}

func newFakeHost(firstPeer network.PeerID) *fakeHost {
	return &fakeHost{
		events:   make(chan network.Event, 64),
		nextPeer: firstPeer,
		peers:    make(map[network.PeerID]bool),
		sent:     make(chan sentMsg, 64),
		dials:    make(chan dialed, 16),
		drops:    make(chan network.PeerID, 16),
	}
}

func (h *fakeHost) Events() <-chan network.Event { return h.events }

func (h *fakeHost) Connect(addr string) (network.PeerID, error) {
	h.mu.Lock()
	if h.connectErr != nil {
		err := h.connectErr
		h.mu.Unlock()
		return 0, err
	}
	peer := h.nextPeer
	h.nextPeer++
	h.peers[peer] = true
	auto := h.autoConnect
	h.mu.Unlock()

	h.dials <- dialed{peer: peer, addr: addr}
	if auto {
		h.events <- network.Event{Type: network.EventConnect, Peer: peer}
	}
	return peer, nil
}

func (h *fakeHost) Send(peer network.PeerID, data []byte) error {
	h.mu.Lock()
	ok := h.peers[peer]
	sendErr := h.sendErr
	h.mu.Unlock()
	if !ok {
		return network.ErrUnknownPeer
	}
	if sendErr != nil {
		return sendErr
	}
	h.sent <- sentMsg{peer: peer, data: append([]byte(nil), data...)}
	return nil
}

func (h *fakeHost) Disconnect(peer network.PeerID) error {
	h.mu.Lock()
	ok := h.peers[peer]
	delete(h.peers, peer)
	h.mu.Unlock()
	if !ok {
		return network.ErrUnknownPeer
	}
	h.drops <- peer
	h.events <- network.Event{Type: network.EventDisconnect, Peer: peer}
	return nil
}

func (h *fakeHost) Close() error { return nil }

func (h *fakeHost) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *fakeHost) setSendErr(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

func (h *fakeHost) setConnectErr(err error) {
	h.mu.Lock()
	h.connectErr = err
	h.mu.Unlock()
}

// accept simulates a client connecting from ip.
func (h *fakeHost) accept(peer network.PeerID, ip string) {
	h.mu.Lock()
	h.peers[peer] = true
	h.mu.Unlock()
	h.events <- network.Event{
		Type: network.EventConnect,
		Peer: peer,
		Addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: 50000 + int(peer)},
	}
}

// receive simulates a message arriving from peer.
func (h *fakeHost) receive(peer network.PeerID, data []byte) {
	h.events <- network.Event{Type: network.EventReceive, Peer: peer, Data: data}
}

// hangup simulates peer going away on its own.
func (h *fakeHost) hangup(peer network.PeerID) {
	h.mu.Lock()
	delete(h.peers, peer)
	h.mu.Unlock()
	h.events <- network.Event{Type: network.EventDisconnect, Peer: peer}
}

// fail simulates a dial or transport failure reported for peer.
func (h *fakeHost) fail(peer network.PeerID, err error) {
	h.mu.Lock()
	delete(h.peers, peer)
	h.mu.Unlock()
	h.events <- network.Event{Type: network.EventDisconnect, Peer: peer, Err: err}
}

// fakeResolver returns a fixed backend and counts calls.
type fakeResolver struct {
	mu      sync.Mutex
	backend *connector.Backend
	err     error
	calls   atomic.Int32
}

func (r *fakeResolver) Lookup(ctx context.Context) (*connector.Backend, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	b := *r.backend
	return &b, nil
}

func (r *fakeResolver) setMeta(meta string) {
	r.mu.Lock()
	r.backend.Meta = meta
	r.mu.Unlock()
}

const waitTimeout = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		t.Fatalf("timed out waiting on channel")
		return zero
	}
}

func requireNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func textMessage(f protocol.Family, text string) []byte {
	return protocol.NewPacketBuilder().WriteBytes([]byte(text)).BuildWithFamily(f)
}

func callMessage(t *testing.T, name string, args ...any) []byte {
	t.Helper()
	msg, err := protocol.EncodeCall(protocol.DefaultCallOptions(), name, args...)
	require.NoError(t, err)
	return msg
}

func tankMessage(tt protocol.TankType) []byte {
	return (&protocol.TankPacket{Type: tt}).EncodeMessage()
}

func decodeText(t *testing.T, msg []byte) *protocol.Record {
	t.Helper()
	env, err := protocol.Classify(msg)
	require.NoError(t, err)
	rec, err := env.Record()
	require.NoError(t, err)
	return rec
}

func field(t *testing.T, rec *protocol.Record, key string) string {
	t.Helper()
	v, ok := rec.Get(key)
	require.True(t, ok, "missing field %q in %s", key, rec)
	return v
}
