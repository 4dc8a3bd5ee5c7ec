package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xtaci/kcp-go/v5"
)

// Default host limits.
const (
	DefaultMaxPeers      = 1024
	DefaultMaxConnPerSec = 10
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultLinger        = time.Second
	defaultEventBuffer   = 256
	rateSweepInterval    = time.Minute
	kcpMTU               = 1400
	kcpSendWindow        = 256
	kcpRecvWindow        = 256
)

// HostConfig configures a KCPHost.
type HostConfig struct {
	// Name labels the host in logs ("inbound", "outbound").
	Name string

	// ListenAddr, when set, makes the host accept peers on this UDP address.
	ListenAddr string

	MaxPeers      int
	MaxConnPerSec int
	IdleTimeout   time.Duration

	// Linger bounds how long Disconnect waits for queued writes to be
	// acknowledged before closing the session.
	Linger time.Duration
}

// KCPHost is a Host backed by KCP sessions in stream mode with 4-byte length
// framing. One host can both accept and dial.
type KCPHost struct {
	cfg    HostConfig
	logger zerolog.Logger

	packetConn net.PacketConn
	listener   *kcp.Listener
	registry   *ConnectionRegistry
	limiter    *rateTracker

	events chan Event
	done   chan struct{}
	nextID atomic.Uint64
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewKCPHost creates a host. When cfg.ListenAddr is set it binds the UDP
// socket with SO_REUSEADDR and starts accepting immediately.
func NewKCPHost(ctx context.Context, cfg HostConfig) (*KCPHost, error) {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if cfg.Name == "" {
		cfg.Name = "host"
	}

	h := &KCPHost{
		cfg:      cfg,
		logger:   log.With().Str("component", "kcp_host").Str("host", cfg.Name).Logger(),
		registry: NewConnectionRegistry(),
		limiter:  newRateTracker(cfg.MaxConnPerSec),
		events:   make(chan Event, defaultEventBuffer),
		done:     make(chan struct{}),
	}

	if cfg.ListenAddr != "" {
		lc := ReuseAddrListenConfig()
		pc, err := lc.ListenPacket(ctx, "udp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %v: %w", cfg.ListenAddr, err, ErrTransportFailure)
		}

		ln, err := kcp.ServeConn(nil, 0, 0, pc)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("serve kcp on %s: %v: %w", cfg.ListenAddr, err, ErrTransportFailure)
		}
		h.packetConn = pc
		h.listener = ln

		h.wg.Add(2)
		go h.acceptLoop()
		go h.sweepLoop()

		h.logger.Info().Str("addr", ln.Addr().String()).Int("max_peers", cfg.MaxPeers).Msg("host listening")
	}

	return h, nil
}

// Addr returns the bound listen address, or nil for a dial-only host.
func (h *KCPHost) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Events implements Host.
func (h *KCPHost) Events() <-chan Event {
	return h.events
}

// PeerCount returns the number of live peers.
func (h *KCPHost) PeerCount() int {
	return h.registry.Count()
}

// Connect implements Host. The dial runs in the background.
func (h *KCPHost) Connect(addr string) (PeerID, error) {
	select {
	case <-h.done:
		return 0, fmt.Errorf("host %s is closed: %w", h.cfg.Name, ErrTransportFailure)
	default:
	}

	id := PeerID(h.nextID.Add(1))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			h.logger.Warn().Err(err).Str("addr", addr).Msg("dial failed")
			h.emit(Event{Type: EventDisconnect, Peer: id, Err: fmt.Errorf("dial %s: %v: %w", addr, err, ErrTransportFailure)})
			return
		}
		tuneKCP(sess)

		h.serve(NewConnection(id, sess))
	}()

	return id, nil
}

// Send implements Host.
func (h *KCPHost) Send(peer PeerID, data []byte) error {
	conn, ok := h.registry.Get(peer)
	if !ok {
		return fmt.Errorf("send to peer %d: %w", peer, ErrUnknownPeer)
	}
	return conn.WriteMessage(data)
}

// Disconnect implements Host. The peer stops accepting sends at once; its
// queued writes get up to cfg.Linger to be acknowledged before the session
// closes, so a final message such as a quit still reaches the peer. The
// EventDisconnect follows asynchronously.
func (h *KCPHost) Disconnect(peer PeerID) error {
	conn, ok := h.registry.Remove(peer)
	if !ok {
		return fmt.Errorf("disconnect peer %d: %w", peer, ErrUnknownPeer)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if !conn.Flush(h.cfg.Linger) {
			h.logger.Debug().Uint64("peer", uint64(peer)).Dur("linger", h.cfg.Linger).Msg("closing with unacknowledged writes")
		}
		conn.Close()
	}()
	return nil
}

// Close stops accepting, closes every peer and waits for the background
// goroutines. The event channel is closed last.
func (h *KCPHost) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if h.listener != nil {
			err = h.listener.Close()
			// ServeConn does not own the socket.
			h.packetConn.Close()
		}
		h.registry.CloseAll()
		h.wg.Wait()
		close(h.events)
		h.logger.Info().Msg("host closed")
	})
	return err
}

func (h *KCPHost) acceptLoop() {
	defer h.wg.Done()

	for {
		sess, err := h.listener.AcceptKCP()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			h.logger.Debug().Err(err).Msg("accept error")
			continue
		}

		srcIP := ExtractIP(sess.RemoteAddr())

		if !h.limiter.allow(srcIP) {
			h.logger.Warn().Str("src", srcIP).Msg("connect rate limit exceeded, dropping peer")
			sess.Close()
			continue
		}

		if h.registry.Count() >= h.cfg.MaxPeers {
			h.logger.Warn().Str("src", srcIP).Int("max_peers", h.cfg.MaxPeers).Msg("peer limit reached, dropping")
			sess.Close()
			continue
		}

		tuneKCP(sess)
		conn := NewConnection(PeerID(h.nextID.Add(1)), sess)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serve(conn)
		}()
	}
}

// serve registers conn, announces it and pumps its messages until it fails
// or is closed, then announces the disconnect exactly once.
func (h *KCPHost) serve(conn *Connection) {
	h.registry.Register(conn)
	select {
	case <-h.done:
		h.registry.Unregister(conn.ID())
		return
	default:
	}
	h.emit(Event{Type: EventConnect, Peer: conn.ID(), Addr: conn.RemoteAddr()})

	var cause error
	for {
		data, err := conn.ReadMessage(h.cfg.IdleTimeout)
		if err != nil {
			if !conn.IsClosed() {
				cause = fmt.Errorf("peer %d read: %v: %w", conn.ID(), err, ErrTransportFailure)
			}
			break
		}
		h.emit(Event{Type: EventReceive, Peer: conn.ID(), Addr: conn.RemoteAddr(), Data: data})
	}

	h.registry.Unregister(conn.ID())
	h.emit(Event{Type: EventDisconnect, Peer: conn.ID(), Addr: conn.RemoteAddr(), Err: cause})
}

func (h *KCPHost) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *KCPHost) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.limiter.sweep()
			if n := h.registry.CleanStale(h.cfg.IdleTimeout); n > 0 {
				h.logger.Info().Int("count", n).Msg("closed idle peers")
			}
		}
	}
}

// tuneKCP sets low-latency parameters suited to interactive game traffic.
//
// nodelay=1, interval=10ms, resend=2, nc=1
func tuneKCP(sess *kcp.UDPSession) {
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetMtu(kcpMTU)
	sess.SetWindowSize(kcpSendWindow, kcpRecvWindow)
	sess.SetACKNoDelay(true)
	sess.SetStreamMode(true)
}

var _ Host = (*KCPHost)(nil)
