package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/metrics"
	"github.com/relaygate-project/relaygate/internal/network"
	"github.com/relaygate-project/relaygate/internal/protocol"
	"github.com/relaygate-project/relaygate/internal/util"
)

// ErrSessionNotFound is returned by Kick for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Config holds the engine's tunables.
type Config struct {
	// PublicHost and ListenPort are what rewritten hand-offs point at.
	PublicHost string
	ListenPort int

	Country       string
	ConsolePrefix string

	PendingQueueSize int
	LookupTimeout    time.Duration
	HandoffTTL       time.Duration
	SweepInterval    time.Duration

	DumpPackets bool
}

func (c *Config) setDefaults() {
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = 64
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	if c.HandoffTTL <= 0 {
		c.HandoffTTL = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
}

type lookupResult struct {
	sessionID string
	backend   *connector.Backend
	err       error
}

// Stats is a summary of the engine's state.
type Stats struct {
	Sessions        int       `json:"sessions"`
	Relaying        int       `json:"relaying"`
	PendingHandoffs int       `json:"pending_handoffs"`
	// ClientPeers and ServerPeers are the live connections on each host,
	// when the host reports them.
	ClientPeers int       `json:"client_peers"`
	ServerPeers int       `json:"server_peers"`
	StartedAt   time.Time `json:"started_at"`
}

// peerCounter is implemented by hosts that track their live peers.
type peerCounter interface {
	PeerCount() int
}

func peerCount(h network.Host) int {
	if pc, ok := h.(peerCounter); ok {
		return pc.PeerCount()
	}
	return 0
}

// Engine runs the relay. All session state is owned by the goroutine in Run;
// the mutex only lets snapshot readers observe it.
type Engine struct {
	cfg      Config
	inbound  network.Host
	outbound network.Host
	resolver connector.Resolver
	handoffs *HandoffTable
	bus      *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	byInbound  map[network.PeerID]*Session
	byOutbound map[network.PeerID]*Session
	startedAt  time.Time

	ctx     context.Context
	lookups chan lookupResult
	kicks   chan string
}

// NewEngine creates an engine. bus and m may be nil.
func NewEngine(cfg Config, inbound, outbound network.Host, resolver connector.Resolver, bus *events.EventBus, m *metrics.Metrics) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:        cfg,
		inbound:    inbound,
		outbound:   outbound,
		resolver:   resolver,
		handoffs:   NewHandoffTable(cfg.HandoffTTL),
		bus:        bus,
		metrics:    m,
		logger:     util.ComponentLogger("relay"),
		sessions:   make(map[string]*Session),
		byInbound:  make(map[network.PeerID]*Session),
		byOutbound: make(map[network.PeerID]*Session),
		lookups:    make(chan lookupResult, 16),
		kicks:      make(chan string, 16),
	}
}

// Run processes host events until ctx is cancelled, then closes every
// session. Events are handled one at a time.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	inEvents := e.inbound.Events()
	outEvents := e.outbound.Events()

	e.logger.Info().
		Str("public_host", e.cfg.PublicHost).
		Int("listen_port", e.cfg.ListenPort).
		Msg("relay engine started")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case ev, ok := <-inEvents:
			if !ok {
				inEvents = nil
				continue
			}
			e.locked(func() { e.handleInbound(ev) })

		case ev, ok := <-outEvents:
			if !ok {
				outEvents = nil
				continue
			}
			e.locked(func() { e.handleOutbound(ev) })

		case res := <-e.lookups:
			e.locked(func() { e.handleLookup(res) })

		case id := <-e.kicks:
			e.locked(func() {
				if s, ok := e.sessions[id]; ok {
					e.closeSession(s, metrics.ReasonKicked)
				}
			})

		case <-sweep.C:
			e.sweepHandoffs()
		}
	}
}

func (e *Engine) locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sessions {
		e.closeSession(s, metrics.ReasonShutdown)
	}
	e.logger.Info().Msg("relay engine stopped")
}

// --- inbound leg (client side) ---

func (e *Engine) handleInbound(ev network.Event) {
	switch ev.Type {
	case network.EventConnect:
		e.openSession(ev)

	case network.EventReceive:
		s, ok := e.byInbound[ev.Peer]
		if !ok {
			e.metrics.Dropped("no_session")
			return
		}
		s.MessagesIn++
		if s.State != StateRelaying {
			if !s.enqueue(ev.Data, e.cfg.PendingQueueSize) {
				e.metrics.Dropped("queue_full")
				e.logger.Warn().Str("session", s.ID).Msg("pending queue full, dropping client message")
			}
			return
		}
		e.fromClient(s, ev.Data)

	case network.EventDisconnect:
		if s, ok := e.byInbound[ev.Peer]; ok {
			delete(e.byInbound, ev.Peer)
			e.closeSession(s, metrics.ReasonClientLeft)
		}
	}
}

func (e *Engine) openSession(ev network.Event) {
	addr := ""
	if ev.Addr != nil {
		addr = ev.Addr.String()
	}
	s := newSession(uuid.NewString(), ev.Peer, addr, network.ExtractIP(ev.Addr))
	e.sessions[s.ID] = s
	e.byInbound[ev.Peer] = s
	e.metrics.SessionOpened()

	e.logger.Info().
		Str("session", s.ID).
		Str("client", s.ClientAddr).
		Msg("client connected")
	e.emit(events.EventSessionOpened, e.sessionPayload(s, ""))

	if err := s.transition(StateResolvingBackend); err != nil {
		e.logger.Error().Err(err).Msg("session transition failed")
		e.closeSession(s, metrics.ReasonTransportError)
		return
	}
	e.resolve(s)
}

// resolve picks the backend: a pending hand-off for this client wins over a
// fresh lookup.
func (e *Engine) resolve(s *Session) {
	if entry, ok := e.handoffs.Take(s.ClientIP); ok {
		s.Meta = entry.Meta
		s.KLV = entry.KLV
		s.FromHandoff = true
		e.metrics.Handoff("consumed", e.handoffs.Len())
		e.emit(events.EventHandoffConsumed, events.HandoffPayload{
			ClientIP:  s.ClientIP,
			SessionID: s.ID,
			Host:      entry.Target.Host,
			Port:      entry.Target.Port,
			DoorID:    entry.Target.DoorID,
		})
		e.logger.Info().
			Str("session", s.ID).
			Str("target", entry.Target.Addr()).
			Str("door", entry.Target.DoorID).
			Msg("following hand-off")
		e.connectBackend(s, entry.Target.Addr())
		return
	}

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	id := s.ID
	go func() {
		lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		defer cancel()

		backend, err := e.resolver.Lookup(lctx)
		select {
		case e.lookups <- lookupResult{sessionID: id, backend: backend, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleLookup(res lookupResult) {
	s, ok := e.sessions[res.sessionID]
	if !ok || s.State != StateResolvingBackend {
		return
	}

	if res.err != nil {
		e.logger.Warn().Err(res.err).Str("session", s.ID).Msg("backend lookup failed")
		e.emit(events.EventLookupFailed, events.LookupFailedPayload{SessionID: s.ID, Error: res.err.Error()})
		e.closeSession(s, metrics.ReasonLookupFailed)
		return
	}

	s.Meta = res.backend.Meta
	e.connectBackend(s, res.backend.Addr())
}

func (e *Engine) connectBackend(s *Session, addr string) {
	if err := s.transition(StateConnectingBackend); err != nil {
		e.logger.Error().Err(err).Msg("session transition failed")
		e.closeSession(s, metrics.ReasonTransportError)
		return
	}
	s.Backend = addr

	peer, err := e.outbound.Connect(addr)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", s.ID).Str("backend", addr).Msg("backend connect failed")
		e.closeSession(s, metrics.ReasonConnectFailed)
		return
	}
	s.OutboundPeer = peer
	e.byOutbound[peer] = s
}

// --- outbound leg (server side) ---

func (e *Engine) handleOutbound(ev network.Event) {
	s, ok := e.byOutbound[ev.Peer]
	if !ok {
		if ev.Type == network.EventConnect {
			// The session went away while dialing.
			_ = e.outbound.Disconnect(ev.Peer)
		}
		return
	}

	switch ev.Type {
	case network.EventConnect:
		if err := s.transition(StateRelaying); err != nil {
			e.logger.Error().Err(err).Msg("session transition failed")
			e.closeSession(s, metrics.ReasonTransportError)
			return
		}
		e.logger.Info().
			Str("session", s.ID).
			Str("backend", s.Backend).
			Bool("handoff", s.FromHandoff).
			Msg("relaying")
		e.emit(events.EventSessionRelaying, e.sessionPayload(s, ""))

		for _, msg := range s.drain() {
			if s.State != StateRelaying {
				break
			}
			e.fromClient(s, msg)
		}

	case network.EventReceive:
		if s.State != StateRelaying {
			e.metrics.Dropped("not_relaying")
			return
		}
		s.MessagesOut++
		e.fromServer(s, ev.Data)

	case network.EventDisconnect:
		delete(e.byOutbound, ev.Peer)
		reason := metrics.ReasonServerLeft
		if s.State == StateConnectingBackend {
			reason = metrics.ReasonConnectFailed
		}
		if ev.Err != nil {
			e.logger.Debug().Err(ev.Err).Str("session", s.ID).Msg("backend leg lost")
		}
		e.closeSession(s, reason)
	}
}

// --- message handling ---

// fromClient handles one client message on a relaying session.
func (e *Engine) fromClient(s *Session, data []byte) {
	e.dump(s, metrics.DirClientToServer, data)

	env, err := protocol.Classify(data)
	if err != nil {
		e.metrics.DecodeError(metrics.DirClientToServer)
		e.metrics.Dropped("malformed")
		e.logger.Debug().Err(err).Str("session", s.ID).Msg("dropping unclassifiable client message")
		return
	}

	switch env.Family {
	case protocol.FamilyAction:
		if e.forwardToServer(s, env.Family, data) && e.isQuit(env, metrics.DirClientToServer) {
			e.closeSession(s, metrics.ReasonQuit)
		}

	case protocol.FamilyText:
		e.forwardToServer(s, env.Family, e.rewriteClientText(s, env))

	case protocol.FamilyBinary:
		if env.SubType == protocol.TankDisconnect {
			e.closeSession(s, metrics.ReasonDisconnect)
			return
		}
		e.forwardToServer(s, env.Family, data)

	default:
		e.forwardToServer(s, env.Family, data)
	}
}

// fromServer handles one server message on a relaying session.
func (e *Engine) fromServer(s *Session, data []byte) {
	e.dump(s, metrics.DirServerToClient, data)

	env, err := protocol.Classify(data)
	if err != nil {
		e.metrics.DecodeError(metrics.DirServerToClient)
		e.metrics.Dropped("malformed")
		e.logger.Debug().Err(err).Str("session", s.ID).Msg("dropping unclassifiable server message")
		return
	}

	switch env.Family {
	case protocol.FamilyAction:
		if e.forwardToClient(s, env.Family, data) && e.isQuit(env, metrics.DirServerToClient) {
			e.closeSession(s, metrics.ReasonQuit)
		}

	case protocol.FamilyBinary:
		switch env.SubType {
		case protocol.TankDisconnect:
			e.closeSession(s, metrics.ReasonDisconnect)
		case protocol.TankCallFunction:
			e.forwardToClient(s, env.Family, e.rewriteCall(s, data))
		default:
			e.forwardToClient(s, env.Family, data)
		}

	default:
		e.forwardToClient(s, env.Family, data)
	}
}

func (e *Engine) isQuit(env protocol.Envelope, dir string) bool {
	rec, err := env.Record()
	if err != nil {
		e.metrics.DecodeError(dir)
		return false
	}
	action, _ := rec.Get("action")
	return protocol.CleanValue(action) == "quit"
}

// rewriteClientText applies the login rewrite. Anything that is not a login
// record, or does not decode, goes out unchanged.
func (e *Engine) rewriteClientText(s *Session, env protocol.Envelope) []byte {
	rec, err := env.Record()
	if err != nil {
		e.metrics.DecodeError(metrics.DirClientToServer)
		e.logger.Debug().Err(err).Str("session", s.ID).Msg("client text did not decode, forwarding raw")
		return env.Raw
	}
	if !rec.Has("requestedName") {
		return env.Raw
	}

	computed := loginRewrite(rec, s, e.cfg.Country)
	e.metrics.Rewrite(ruleLogin)
	e.logger.Debug().
		Str("session", s.ID).
		Str("klv", s.KLV).
		Str("computed_klv", computed).
		Msg("login rewritten")
	return protocol.BuildTextMessage(protocol.FamilyText, rec)
}

// rewriteCall applies the server call rewrites. A call that does not decode
// goes out unchanged.
func (e *Engine) rewriteCall(s *Session, data []byte) []byte {
	list, tank, err := protocol.DecodeCall(data)
	if err != nil {
		e.metrics.DecodeError(metrics.DirServerToClient)
		e.logger.Debug().Err(err).Str("session", s.ID).Msg("call did not decode, forwarding raw")
		return data
	}

	opts := protocol.CallOptions{NetID: tank.NetID, Delay: tank.Value}
	var rule string

	switch list.Name() {
	case callConsoleMessage:
		err = consoleRewrite(list, e.cfg.ConsolePrefix)
		rule = ruleConsole

	case callSpawn:
		err = spawnRewrite(list)
		opts.Delay = -1
		rule = ruleSpawn

	case callSendToServer:
		var target HandoffTarget
		target, err = parseSendToServer(list)
		if err == nil {
			e.captureHandoff(s, target)
			sendToServerRewrite(list, target, e.cfg.PublicHost, e.cfg.ListenPort)
		}
		rule = ruleSendToServer

	default:
		return data
	}

	if err != nil {
		e.metrics.DecodeError(metrics.DirServerToClient)
		e.logger.Debug().Err(err).Str("session", s.ID).Str("call", list.Name()).Msg("call rewrite skipped")
		return data
	}

	out, err := protocol.EncodeCallList(opts, list)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", s.ID).Str("call", list.Name()).Msg("call re-encode failed, forwarding raw")
		return data
	}
	e.metrics.Rewrite(rule)
	return out
}

func (e *Engine) captureHandoff(s *Session, target HandoffTarget) {
	e.handoffs.Put(s.ClientIP, handoffEntry{
		Target:    target,
		Meta:      s.Meta,
		KLV:       s.KLV,
		SessionID: s.ID,
	})
	e.metrics.Handoff("captured", e.handoffs.Len())
	e.emit(events.EventHandoffCaptured, events.HandoffPayload{
		ClientIP:  s.ClientIP,
		SessionID: s.ID,
		Host:      target.Host,
		Port:      target.Port,
		DoorID:    target.DoorID,
	})
	e.logger.Info().
		Str("session", s.ID).
		Str("target", target.Addr()).
		Str("door", target.DoorID).
		Msg("hand-off captured")
}

func (e *Engine) sweepHandoffs() {
	for _, ip := range e.handoffs.Sweep() {
		e.metrics.Handoff("expired", e.handoffs.Len())
		e.emit(events.EventHandoffExpired, events.HandoffPayload{ClientIP: ip})
		e.logger.Debug().Str("client_ip", ip).Msg("hand-off expired")
	}
}

// forwardToServer sends data on the backend leg. It reports false when the
// send failed and the session was closed.
func (e *Engine) forwardToServer(s *Session, f protocol.Family, data []byte) bool {
	if err := e.outbound.Send(s.OutboundPeer, data); err != nil {
		return e.sendFailed(s, metrics.DirClientToServer, err)
	}
	e.metrics.MessageForwarded(metrics.DirClientToServer, f.String(), len(data))
	return true
}

// forwardToClient is forwardToServer for the client leg.
func (e *Engine) forwardToClient(s *Session, f protocol.Family, data []byte) bool {
	if err := e.inbound.Send(s.InboundPeer, data); err != nil {
		return e.sendFailed(s, metrics.DirServerToClient, err)
	}
	e.metrics.MessageForwarded(metrics.DirServerToClient, f.String(), len(data))
	return true
}

// sendFailed drops the message. A peer the host no longer knows is already
// on its way out and its EventDisconnect closes the session; any other
// failure closes it now.
func (e *Engine) sendFailed(s *Session, dir string, err error) bool {
	e.metrics.Dropped("send_failed")
	if errors.Is(err, network.ErrUnknownPeer) {
		e.logger.Debug().Err(err).Str("session", s.ID).Str("dir", dir).Msg("send to departed peer")
		return true
	}
	e.logger.Warn().Err(err).Str("session", s.ID).Str("dir", dir).Msg("send failed, closing session")
	e.closeSession(s, metrics.ReasonTransportError)
	return false
}

func (e *Engine) dump(s *Session, dir string, data []byte) {
	if !e.cfg.DumpPackets {
		return
	}
	ev := e.logger.Trace()
	if !ev.Enabled() {
		return
	}
	ev.Str("session", s.ID).
		Str("dir", dir).
		Int("len", len(data)).
		Str("hex", util.HexDump(data)).
		Msg("packet")
}

// closeSession tears down both legs and forgets the session. Closing a
// closed session is a no-op.
func (e *Engine) closeSession(s *Session, reason string) {
	if s.State == StateClosed {
		return
	}
	if err := s.transition(StateClosed); err != nil {
		e.logger.Error().Err(err).Msg("session transition failed")
		return
	}
	s.closeReason = reason
	s.pending = nil

	if _, ok := e.byInbound[s.InboundPeer]; ok {
		delete(e.byInbound, s.InboundPeer)
		if err := e.inbound.Disconnect(s.InboundPeer); err != nil && !errors.Is(err, network.ErrUnknownPeer) {
			e.logger.Debug().Err(err).Str("session", s.ID).Msg("client disconnect failed")
		}
	}
	if _, ok := e.byOutbound[s.OutboundPeer]; ok {
		delete(e.byOutbound, s.OutboundPeer)
		if err := e.outbound.Disconnect(s.OutboundPeer); err != nil && !errors.Is(err, network.ErrUnknownPeer) {
			e.logger.Debug().Err(err).Str("session", s.ID).Msg("server disconnect failed")
		}
	}
	delete(e.sessions, s.ID)

	lifetime := time.Since(s.CreatedAt)
	e.metrics.SessionClosed(reason, lifetime)
	e.emit(events.EventSessionClosed, e.sessionPayload(s, reason))
	e.logger.Info().
		Str("session", s.ID).
		Str("reason", reason).
		Dur("lifetime", lifetime).
		Msg("session closed")
}

func (e *Engine) sessionPayload(s *Session, reason string) events.SessionPayload {
	return events.SessionPayload{
		SessionID:  s.ID,
		ClientAddr: s.ClientAddr,
		Backend:    s.Backend,
		State:      s.State.String(),
		Reason:     reason,
		Handoff:    s.FromHandoff,
	}
}

func (e *Engine) emit(t events.EventType, payload interface{}) {
	e.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "relay",
		Payload: payload,
	})
}

// --- snapshots and control, safe from any goroutine ---

// Sessions returns a snapshot of the live sessions, oldest first.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Handoffs returns the pending hand-offs.
func (e *Engine) Handoffs() []HandoffInfo {
	return e.handoffs.List()
}

// Stats returns a summary of the engine's state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{
		Sessions:        len(e.sessions),
		PendingHandoffs: e.handoffs.Len(),
		ClientPeers:     peerCount(e.inbound),
		ServerPeers:     peerCount(e.outbound),
		StartedAt:       e.startedAt,
	}
	for _, s := range e.sessions {
		if s.State == StateRelaying {
			st.Relaying++
		}
	}
	return st
}

// Kick closes a session by id. The close happens on the engine goroutine.
func (e *Engine) Kick(ctx context.Context, id string) error {
	e.mu.RLock()
	_, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}

	select {
	case e.kicks <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
