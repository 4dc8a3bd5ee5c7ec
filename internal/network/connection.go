package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout = 10 * time.Second
	flushPoll    = 10 * time.Millisecond
)

// sendQueue is implemented by transports that buffer unacknowledged writes,
// such as *kcp.UDPSession.
type sendQueue interface {
	WaitSnd() int
}

// Connection wraps one framed reliable session to a peer.
type Connection struct {
	mu     sync.Mutex
	id     PeerID
	conn   net.Conn
	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time

	closed bool
}

// NewConnection wraps an established net.Conn under a peer handle.
func NewConnection(id PeerID, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("peer", uint64(id)).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the peer handle.
func (c *Connection) ID() PeerID {
	return c.id
}

// ReadMessage reads a single framed message. Blocks until one is available or
// the idle timeout elapses.
func (c *Connection) ReadMessage(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	data, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return data, nil
}

// WriteMessage sends a framed message.
func (c *Connection) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("peer %d: connection is closed: %w", c.id, ErrTransportFailure)
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(c.conn, data); err != nil {
		return fmt.Errorf("peer %d: %v: %w", c.id, err, ErrTransportFailure)
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection. Only the first call has an effect.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Dur("lifetime", time.Since(c.connectedAt)).Msg("connection closed")
	return c.conn.Close()
}

// Flush waits until the transport holds no unacknowledged writes or linger
// elapses. It reports whether the queue drained. Transports without a send
// queue are always flushed.
func (c *Connection) Flush(linger time.Duration) bool {
	q, ok := c.conn.(sendQueue)
	if !ok {
		return true
	}
	deadline := time.Now().Add(linger)
	for q.WaitSnd() > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(flushPoll)
	}
	return true
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks the live connections of a host.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[PeerID]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[PeerID]*Connection),
	}
}

// Register adds a connection, replacing and closing any previous holder of
// the same handle.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[conn.ID()]; ok && existing != conn {
		existing.Close()
	}

	r.conns[conn.ID()] = conn
	log.Trace().Uint64("peer", uint64(conn.ID())).Msg("connection registered")
}

// Remove takes a connection out of the registry without closing it.
func (r *ConnectionRegistry) Remove(id PeerID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return conn, ok
}

// Unregister removes and closes a connection.
func (r *ConnectionRegistry) Unregister(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.Close()
		delete(r.conns, id)
		log.Trace().Uint64("peer", uint64(id)).Msg("connection unregistered")
	}
}

// Get returns the connection for a handle.
func (r *ConnectionRegistry) Get(id PeerID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection. Reader goroutines observe the close and
// report the disconnects.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
}

// CleanStale closes connections inactive for longer than timeout.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for id, conn := range r.conns {
		if conn.LastActivity().Before(cutoff) {
			conn.Close()
			delete(r.conns, id)
			cleaned++
			log.Warn().
				Uint64("peer", uint64(id)).
				Time("last_activity", conn.LastActivity()).
				Msg("cleaned stale connection")
		}
	}

	return cleaned
}
