// Package relay pairs each client connection with a backend connection,
// rewrites the handful of messages that must change in flight, and follows
// the backend when it hands the client off to another server.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaygate-project/relaygate/internal/network"
)

// ErrIllegalTransition is returned when a session is asked to move to a state
// its current state cannot reach.
var ErrIllegalTransition = errors.New("illegal session state transition")

// State is a session's position in its lifecycle.
type State int

const (
	StateAwaitingClient State = iota
	StateResolvingBackend
	StateConnectingBackend
	StateRelaying
	StateClosed
)

var stateNames = map[State]string{
	StateAwaitingClient:    "awaiting_client",
	StateResolvingBackend:  "resolving_backend",
	StateConnectingBackend: "connecting_backend",
	StateRelaying:          "relaying",
	StateClosed:            "closed",
}

// String returns the string representation of State.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "relaying").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// transitions lists the states reachable from each state. Every live state
// may close.
var transitions = map[State][]State{
	StateAwaitingClient:    {StateResolvingBackend, StateClosed},
	StateResolvingBackend:  {StateConnectingBackend, StateClosed},
	StateConnectingBackend: {StateRelaying, StateClosed},
	StateRelaying:          {StateClosed},
	StateClosed:            nil,
}

// Session is the per-client relay state. It is owned by the engine loop.
type Session struct {
	ID         string
	ClientAddr string
	ClientIP   string

	InboundPeer  network.PeerID
	OutboundPeer network.PeerID

	State State

	// Meta is the lookup meta injected into the login record.
	Meta string
	// KLV is the first client-supplied handshake token seen in this session
	// or inherited through a hand-off.
	KLV string

	Backend     string
	FromHandoff bool

	CreatedAt  time.Time
	RelayingAt time.Time

	MessagesIn  uint64 // client to server
	MessagesOut uint64 // server to client

	pending     [][]byte
	closeReason string
}

func newSession(id string, peer network.PeerID, addr, ip string) *Session {
	return &Session{
		ID:          id,
		InboundPeer: peer,
		ClientAddr:  addr,
		ClientIP:    ip,
		State:       StateAwaitingClient,
		CreatedAt:   time.Now(),
	}
}

// transition moves the session to next if the lifecycle allows it.
func (s *Session) transition(next State) error {
	for _, allowed := range transitions[s.State] {
		if allowed == next {
			s.State = next
			if next == StateRelaying {
				s.RelayingAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("session %s: %s -> %s: %w", s.ID, s.State, next, ErrIllegalTransition)
}

// enqueue buffers a client message received before the backend leg is up.
// It reports false when the queue is full and the message was dropped.
func (s *Session) enqueue(msg []byte, limit int) bool {
	if len(s.pending) >= limit {
		return false
	}
	s.pending = append(s.pending, msg)
	return true
}

// drain returns and clears the buffered client messages.
func (s *Session) drain() [][]byte {
	out := s.pending
	s.pending = nil
	return out
}

// SessionInfo is a read-only snapshot of a session for the API and CLI.
type SessionInfo struct {
	ID          string    `json:"id"`
	ClientAddr  string    `json:"client_addr"`
	State       State     `json:"state"`
	Backend     string    `json:"backend,omitempty"`
	FromHandoff bool      `json:"from_handoff"`
	HasKLV      bool      `json:"has_klv"`
	Pending     int       `json:"pending"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
	CreatedAt   time.Time `json:"created_at"`
	Uptime      string    `json:"uptime"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		ClientAddr:  s.ClientAddr,
		State:       s.State,
		Backend:     s.Backend,
		FromHandoff: s.FromHandoff,
		HasKLV:      s.KLV != "",
		Pending:     len(s.pending),
		MessagesIn:  s.MessagesIn,
		MessagesOut: s.MessagesOut,
		CreatedAt:   s.CreatedAt,
		Uptime:      time.Since(s.CreatedAt).Truncate(time.Second).String(),
	}
}
