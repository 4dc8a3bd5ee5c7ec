// Package network implements the reliable-UDP transport the relay uses on
// both legs: an inbound host accepting game clients and an outbound host
// dialing the real backend. Hosts deliver connect, receive and disconnect
// notifications on a single event channel per host.
package network

import (
	"errors"
	"net"
)

// ErrTransportFailure wraps every dial, send and listen failure.
var ErrTransportFailure = errors.New("transport failure")

// ErrUnknownPeer is returned when a peer handle is not (or no longer)
// registered with the host.
var ErrUnknownPeer = errors.New("unknown peer")

// PeerID is an opaque connection handle, unique within a host for its
// lifetime. The zero value never identifies a peer.
type PeerID uint64

// EventType enumerates host notifications.
type EventType int

const (
	EventConnect EventType = iota + 1
	EventReceive
	EventDisconnect
)

// String returns the log name of an event type.
func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one notification from a host. Data is set for EventReceive. Err is
// set on EventDisconnect when the peer was lost to a transport error or a
// Connect attempt failed.
type Event struct {
	Type EventType
	Peer PeerID
	Addr net.Addr
	Data []byte
	Err  error
}

// Host is a reliable-datagram endpoint. Connect is asynchronous: it returns a
// handle immediately and later emits EventConnect or, on failure,
// EventDisconnect for that handle. All methods are safe for concurrent use.
type Host interface {
	Events() <-chan Event
	Connect(addr string) (PeerID, error)
	Send(peer PeerID, data []byte) error
	Disconnect(peer PeerID) error
	Close() error
}
