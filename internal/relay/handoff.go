package relay

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HandoffTarget is the backend a server hand-off points the client at.
type HandoffTarget struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        int64  `json:"token"`
	UserID       int64  `json:"user_id"`
	DoorID       string `json:"door_id"`
	SessionToken string `json:"session_token"`
}

// Addr returns host:port.
func (t HandoffTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// handoffEntry is a captured hand-off waiting for its client to reconnect,
// along with the session material the next session must reuse.
type handoffEntry struct {
	Target     HandoffTarget
	Meta       string
	KLV        string
	SessionID  string
	CapturedAt time.Time
	ExpiresAt  time.Time
}

// HandoffInfo is a read-only snapshot of a pending hand-off.
type HandoffInfo struct {
	ClientIP   string        `json:"client_ip"`
	SessionID  string        `json:"session_id"`
	Target     HandoffTarget `json:"target"`
	CapturedAt time.Time     `json:"captured_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// HandoffTable holds captured hand-offs keyed by client IP. A later capture
// for the same IP replaces the earlier one. Entries are consumed on use and
// expire after the TTL.
type HandoffTable struct {
	mu      sync.Mutex
	entries map[string]*handoffEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewHandoffTable creates a table whose entries live for ttl.
func NewHandoffTable(ttl time.Duration) *HandoffTable {
	return &HandoffTable{
		entries: make(map[string]*handoffEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put records a hand-off for clientIP.
func (t *HandoffTable) Put(clientIP string, e handoffEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e.CapturedAt = now
	e.ExpiresAt = now.Add(t.ttl)
	t.entries[clientIP] = &e
}

// Take removes and returns the live hand-off for clientIP.
func (t *HandoffTable) Take(clientIP string) (handoffEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[clientIP]
	if !ok {
		return handoffEntry{}, false
	}
	delete(t.entries, clientIP)

	if !t.now().Before(e.ExpiresAt) {
		return handoffEntry{}, false
	}
	return *e, true
}

// Sweep removes expired entries and returns their client IPs.
func (t *HandoffTable) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []string
	for ip, e := range t.entries {
		if !now.Before(e.ExpiresAt) {
			delete(t.entries, ip)
			expired = append(expired, ip)
		}
	}
	sort.Strings(expired)
	return expired
}

// Len returns the number of stored entries, expired or not.
func (t *HandoffTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// List returns the pending hand-offs ordered by capture time.
func (t *HandoffTable) List() []HandoffInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]HandoffInfo, 0, len(t.entries))
	for ip, e := range t.entries {
		out = append(out, HandoffInfo{
			ClientIP:   ip,
			SessionID:  e.SessionID,
			Target:     e.Target,
			CapturedAt: e.CapturedAt,
			ExpiresAt:  e.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out
}
