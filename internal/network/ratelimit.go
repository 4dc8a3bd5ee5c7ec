package network

import (
	"net"
	"sync"
	"time"
)

// rateTracker tracks per-IP connection counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

// allow records one attempt from ip. A non-positive limit disables checks.
func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// sweep drops buckets whose window has long expired.
func (rt *rateTracker) sweep() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cutoff := rt.now().Add(-time.Minute)
	for ip, b := range rt.counts {
		if b.windowStart.Before(cutoff) {
			delete(rt.counts, ip)
		}
	}
}

// ExtractIP returns the IP portion of a network address.
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
