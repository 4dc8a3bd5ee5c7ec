package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/metrics"
	"github.com/relaygate-project/relaygate/internal/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRelay struct {
	sessions []relay.SessionInfo
	handoffs []relay.HandoffInfo
	kicked   []string
}

func (f *fakeRelay) Sessions() []relay.SessionInfo { return f.sessions }
func (f *fakeRelay) Handoffs() []relay.HandoffInfo { return f.handoffs }
func (f *fakeRelay) Stats() relay.Stats {
	return relay.Stats{Sessions: len(f.sessions), PendingHandoffs: len(f.handoffs), ClientPeers: len(f.sessions)}
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

type fakeResolver struct {
	backend *connector.Backend
	err     error
}

func (r *fakeResolver) Lookup(ctx context.Context) (*connector.Backend, error) {
	return r.backend, r.err
}

const upstreamBody = "server|213.179.209.168\nport|17198\ntype|1\nmeta|ni.1\nRTENDMARKERBS1001"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeRelay, *fakeResolver) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Relay.PublicHost = "relay.example"
	cfg.Relay.ListenPort = 17091
	cfg.API.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	backend, err := connector.ParseBackend([]byte(upstreamBody))
	require.NoError(t, err)

	view := &fakeRelay{
		sessions: []relay.SessionInfo{{ID: "s-1", State: relay.StateRelaying, CreatedAt: time.Now()}},
		handoffs: []relay.HandoffInfo{{ClientIP: "10.0.0.5", Target: relay.HandoffTarget{Host: "h", Port: 1}}},
	}
	resolver := &fakeResolver{backend: backend}
	return NewServer(cfg, view, resolver, metrics.New(), "test"), view, resolver
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(s, http.MethodGet, "/api/public/ping", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestServerDataPointsAtRelay(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(s, http.MethodPost, "/growtopia/server_data.php", "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t,
		"server|relay.example\nport|17091\ntype|1\nmeta|ni.1\nRTENDMARKERBS1001",
		w.Body.String())
}

func TestServerDataKeepsCarriageReturns(t *testing.T) {
	b := &connector.Backend{Raw: []byte("server|1.2.3.4\r\nport|1\r\nmeta|m\r\n")}
	out := rewriteServerData(b, "relay.example", 17091)
	assert.Equal(t, "server|relay.example\r\nport|17091\r\nmeta|m\r\n", string(out))
}

func TestServerDataLookupFailure(t *testing.T) {
	s, _, resolver := newTestServer(t, nil)
	resolver.err = connector.ErrLookupFailed
	w := do(s, http.MethodPost, "/growtopia/server_data.php", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSessionsAndHandoffs(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions struct {
		Sessions []map[string]interface{} `json:"sessions"`
		Total    int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Equal(t, 1, sessions.Total)
	assert.Equal(t, "relaying", sessions.Sessions[0]["state"])

	w = do(s, http.MethodGet, "/api/handoffs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"client_ip":"10.0.0.5"`)

	w = do(s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":1`)
	assert.Contains(t, w.Body.String(), `"client_peers":1`)
	assert.Contains(t, w.Body.String(), `"server_peers":0`)
}

func TestKickSession(t *testing.T) {
	s, view, _ := newTestServer(t, nil)

	w := do(s, http.MethodDelete, "/api/sessions/s-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s-1"}, view.kicked)

	w = do(s, http.MethodDelete, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminToken(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.API.AdminToken = "0123456789abcdef"
	})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/sessions", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/sessions", "0123456789abcdef").Code)

	// Public and bootstrap routes stay open.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/growtopia/server_data.php", "").Code)

	w := do(s, http.MethodGet, "/api/config", "0123456789abcdef")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "0123456789abcdef")
	assert.Contains(t, w.Body.String(), redacted)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	s, _, _ = newTestServer(t, func(cfg *config.Config) { cfg.API.MetricsEnabled = false })
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/metrics", "").Code)
}

func TestRateLimiter(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) { cfg.API.RateLimitRPS = 1 })

	// Burst is twice the rate.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/api/public/ping", "").Code)
}

func TestRateLimiterRefillsAndPrunes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))

	now = now.Add(bucketIdle + time.Second)
	assert.True(t, rl.allow("10.0.0.3"))
	assert.Len(t, rl.buckets, 1, "idle buckets are dropped")
}

func TestLogEntries(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"level":"info","component":"relay","time":"2024-01-01T00:00:00Z","message":"session closed","reason":"quit"}`,
		`{"level":"debug","time":"2024-01-01T00:00:01Z","message":"noise"}`,
		`not json`,
		`{"level":"warn","time":"2024-01-01T00:00:02Z","message":"lookup failed"}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaygate_2024-01-01.log"), []byte(strings.Join(lines, "\n")+"\n"), 0644))

	s, _, _ := newTestServer(t, func(cfg *config.Config) { cfg.Logging.Directory = dir })

	w := do(s, http.MethodGet, "/api/logs?count=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []logEntry `json:"entries"`
		Count   int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "not json", resp.Entries[0].Message)
	assert.Equal(t, "lookup failed", resp.Entries[1].Message)

	w = do(s, http.MethodGet, "/api/logs?level=info", "")
	var infoOnly struct {
		Entries []logEntry `json:"entries"`
		Count   int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infoOnly))
	require.Equal(t, 1, infoOnly.Count)
	assert.Equal(t, "relay", infoOnly.Entries[0].Component)
	assert.Equal(t, "quit", infoOnly.Entries[0].Fields["reason"])
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(s, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "endpoint not found")
}
