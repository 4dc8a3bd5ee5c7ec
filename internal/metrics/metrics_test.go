package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil || m.Registry == nil {
		t.Fatal("New() returned an incomplete Metrics")
	}

	m.SessionOpened()
	m.SessionClosed(ReasonQuit, time.Second)
	m.MessageForwarded(DirClientToServer, "text", 42)
	m.Rewrite("on_spawn")
	m.DecodeError(DirServerToClient)
	m.Dropped("short")
	m.ObserveLookup(10*time.Millisecond, nil)
	m.Handoff("captured", 1)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"relaygate_sessions_closed_total",
		"relaygate_active_sessions",
		"relaygate_session_duration_seconds",
		"relaygate_messages_total",
		"relaygate_bytes_total",
		"relaygate_rewrites_total",
		"relaygate_decode_errors_total",
		"relaygate_dropped_messages_total",
		"relaygate_lookup_duration_seconds",
		"relaygate_handoffs_total",
		"relaygate_pending_handoffs",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestSessionGauge(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	if g := getScalarGauge(t, m.activeSessions); g != 2 {
		t.Errorf("active_sessions = %v, want 2", g)
	}

	m.SessionClosed(ReasonClientLeft, 3*time.Second)
	if g := getScalarGauge(t, m.activeSessions); g != 1 {
		t.Errorf("active_sessions = %v, want 1", g)
	}
	if c := getCounter(t, m.sessionsTotal, ReasonClientLeft); c != 1 {
		t.Errorf("sessions_closed_total{client_left} = %v, want 1", c)
	}
}

func TestMessageCounters(t *testing.T) {
	m := New()
	m.MessageForwarded(DirServerToClient, "binary", 100)
	m.MessageForwarded(DirServerToClient, "binary", 50)

	if c := getCounter(t, m.messagesTotal, DirServerToClient, "binary"); c != 2 {
		t.Errorf("messages_total = %v, want 2", c)
	}
	if c := getCounter(t, m.bytesTotal, DirServerToClient); c != 150 {
		t.Errorf("bytes_total = %v, want 150", c)
	}
}

func TestObserveLookupResultLabel(t *testing.T) {
	m := New()
	m.ObserveLookup(time.Millisecond, errors.New("boom"))

	h := &dto.Metric{}
	obs, err := m.lookupDuration.GetMetricWithLabelValues("error")
	if err != nil {
		t.Fatalf("get histogram: %v", err)
	}
	if err := obs.(prometheus.Histogram).Write(h); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if n := h.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("lookup error samples = %d, want 1", n)
	}
}

func TestNilReceiver(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed(ReasonShutdown, time.Second)
	m.MessageForwarded(DirClientToServer, "text", 1)
	m.Rewrite("x")
	m.DecodeError(DirClientToServer)
	m.Dropped("x")
	m.ObserveLookup(time.Second, nil)
	m.Handoff("captured", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.Rewrite("on_console_message")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `relaygate_rewrites_total{rule="on_console_message"} 1`) {
		t.Errorf("exposition missing rewrite counter:\n%s", rec.Body.String())
	}
}

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getScalarGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
