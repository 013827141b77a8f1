package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EnvelopeSent("send_message")
	m.EnvelopeDropped()
	m.SetConnected(true)
	m.SetSessions(1, 2)
	m.Resolved("create", "success")
	m.PushDiscarded(3)
}

func TestCounters(t *testing.T) {
	m := New(func() uint64 { return 7 })
	m.EnvelopeSent("send_message")
	m.EnvelopeSent("send_message")
	m.EnvelopeDropped()
	m.Resolved("join", "timeout")
	m.SetSessions(1, 3)

	if got := testutil.ToFloat64(m.envelopesSent.WithLabelValues("send_message")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.envelopesDropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("join", "timeout")); got != 1 {
		t.Errorf("resolved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("linked")); got != 3 {
		t.Errorf("linked = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.busEventsDropped); got != 7 {
		t.Errorf("bus dropped = %v, want 7", got)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.Reconnected()

	srv := NewServer("127.0.0.1:0", m, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "mlschat_reconnects_total 1") {
		t.Errorf("exposition missing reconnect counter:\n%s", body)
	}
}
