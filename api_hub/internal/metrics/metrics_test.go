package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"devicemanager/api_hub/internal/activity"
	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/websocket"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/monitoring"
)

var (
	_ correlator.Observer = (*Metrics)(nil)
	_ websocket.Observer  = (*Metrics)(nil)
	_ activity.Observer   = (*Metrics)(nil)
)

func newMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(monitoring.NewMetricsCollectorWithRegistry("bosun", "test", "abc", reg, reg))
}

func TestConnectionGauge(t *testing.T) {
	m := newMetrics(t)
	m.ConnectionOpened("devices")
	m.ConnectionOpened("devices")
	m.ConnectionClosed("devices", time.Minute)

	if got := testutil.ToFloat64(m.HubConnections.WithLabelValues("devices")); got != 1 {
		t.Fatalf("expected 1 active connection, got %v", got)
	}
}

func TestInvocationCodes(t *testing.T) {
	m := newMetrics(t)
	m.InvocationHandled("operators", devicehub.MethodPingDevice, "", time.Millisecond)
	m.InvocationHandled("operators", devicehub.MethodPingDevice, devicehub.CodeOutOfScope, time.Millisecond)

	if got := testutil.ToFloat64(m.Invocations.WithLabelValues("operators", devicehub.MethodPingDevice, "ok")); got != 1 {
		t.Fatalf("expected 1 ok invocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.Invocations.WithLabelValues("operators", devicehub.MethodPingDevice, devicehub.CodeOutOfScope)); got != 1 {
		t.Fatalf("expected 1 out_of_scope invocation, got %v", got)
	}
}

func TestCommandAndActivityCounters(t *testing.T) {
	m := newMetrics(t)
	m.ObserveCommand(devicehub.KindPing, correlator.OutcomeTimedOut, time.Second)
	m.SetPending(3)
	m.SetQueueDepth(2)
	m.ActivityProcessed(activity.KindConnected, activity.OutcomeNotified)
	m.AuthRejected("devices", 401)

	if got := testutil.ToFloat64(m.CommandOutcomes.WithLabelValues("Ping", correlator.OutcomeTimedOut)); got != 1 {
		t.Fatalf("expected 1 timed out ping, got %v", got)
	}
	if got := testutil.ToFloat64(m.PendingCommands); got != 3 {
		t.Fatalf("expected 3 pending, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActivityQueueDepth); got != 2 {
		t.Fatalf("expected queue depth 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActivityOutcomes.WithLabelValues("connected", "notified")); got != 1 {
		t.Fatalf("expected 1 notified activity, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuthRejections.WithLabelValues("devices", "401")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestCacheHooks(t *testing.T) {
	m := newMetrics(t)
	hooks := m.CacheHooks("display")
	hooks.OnHit()
	hooks.OnHit()
	hooks.OnMiss()

	if got := testutil.ToFloat64(m.CacheResults.WithLabelValues("display", "hit")); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheResults.WithLabelValues("display", "miss")); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
}
