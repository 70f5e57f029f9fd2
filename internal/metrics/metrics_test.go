package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.SignalsReceived == nil {
		t.Error("SignalsReceived metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionClose()
	m.RecordSessionError("resolve")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionErrors.WithLabelValues("resolve")); got != 1 {
		t.Errorf("SessionErrors[resolve] = %v, want 1", got)
	}
}

func TestRecordSignal(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSignal(SignalAccepted)
	m.RecordSignal(SignalDuplicate)
	m.RecordSignal(SignalDuplicate)
	m.RecordSignal(SignalMalformed)

	tests := []struct {
		result string
		want   float64
	}{
		{SignalAccepted, 1},
		{SignalDuplicate, 2},
		{SignalMalformed, 1},
		{SignalRateLimited, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.SignalsReceived.WithLabelValues(tt.result)); got != tt.want {
			t.Errorf("SignalsReceived[%s] = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestRecordFlowLifecycle(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordFlowOpen()
	m.RecordSignalSent()
	m.RecordSignalSent()
	m.RecordFlowClose()

	if got := testutil.ToFloat64(m.FlowsActive); got != 0 {
		t.Errorf("FlowsActive = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.FlowsTotal); got != 1 {
		t.Errorf("FlowsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SignalsSent); got != 2 {
		t.Errorf("SignalsSent = %v, want 2", got)
	}
}

func TestRecordBytesAndDispatches(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordBytesRelayed("tcp_to_tunnel", 100)
	m.RecordBytesRelayed("tcp_to_tunnel", 50)
	m.RecordBytesRelayed("tunnel_to_tcp", 7)
	m.RecordReactorDispatch("receive")
	m.RecordProbeSent()
	m.RecordICMPSendError()
	m.RecordTunnelConnect(0.2)

	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("tcp_to_tunnel")); got != 150 {
		t.Errorf("BytesRelayed[tcp_to_tunnel] = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("tunnel_to_tcp")); got != 7 {
		t.Errorf("BytesRelayed[tunnel_to_tcp] = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.ReactorDispatches.WithLabelValues("receive")); got != 1 {
		t.Errorf("ReactorDispatches[receive] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProbesSent); got != 1 {
		t.Errorf("ProbesSent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ICMPSendErrors); got != 1 {
		t.Errorf("ICMPSendErrors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.TunnelConnectLatency); got != 1 {
		t.Errorf("TunnelConnectLatency series = %d, want 1", got)
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
