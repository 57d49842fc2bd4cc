package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("NewGatewayCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("gateway_admin_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "gateway_admin_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("gateway_admin_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("NewGatewayCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Watch", "InvalidArgument")); got != 1 {
		t.Fatalf("gateway_admin_requests_total error label = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("NewGatewayCollector: %v", err)
	}
	collector.SessionOpened("vehicle")
	collector.ObserveRequest("vehicle", "ADD", "OK", 3*time.Millisecond)
	collector.ObserveEngineCall("step", "ok", time.Millisecond)
	collector.ObserveToolInvocation("ok", time.Second)
	collector.ObserveRouteCache(true)
	collector.SetSupervisorState(1)
	collector.IncRestarts("full")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"gateway_sessions_active",
		"gateway_requests_total",
		"gateway_request_duration_seconds",
		"gateway_engine_calls_total",
		"gateway_engine_call_duration_seconds",
		"gateway_tool_invocations_total",
		"gateway_route_cache_lookups_total",
		"gateway_supervisor_state 1",
		"gateway_restarts_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("NewGatewayCollector: %v", err)
	}
	collector.SessionOpened("route")
	collector.SessionOpened("route")
	collector.SessionClosed("route")

	if got := testutil.ToFloat64(collector.SessionsActive.WithLabelValues("route")); got != 1 {
		t.Fatalf("gateway_sessions_active{route} = %v, want 1", got)
	}
}

func TestNewGatewayCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("NewGatewayCollector: %v", err)
	}
	second, err := NewGatewayCollector(reg)
	if err != nil {
		t.Fatalf("second NewGatewayCollector: %v", err)
	}
	second.IncRestarts("channel")
	if got := testutil.ToFloat64(first.Restarts.WithLabelValues("channel")); got != 1 {
		t.Fatalf("shared restarts counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *GatewayCollector
	c.SessionOpened("graph")
	c.ObserveRequest("graph", "EID", "OK", time.Millisecond)
	c.ObserveEngineCall("get", "ok", time.Millisecond)
	c.SetSupervisorState(2)
	if c.Handler() == nil {
		t.Fatalf("nil collector Handler() = nil")
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"":                             {"unknown", "unknown"},
		"nomethod":                     {"unknown", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q, want %q, %q", in, service, method, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
