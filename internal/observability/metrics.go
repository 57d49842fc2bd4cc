package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GatewayCollector bundles Prometheus metrics for the client channels, the
// engine bridge, the routing tool, the supervisor and the admin gRPC surface.
// A nil *GatewayCollector is valid and records nothing.
type GatewayCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	SessionsActive   *prometheus.GaugeVec
	Requests         *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec

	EngineCalls         *prometheus.CounterVec
	EngineCallDurations *prometheus.HistogramVec

	ToolInvocations *prometheus.CounterVec
	ToolDurations   prometheus.Histogram
	RouteCache      *prometheus.CounterVec

	SupervisorState prometheus.Gauge
	Restarts        *prometheus.CounterVec
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// NewGatewayCollector registers gateway metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewGatewayCollector(reg prometheus.Registerer) (*GatewayCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &GatewayCollector{gatherer: gatherer}
	var err error

	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admin_requests_total",
		Help: "Total number of handled admin RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "gateway_admin_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_admin_request_duration_seconds",
		Help:    "Admin RPC latency in seconds.",
		Buckets: latencyBuckets,
	}, []string{"service", "method"}), "gateway_admin_request_duration_seconds"); err != nil {
		return nil, err
	}

	if c.SessionsActive, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Client sessions currently open, labeled by functionality.",
	}, []string{"functionality"}), "gateway_sessions_active"); err != nil {
		return nil, err
	}
	if c.Requests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Client requests answered, labeled by functionality, op, and reply status.",
	}, []string{"functionality", "op", "status"}), "gateway_requests_total"); err != nil {
		return nil, err
	}
	if c.RequestDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Client request latency in seconds.",
		Buckets: latencyBuckets,
	}, []string{"functionality", "op"}), "gateway_request_duration_seconds"); err != nil {
		return nil, err
	}

	if c.EngineCalls, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_engine_calls_total",
		Help: "Engine bridge jobs, labeled by operation and result.",
	}, []string{"op", "result"}), "gateway_engine_calls_total"); err != nil {
		return nil, err
	}
	if c.EngineCallDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_engine_call_duration_seconds",
		Help:    "Engine round trip latency in seconds, excluding queueing.",
		Buckets: latencyBuckets,
	}, []string{"op"}), "gateway_engine_call_duration_seconds"); err != nil {
		return nil, err
	}

	if c.ToolInvocations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tool_invocations_total",
		Help: "Routing tool runs, labeled by result.",
	}, []string{"result"}), "gateway_tool_invocations_total"); err != nil {
		return nil, err
	}
	if c.ToolDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_tool_duration_seconds",
		Help:    "Routing tool wall time in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}), "gateway_tool_duration_seconds"); err != nil {
		return nil, err
	}
	if c.RouteCache, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_route_cache_lookups_total",
		Help: "Route cache lookups, labeled by hit or miss.",
	}, []string{"result"}), "gateway_route_cache_lookups_total"); err != nil {
		return nil, err
	}

	if c.SupervisorState, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_supervisor_state",
		Help: "Current supervisor state (0 starting, 1 running, 2 degraded, 3 restarting, 4 stopped).",
	}), "gateway_supervisor_state"); err != nil {
		return nil, err
	}
	if c.Restarts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_restarts_total",
		Help: "Recoveries performed by the supervisor, labeled by kind (channel or full).",
	}, []string{"kind"}), "gateway_restarts_total"); err != nil {
		return nil, err
	}

	return c, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *GatewayCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GatewayCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SessionOpened increments the active session gauge for functionality.
func (c *GatewayCollector) SessionOpened(functionality string) {
	if c == nil || c.SessionsActive == nil {
		return
	}
	c.SessionsActive.WithLabelValues(functionality).Inc()
}

// SessionClosed decrements the active session gauge for functionality.
func (c *GatewayCollector) SessionClosed(functionality string) {
	if c == nil || c.SessionsActive == nil {
		return
	}
	c.SessionsActive.WithLabelValues(functionality).Dec()
}

// ObserveRequest records one answered client request.
func (c *GatewayCollector) ObserveRequest(functionality, op, status string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Requests != nil {
		c.Requests.WithLabelValues(functionality, op, status).Inc()
	}
	if c.RequestDurations != nil {
		c.RequestDurations.WithLabelValues(functionality, op).Observe(d.Seconds())
	}
}

// ObserveEngineCall records one bridge job. d is zero for jobs that never
// reached the engine.
func (c *GatewayCollector) ObserveEngineCall(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.EngineCalls != nil {
		c.EngineCalls.WithLabelValues(op, result).Inc()
	}
	if d > 0 && c.EngineCallDurations != nil {
		c.EngineCallDurations.WithLabelValues(op).Observe(d.Seconds())
	}
}

// ObserveToolInvocation records one routing tool run.
func (c *GatewayCollector) ObserveToolInvocation(result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.ToolInvocations != nil {
		c.ToolInvocations.WithLabelValues(result).Inc()
	}
	if d > 0 && c.ToolDurations != nil {
		c.ToolDurations.Observe(d.Seconds())
	}
}

// ObserveRouteCache records a route cache lookup.
func (c *GatewayCollector) ObserveRouteCache(hit bool) {
	if c == nil || c.RouteCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.RouteCache.WithLabelValues(result).Inc()
}

// SetSupervisorState publishes the numeric supervisor state.
func (c *GatewayCollector) SetSupervisorState(state int) {
	if c == nil || c.SupervisorState == nil {
		return
	}
	c.SupervisorState.Set(float64(state))
}

// IncRestarts counts a supervisor recovery of the given kind.
func (c *GatewayCollector) IncRestarts(kind string) {
	if c == nil || c.Restarts == nil {
		return
	}
	c.Restarts.WithLabelValues(kind).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
