// Package admin serves the gRPC health service that reports the supervisor
// state and the health of every functionality channel.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/supervisor"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// Options configures a Server.
type Options struct {
	Addr string
	// Functionalities get one health service each, named after the
	// functionality.
	Functionalities []model.Functionality
	Log             logging.Logger
	Metrics         *observability.GatewayCollector
}

// Server is the admin gRPC endpoint. The overall service "" is SERVING only
// while the supervisor is Running.
type Server struct {
	opts   Options
	log    logging.Logger
	health *health.Server
	grpc   *grpc.Server

	mu sync.Mutex
	ln net.Listener
}

// New builds a Server with every service NOT_SERVING.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("component", "admin"))

	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, f := range opts.Functionalities {
		h.SetServingStatus(string(f), healthpb.HealthCheckResponse_NOT_SERVING)
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestLoggerUnaryServerInterceptor(log),
			opts.Metrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(srv, h)

	return &Server{opts: opts, log: log, health: h, grpc: srv}
}

// Observe implements supervisor.Observer.
func (s *Server) Observe(t supervisor.Transition) {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if t.To == supervisor.Running {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	serving := make(map[model.Functionality]bool, len(t.Serving))
	if t.To != supervisor.Restarting && t.To != supervisor.Stopped {
		for _, f := range t.Serving {
			serving[f] = true
		}
	}
	for _, f := range s.opts.Functionalities {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if serving[f] {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(string(f), status)
	}
}

// Start listens on Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info(ctx, "serving admin gRPC", logging.String("addr", ln.Addr().String()))
	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Warn(context.Background(), "admin gRPC server exited", logging.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Stop marks everything NOT_SERVING and stops the server, forcing it when
// ctx ends before in-flight RPCs finish.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}
