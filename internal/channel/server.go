// Package channel serves one functionality on one TCP port. Each accepted
// connection becomes a Session with its own goroutine; a failing session never
// affects its siblings.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// ErrBind reports that the channel's port could not be bound.
var ErrBind = errors.New("channel: bind failed")

// Handler answers decoded requests. It is called from the session goroutine,
// one request at a time per session.
type Handler interface {
	Handle(ctx context.Context, s *Session, req codec.Request) codec.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, req codec.Request) codec.Response

func (f HandlerFunc) Handle(ctx context.Context, s *Session, req codec.Request) codec.Response {
	return f(ctx, s, req)
}

// SessionObserver is implemented by handlers that track sessions.
type SessionObserver interface {
	SessionClosed(s *Session)
}

// Task runs for the lifetime of a started channel and must return when ctx
// is cancelled.
type Task func(ctx context.Context, srv *Server)

const defaultGracePeriod = 2 * time.Second

// Options configures a Server.
type Options struct {
	Functionality model.Functionality
	Addr          string
	Handler       Handler
	Task          Task
	GracePeriod   time.Duration
	Log           logging.Logger
	Metrics       *observability.GatewayCollector
}

// Server is one Channel.
type Server struct {
	opts Options
	log  logging.Logger

	mu       sync.Mutex
	ln       net.Listener
	cancel   context.CancelFunc
	sessions map[string]*Session
	failure  error
	stopping bool

	sessionsWG sync.WaitGroup
	loopsWG    sync.WaitGroup
}

// New constructs an unstarted Server.
func New(opts Options) *Server {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		opts: opts,
		log: log.With(
			logging.String("component", "channel"),
			logging.String("functionality", string(opts.Functionality)),
		),
	}
}

// Functionality returns the functionality this channel serves.
func (s *Server) Functionality() model.Functionality { return s.opts.Functionality }

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Start binds the port and begins accepting sessions.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("channel %s: already started", s.opts.Functionality)
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrBind, s.opts.Functionality, s.opts.Addr, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ln = ln
	s.cancel = cancel
	s.sessions = make(map[string]*Session)
	s.failure = nil
	s.stopping = false

	s.loopsWG.Add(1)
	go s.acceptLoop(runCtx, ln)
	if s.opts.Task != nil {
		s.loopsWG.Add(1)
		go func() {
			defer s.loopsWG.Done()
			s.opts.Task(runCtx, s)
		}()
	}

	s.log.Info(ctx, "channel listening", logging.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.loopsWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			if !stopping {
				s.failure = err
			}
			s.mu.Unlock()
			if !stopping {
				s.log.Error(ctx, "accept failed", logging.Err(err))
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		sess := newSession(ctx, s.opts.Functionality, conn, s.log)
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.sessions[sess.ID()] = sess
		s.sessionsWG.Add(1)
		s.mu.Unlock()

		s.opts.Metrics.SessionOpened(string(s.opts.Functionality))
		sess.log.Debug(sess.Context(), "session opened")
		go s.runSession(sess)
	}
}

func (s *Server) runSession(sess *Session) {
	defer s.sessionsWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		if obs, ok := s.opts.Handler.(SessionObserver); ok {
			obs.SessionClosed(sess)
		}
		s.opts.Metrics.SessionClosed(string(s.opts.Functionality))
		sess.log.Debug(sess.Context(), "session closed")
	}()

	f := string(s.opts.Functionality)
	sess.serve(s.opts.Handler, func(op string, status codec.Status, d time.Duration) {
		if status == codec.StatusInvalidMessage {
			op = "INVALID"
		}
		s.opts.Metrics.ObserveRequest(f, op, status.String(), d)
	})
}

// Sessions returns a snapshot of open sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Healthy returns the listener failure that stopped the accept loop, if any.
func (s *Server) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return fmt.Errorf("channel %s: not started", s.opts.Functionality)
	}
	return s.failure
}

// Shutdown stops accepting, lets sessions finish their current request within
// the grace period, then force-closes the rest and releases the port. The
// earlier of ctx and the grace period bounds the graceful phase.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	ln := s.ln
	cancelTask := s.cancel
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for _, sess := range sessions {
		sess.beginClose()
	}

	drained := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(drained)
	}()
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		s.log.Warn(ctx, "grace period elapsed, closing sessions", logging.Int("sessions", len(s.Sessions())))
	case <-ctx.Done():
	}
	for _, sess := range s.Sessions() {
		sess.close()
	}
	cancelTask()
	<-drained
	s.loopsWG.Wait()

	s.mu.Lock()
	s.ln = nil
	s.mu.Unlock()
	s.log.Info(ctx, "channel stopped")
	return err
}
