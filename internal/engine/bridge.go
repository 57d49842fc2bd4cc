// Package engine owns the single control session with the simulation engine.
// Every operation is queued as a job and executed by one consumer goroutine,
// so at most one request is outstanding on the socket at any time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrUnavailable is returned when no live session exists.
	ErrUnavailable = errors.New("engine: session unavailable")
	// ErrProtocol reports a malformed or unexpected reply, or a broken socket.
	// The session is dead afterwards.
	ErrProtocol = errors.New("engine: protocol error")
	// ErrTimeout reports an exchange that did not finish within the call
	// timeout. The session is dead afterwards.
	ErrTimeout = errors.New("engine: call timed out")
	// ErrCommand wraps a *traci.CommandError: the engine understood the
	// request and refused it. The session stays usable.
	ErrCommand = errors.New("engine: command rejected")
)

// Conn is one request/response exchange channel to the engine.
type Conn interface {
	Exchange(deadline time.Time, cmds ...traci.Command) ([]byte, error)
	Close() error
}

// Dialer opens a Conn to addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// DialTCP is the default Dialer.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	conn, err := traci.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	defaultCallTimeout = 5 * time.Second
	defaultQueueSize   = 64
)

// Options configures a Bridge.
type Options struct {
	Addr        string
	CallTimeout time.Duration
	QueueSize   int
	Dial        Dialer
	Log         logging.Logger
	Metrics     *observability.GatewayCollector
}

// Bridge serializes access to the engine. Open starts a session and Close
// ends it; a Bridge can be reopened after a restart.
type Bridge struct {
	opts     Options
	log      logging.Logger
	failures chan error

	mu   sync.Mutex
	sess *session
}

type session struct {
	conn Conn
	jobs chan *job
	quit chan struct{}
	done chan struct{}
	dead atomic.Bool
}

type job struct {
	ctx    context.Context
	op     string
	cmds   []traci.Command
	parse  func(body []byte) error
	result chan error
}

// New constructs a Bridge with no session.
func New(opts Options) *Bridge {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Dial == nil {
		opts.Dial = DialTCP
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Bridge{
		opts:     opts,
		log:      log.With(logging.String("component", "engine")),
		failures: make(chan error, 1),
	}
}

// Failures delivers liveness failures. At most one failure is buffered; the
// supervisor only needs to know that the session died.
func (b *Bridge) Failures() <-chan error { return b.failures }

// Open dials the engine, checks the API version and starts the consumer.
func (b *Bridge) Open(ctx context.Context) (traci.Version, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil && !b.sess.dead.Load() {
		return traci.Version{}, errors.New("engine: session already open")
	}
	if b.sess != nil {
		b.stopLocked()
	}

	conn, err := b.opts.Dial(ctx, b.opts.Addr)
	if err != nil {
		return traci.Version{}, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, b.opts.Addr, err)
	}
	body, err := conn.Exchange(time.Now().Add(b.opts.CallTimeout), traci.GetVersion())
	if err != nil {
		_ = conn.Close()
		return traci.Version{}, classify(err)
	}
	v, err := traci.ParseVersion(body)
	if err != nil {
		_ = conn.Close()
		return traci.Version{}, classify(err)
	}

	// Drain a failure left over from a previous session.
	select {
	case <-b.failures:
	default:
	}

	s := &session{
		conn: conn,
		jobs: make(chan *job, b.opts.QueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.sess = s
	go b.consume(s)

	b.log.Info(ctx, "engine session opened",
		logging.String("addr", b.opts.Addr),
		logging.Int("api_version", int(v.API)),
		logging.String("engine", v.Identifier),
	)
	return v, nil
}

// Alive reports whether a usable session exists.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil && !b.sess.dead.Load()
}

// Close sends the close command when the session is still alive, then
// releases the socket. Pending jobs fail with ErrUnavailable.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()
	if s == nil {
		return nil
	}

	var err error
	if !s.dead.Load() {
		err = b.submit(ctx, "close", []traci.Command{traci.Close()}, func(body []byte) error {
			return traci.ParseStatusOnly(body, traci.CmdClose)
		})
	}

	b.mu.Lock()
	if b.sess == s {
		b.stopLocked()
	}
	b.mu.Unlock()

	if errors.Is(err, ErrUnavailable) {
		return nil
	}
	return err
}

func (b *Bridge) stopLocked() {
	s := b.sess
	b.sess = nil
	s.dead.Store(true)
	close(s.quit)
	_ = s.conn.Close()
	<-s.done
}

func (b *Bridge) consume(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			b.drain(s)
			return
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				b.opts.Metrics.ObserveEngineCall(j.op, "cancelled", 0)
				continue
			}
			if s.dead.Load() {
				j.result <- ErrUnavailable
				b.opts.Metrics.ObserveEngineCall(j.op, "unavailable", 0)
				continue
			}
			j.result <- b.run(s, j)
		}
	}
}

func (b *Bridge) drain(s *session) {
	for {
		select {
		case j := <-s.jobs:
			j.result <- ErrUnavailable
		default:
			return
		}
	}
}

func (b *Bridge) run(s *session, j *job) error {
	_, span := observability.StartSpan(j.ctx, "engine", j.op,
		attribute.Int("engine.commands", len(j.cmds)),
		attribute.String("gateway.session_id", logging.SessionIDFromContext(j.ctx)),
	)

	start := time.Now()
	body, err := s.conn.Exchange(start.Add(b.opts.CallTimeout), j.cmds...)
	if err == nil {
		err = j.parse(body)
	}
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		err = classify(err)
		switch {
		case errors.Is(err, ErrCommand):
			result = "rejected"
		case errors.Is(err, ErrTimeout):
			result = "timeout"
		default:
			result = "protocol_error"
		}
		if !errors.Is(err, ErrCommand) {
			b.markDead(j.ctx, s, j.op, err)
		}
	}
	b.opts.Metrics.ObserveEngineCall(j.op, result, elapsed)
	observability.EndSpan(span, err)
	return err
}

func (b *Bridge) markDead(ctx context.Context, s *session, op string, err error) {
	if s.dead.Swap(true) {
		return
	}
	_ = s.conn.Close()
	b.log.Error(context.WithoutCancel(ctx), "engine session dead",
		logging.String("op", op),
		logging.String("session_id", logging.SessionIDFromContext(ctx)),
		logging.Err(err),
	)
	select {
	case b.failures <- err:
	default:
	}
}

func classify(err error) error {
	var cmdErr *traci.CommandError
	if errors.As(err, &cmdErr) {
		return fmt.Errorf("%w: %w", ErrCommand, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

// submit queues a job and waits for its result or for ctx. Once a job is on
// the socket it runs to completion on the bridge's own deadline; a caller
// that gives up only stops waiting.
func (b *Bridge) submit(ctx context.Context, op string, cmds []traci.Command, parse func([]byte) error) error {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()
	if s == nil || s.dead.Load() {
		b.opts.Metrics.ObserveEngineCall(op, "unavailable", 0)
		return ErrUnavailable
	}

	j := &job{ctx: ctx, op: op, cmds: cmds, parse: parse, result: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-s.done:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrUnavailable
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
