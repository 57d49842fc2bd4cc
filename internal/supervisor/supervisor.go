// Package supervisor owns the gateway lifecycle: the engine process, the
// engine session and every channel. It is the only component that starts,
// stops or restarts any of them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// State is the supervisor lifecycle state.
type State int

const (
	Starting State = iota
	Running
	Degraded
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrExhausted means more than MaxRestarts full restarts happened within
	// RestartWindow. Run returns it and the gateway should exit.
	ErrExhausted = errors.New("supervisor: restart budget exhausted")
	// ErrEngineExited reports that the engine process is gone.
	ErrEngineExited = errors.New("supervisor: engine process exited")
	// ErrSessionLost reports a bridge that is no longer alive.
	ErrSessionLost = errors.New("supervisor: engine session lost")
	// ErrChannelsFailed means a failed channel could not be brought back
	// within MaxDegradedRecoveries attempts.
	ErrChannelsFailed = errors.New("supervisor: channel recovery failed")
)

// Process is the engine process.
type Process interface {
	Start(ctx context.Context) error
	Alive() bool
	Stop(ctx context.Context) error
}

// Bridge is the engine session owner.
type Bridge interface {
	Open(ctx context.Context) (traci.Version, error)
	Close(ctx context.Context) error
	Alive() bool
	Failures() <-chan error
}

// Channel is one functionality listener.
type Channel interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Healthy() error
}

// ChannelFactory builds an unstarted channel for a binding. It is called
// again for every channel restart.
type ChannelFactory func(b model.Binding) (Channel, error)

// Transition describes one state change.
type Transition struct {
	From, To State
	// Reason is the error that caused the change, if any.
	Reason error
	At     time.Time
	// Serving lists the functionalities whose channel is started and healthy.
	Serving []model.Functionality
}

// Observer is notified of every transition on the supervisor goroutine. It
// must not block.
type Observer func(Transition)

// Config tunes the state machine. Zero values take the defaults below.
type Config struct {
	Bindings []model.Binding

	HealthInterval        time.Duration
	ConnectAttempts       int
	ConnectBackoff        time.Duration
	ConnectBackoffMax     time.Duration
	RestartDelay          time.Duration
	MaxRestarts           int
	RestartWindow         time.Duration
	MaxDegradedRecoveries int
	ShutdownTimeout       time.Duration
}

const (
	defaultHealthInterval        = 2 * time.Second
	defaultConnectAttempts       = 20
	defaultConnectBackoff        = time.Second
	defaultConnectBackoffMax     = 5 * time.Second
	defaultRestartDelay          = time.Second
	defaultMaxRestarts           = 5
	defaultRestartWindow         = 10 * time.Minute
	defaultMaxDegradedRecoveries = 3
	defaultShutdownTimeout       = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = defaultConnectBackoff
	}
	if c.ConnectBackoffMax < c.ConnectBackoff {
		c.ConnectBackoffMax = defaultConnectBackoffMax
		if c.ConnectBackoffMax < c.ConnectBackoff {
			c.ConnectBackoffMax = c.ConnectBackoff
		}
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	if c.MaxDegradedRecoveries <= 0 {
		c.MaxDegradedRecoveries = defaultMaxDegradedRecoveries
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Options wires a Supervisor.
type Options struct {
	Config   Config
	Process  Process
	Bridge   Bridge
	Channels ChannelFactory
	// OnRestart runs after teardown of every full restart, before the next
	// start. The route cache purge hangs off it.
	OnRestart func()
	Clock     clock.Clock
	Log       logging.Logger
	Metrics   *observability.GatewayCollector
}

// Supervisor drives the lifecycle state machine.
type Supervisor struct {
	cfg       Config
	process   Process
	bridge    Bridge
	factory   ChannelFactory
	onRestart func()
	clock     clock.Clock
	log       logging.Logger
	metrics   *observability.GatewayCollector

	mu        sync.RWMutex
	state     State
	channels  map[model.Functionality]Channel
	excluded  map[model.Functionality]error
	observers []Observer

	// Owned by the Run goroutine.
	restarts         []time.Time
	failedRecoveries int
}

// New validates opts and returns a supervisor in the Starting state.
func New(opts Options) (*Supervisor, error) {
	if opts.Process == nil || opts.Bridge == nil || opts.Channels == nil {
		return nil, errors.New("supervisor: process, bridge and channel factory are required")
	}
	opts.Config.applyDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Supervisor{
		cfg:       opts.Config,
		process:   opts.Process,
		bridge:    opts.Bridge,
		factory:   opts.Channels,
		onRestart: opts.OnRestart,
		clock:     opts.Clock,
		log:       log.With(logging.String("component", "supervisor")),
		metrics:   opts.Metrics,
		state:     Starting,
		channels:  make(map[model.Functionality]Channel),
		excluded:  make(map[model.Functionality]error),
	}, nil
}

// Observe registers fn for every later transition. Register before Run.
func (s *Supervisor) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Excluded returns the functionalities dropped after a bind failure, with the
// bind error.
func (s *Supervisor) Excluded() map[model.Functionality]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Functionality]error, len(s.excluded))
	for f, err := range s.excluded {
		out[f] = err
	}
	return out
}

// Run drives the state machine until ctx is cancelled (nil) or the restart
// budget is spent (ErrExhausted). Everything is released before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		reason := s.start(ctx)
		if reason == nil {
			reason = s.supervise(ctx)
		}
		if ctx.Err() != nil {
			s.stop()
			return nil
		}

		s.transition(Restarting, reason)
		s.metrics.IncRestarts("engine")
		s.teardown(ctx)

		if !s.allowRestart() {
			err := fmt.Errorf("%w: more than %d restarts within %s: %w",
				ErrExhausted, s.cfg.MaxRestarts, s.cfg.RestartWindow, reason)
			s.log.Error(ctx, "giving up", logging.Err(err))
			s.transition(Stopped, err)
			return err
		}
		if s.onRestart != nil {
			s.onRestart()
		}
		if err := s.sleep(ctx, s.cfg.RestartDelay); err != nil {
			s.stop()
			return nil
		}
	}
}

// start brings up the process, the session and every channel.
func (s *Supervisor) start(ctx context.Context) error {
	s.transition(Starting, nil)
	if err := s.process.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := s.connect(ctx); err != nil {
		return err
	}

	for _, b := range s.cfg.Bindings {
		if s.isExcluded(b.Functionality) {
			continue
		}
		ch, err := s.startChannel(ctx, b)
		if errors.Is(err, channel.ErrBind) {
			s.log.Error(ctx, "channel excluded after bind failure",
				logging.String("functionality", string(b.Functionality)),
				logging.Int("port", b.Port),
				logging.Err(err),
			)
			s.mu.Lock()
			s.excluded[b.Functionality] = err
			s.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.channels[b.Functionality] = ch
		s.mu.Unlock()
	}

	s.failedRecoveries = 0
	s.transition(Running, nil)
	return nil
}

// connect opens the engine session, retrying with exponential backoff.
func (s *Supervisor) connect(ctx context.Context) error {
	backoff := s.cfg.ConnectBackoff
	var err error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		if !s.process.Alive() {
			return ErrEngineExited
		}
		if _, err = s.bridge.Open(ctx); err == nil {
			return nil
		}
		if attempt == s.cfg.ConnectAttempts {
			break
		}
		s.log.Info(ctx, "engine connection failed, retrying",
			logging.Int("attempt", attempt),
			logging.Duration("backoff", backoff),
			logging.Err(err),
		)
		if serr := s.sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
		if backoff > s.cfg.ConnectBackoffMax {
			backoff = s.cfg.ConnectBackoffMax
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", s.cfg.ConnectAttempts, err)
}

func (s *Supervisor) startChannel(ctx context.Context, b model.Binding) (Channel, error) {
	ch, err := s.factory(b)
	if err != nil {
		return nil, fmt.Errorf("build %s channel: %w", b.Functionality, err)
	}
	if err := ch.Start(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// supervise runs health checks until something calls for a full restart.
func (s *Supervisor) supervise(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.bridge.Failures():
			return fmt.Errorf("%w: %w", ErrSessionLost, err)
		case <-ticker.C:
			if err := s.check(ctx); err != nil {
				return err
			}
		}
	}
}

// check runs one health pass. Failed channels are restarted in place; a
// dead engine or session is returned as the restart reason.
func (s *Supervisor) check(ctx context.Context) error {
	if !s.process.Alive() {
		return ErrEngineExited
	}
	if !s.bridge.Alive() {
		return ErrSessionLost
	}

	healthy := true
	for _, b := range s.cfg.Bindings {
		ch := s.channel(b.Functionality)
		if ch == nil {
			continue
		}
		err := ch.Healthy()
		if err == nil {
			continue
		}
		s.transition(Degraded, err)
		if rerr := s.restartChannel(ctx, b, ch); rerr != nil {
			healthy = false
			s.failedRecoveries++
			s.log.Warn(ctx, "channel restart failed",
				logging.String("functionality", string(b.Functionality)),
				logging.Int("failed_recoveries", s.failedRecoveries),
				logging.Err(rerr),
			)
			if s.failedRecoveries >= s.cfg.MaxDegradedRecoveries {
				return fmt.Errorf("%w: %s: %w", ErrChannelsFailed, b.Functionality, rerr)
			}
			continue
		}
		s.failedRecoveries = 0
		s.metrics.IncRestarts("channel")
		s.log.Info(ctx, "channel restarted",
			logging.String("functionality", string(b.Functionality)),
			logging.Int("port", b.Port),
		)
	}
	if healthy && s.State() == Degraded {
		s.transition(Running, nil)
	}
	return nil
}

// restartChannel replaces one channel on the same port. The replacement is
// recorded even when it fails to start, so the next check retries it.
func (s *Supervisor) restartChannel(ctx context.Context, b model.Binding, old Channel) error {
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	err := old.Shutdown(sctx)
	cancel()
	if err != nil {
		s.log.Debug(ctx, "failed channel shutdown", logging.Err(err))
	}

	ch, err := s.factory(b)
	if err != nil {
		return fmt.Errorf("build %s channel: %w", b.Functionality, err)
	}
	s.mu.Lock()
	s.channels[b.Functionality] = ch
	s.mu.Unlock()
	return ch.Start(ctx)
}

// teardown stops every channel, then the session, then the process.
func (s *Supervisor) teardown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[model.Functionality]Channel)
	s.mu.Unlock()

	var err error
	for _, b := range s.cfg.Bindings {
		if ch, ok := channels[b.Functionality]; ok {
			err = multierr.Append(err, ch.Shutdown(sctx))
		}
	}
	err = multierr.Append(err, s.bridge.Close(sctx))
	err = multierr.Append(err, s.process.Stop(sctx))
	if err != nil {
		s.log.Warn(ctx, "teardown finished with errors", logging.Err(err))
	}
}

func (s *Supervisor) stop() {
	s.teardown(context.Background())
	s.transition(Stopped, nil)
}

// allowRestart records a restart and reports whether the budget allows it.
func (s *Supervisor) allowRestart() bool {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, at := range s.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.restarts = append(kept, now)
	return len(s.restarts) <= s.cfg.MaxRestarts
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Supervisor) channel(f model.Functionality) Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[f]
}

func (s *Supervisor) isExcluded(f model.Functionality) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.excluded[f]
	return ok
}

func (s *Supervisor) transition(to State, reason error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	t := Transition{From: from, To: to, Reason: reason, At: s.clock.Now()}
	// Nothing serves while a restart or the final stop tears channels down.
	if to != Restarting && to != Stopped {
		for _, b := range s.cfg.Bindings {
			if ch, ok := s.channels[b.Functionality]; ok && ch.Healthy() == nil {
				t.Serving = append(t.Serving, b.Functionality)
			}
		}
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	fields := []logging.Field{
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	}
	if reason != nil {
		fields = append(fields, logging.Err(reason))
	}
	s.log.Info(context.Background(), "supervisor state changed", fields...)
	s.metrics.SetSupervisorState(int(to))
	for _, fn := range observers {
		fn(t)
	}
}
