// Package router runs the external routing tool as a bounded subprocess and
// turns its alternatives file into an edge list.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrToolNotFound means the routing binary could not be located or started.
	ErrToolNotFound = errors.New("router: tool not found")
	// ErrToolFailed is matched by every *ExecutionError.
	ErrToolFailed = errors.New("router: tool failed")
	// ErrToolTimeout means the tool was killed after running too long.
	ErrToolTimeout = errors.New("router: tool timed out")
	// ErrToolBusy means another invocation for the same scenario held the
	// slot for longer than the queue wait.
	ErrToolBusy = errors.New("router: scenario busy")
	// ErrNoRoute means the tool finished but produced no route.
	ErrNoRoute = errors.New("router: no route found")
	// ErrInvalid rejects an invocation before the tool runs.
	ErrInvalid = errors.New("router: invalid invocation")
)

// ExecutionError reports a non-zero exit status.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("router: tool exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("router: tool exited with status %d: %s", e.ExitCode, e.Stderr)
}

// Is makes errors.Is(err, ErrToolFailed) hold for execution errors.
func (e *ExecutionError) Is(target error) bool { return target == ErrToolFailed }

// Config describes the routing tool.
type Config struct {
	Binary    string
	NetFile   string
	WorkDir   string
	ExtraArgs []string
	Timeout   time.Duration
	// QueueWait bounds how long a call waits for its scenario slot. Zero
	// rejects immediately when the slot is taken.
	QueueWait time.Duration
	CacheSize int
}

// Invocation is one routing request. Destinations are visited in order and
// the legs are chained into one route.
type Invocation struct {
	Scenario     string
	From         string
	Destinations []string
}

// Result is a computed route.
type Result struct {
	Edges []string
	// RoutesFile is the alternatives file of the last leg; empty when the
	// route came from the cache.
	RoutesFile string
	Cached     bool
}

// Invoker runs the tool with at most one in-flight invocation per scenario.
type Invoker struct {
	cfg     Config
	log     logging.Logger
	metrics *observability.GatewayCollector
	cache   *lru.Cache[string, []string]

	mu    sync.Mutex
	slots map[string]chan struct{}
}

const (
	defaultTimeout   = 20 * time.Second
	defaultCacheSize = 256
)

// New validates cfg and constructs an Invoker.
func New(cfg Config, log logging.Logger, metrics *observability.GatewayCollector) (*Invoker, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: routing binary not configured", ErrToolNotFound)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueWait < 0 {
		cfg.QueueWait = 0
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "traffic-gateway")
	}
	if log == nil {
		log = logging.Noop()
	}
	cache, err := lru.New[string, []string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Invoker{
		cfg:     cfg,
		log:     log.With(logging.String("component", "router")),
		metrics: metrics,
		cache:   cache,
		slots:   make(map[string]chan struct{}),
	}, nil
}

// Purge drops every cached route. Called after an engine restart, when the
// network may have been reloaded.
func (inv *Invoker) Purge() { inv.cache.Purge() }

// Invoke computes the route for in.
func (inv *Invoker) Invoke(ctx context.Context, in Invocation) (Result, error) {
	if in.Scenario == "" || in.From == "" || len(in.Destinations) == 0 {
		return Result{}, fmt.Errorf("%w: scenario, source and at least one destination are required", ErrInvalid)
	}
	if strings.ContainsAny(in.Scenario, `/\`) || in.Scenario == "." || in.Scenario == ".." {
		return Result{}, fmt.Errorf("%w: scenario id %q", ErrInvalid, in.Scenario)
	}

	key := in.Scenario + "|" + in.From + "|" + strings.Join(in.Destinations, ",")
	if edges, ok := inv.cache.Get(key); ok {
		inv.metrics.ObserveRouteCache(true)
		return Result{Edges: append([]string(nil), edges...), Cached: true}, nil
	}
	inv.metrics.ObserveRouteCache(false)

	release, err := inv.acquire(ctx, in.Scenario)
	if err != nil {
		inv.metrics.ObserveToolInvocation("busy", 0)
		return Result{}, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "router", "invoke",
		attribute.String("scenario", in.Scenario),
		attribute.Int("destinations", len(in.Destinations)),
	)
	res, err := inv.run(ctx, in)
	observability.EndSpan(span, err)
	if err != nil {
		return Result{}, err
	}
	inv.cache.Add(key, append([]string(nil), res.Edges...))
	return res, nil
}

func (inv *Invoker) slot(scenario string) chan struct{} {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	ch, ok := inv.slots[scenario]
	if !ok {
		ch = make(chan struct{}, 1)
		inv.slots[scenario] = ch
	}
	return ch
}

func (inv *Invoker) acquire(ctx context.Context, scenario string) (func(), error) {
	ch := inv.slot(scenario)
	release := func() { <-ch }

	select {
	case ch <- struct{}{}:
		return release, nil
	default:
	}
	if inv.cfg.QueueWait == 0 {
		return nil, fmt.Errorf("%w: %s", ErrToolBusy, scenario)
	}

	timer := time.NewTimer(inv.cfg.QueueWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s (waited %s)", ErrToolBusy, scenario, inv.cfg.QueueWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) run(ctx context.Context, in Invocation) (Result, error) {
	dir := filepath.Join(inv.cfg.WorkDir, in.Scenario)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("router: work dir: %w", err)
	}

	var route []string
	var routesFile string
	src := in.From
	for i, dest := range in.Destinations {
		leg, file, err := inv.leg(ctx, dir, src, dest)
		if err != nil {
			return Result{}, err
		}
		leg = correctRoute(src, dest, leg)
		if i > 0 && len(leg) > 0 {
			leg = leg[1:]
		}
		route = append(route, leg...)
		if len(route) > 0 {
			src = route[len(route)-1]
		}
		routesFile = file
	}
	return Result{Edges: route, RoutesFile: routesFile}, nil
}

func (inv *Invoker) leg(ctx context.Context, dir, from, to string) ([]string, string, error) {
	trips := filepath.Join(dir, "trips.xml")
	output := filepath.Join(dir, "result.rou.xml")
	alt := filepath.Join(dir, "result.rou.alt.xml")
	for _, p := range []string{trips, output, alt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("router: clean %s: %w", p, err)
		}
	}
	if err := writeTrips(trips, from, to); err != nil {
		return nil, "", fmt.Errorf("router: write trips: %w", err)
	}

	args := append([]string{
		"--ignore-errors",
		"--trip-files", trips,
		"--net-file", inv.cfg.NetFile,
		"--output-file", output,
	}, inv.cfg.ExtraArgs...)
	if err := inv.exec(ctx, args); err != nil {
		return nil, "", err
	}

	file := alt
	f, err := os.Open(alt)
	if errors.Is(err, os.ErrNotExist) {
		file = output
		f, err = os.Open(output)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: no output: %v", ErrNoRoute, err)
	}
	defer f.Close()

	edges, err := cheapestRoute(f)
	if errors.Is(err, errNoRoutes) {
		return nil, "", fmt.Errorf("%w: %s to %s", ErrNoRoute, from, to)
	}
	if err != nil {
		return nil, "", err
	}
	return edges, file, nil
}

func (inv *Invoker) exec(ctx context.Context, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.cfg.Binary, args...)
	cmd.WaitDelay = time.Second
	var stderr tail
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		inv.metrics.ObserveToolInvocation("ok", elapsed)
		return nil
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		inv.metrics.ObserveToolInvocation("not_found", 0)
		return fmt.Errorf("%w: %s: %v", ErrToolNotFound, inv.cfg.Binary, err)
	case ctx.Err() != nil:
		inv.metrics.ObserveToolInvocation("cancelled", elapsed)
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		inv.metrics.ObserveToolInvocation("timeout", elapsed)
		inv.log.Warn(ctx, "routing tool killed", logging.Duration("timeout", inv.cfg.Timeout))
		return fmt.Errorf("%w after %s", ErrToolTimeout, inv.cfg.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		inv.metrics.ObserveToolInvocation("failed", elapsed)
		return &ExecutionError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	inv.metrics.ObserveToolInvocation("failed", elapsed)
	return fmt.Errorf("%w: %v", ErrToolFailed, err)
}

// tail keeps the last bytes written to it.
type tail struct {
	buf []byte
}

const tailSize = 512

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tail) String() string { return strings.TrimSpace(string(t.buf)) }
