package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// ProcessConfig describes how the engine is launched.
type ProcessConfig struct {
	Binary string
	Args   []string
	Dir    string
	// Output receives the engine's stdout and stderr. Nil discards them.
	Output io.Writer
	// StopTimeout bounds the wait after SIGTERM before the process is killed.
	StopTimeout time.Duration
}

// EngineArgs builds the engine command line for network.
func EngineArgs(network model.Network, port int, stepLength float64, extra []string) []string {
	args := []string{
		"-c", network.ConfigFile,
		"--remote-port", strconv.Itoa(port),
		"--step-length", strconv.FormatFloat(stepLength, 'f', -1, 64),
	}
	return append(args, extra...)
}

// EngineProcess runs the engine as a child process and checks its liveness
// through the process table.
type EngineProcess struct {
	cfg ProcessConfig
	log logging.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	proc   *process.Process
	exited chan struct{}
}

// NewEngineProcess returns an unstarted process.
func NewEngineProcess(cfg ProcessConfig, log logging.Logger) *EngineProcess {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if log == nil {
		log = logging.Noop()
	}
	return &EngineProcess{cfg: cfg, log: log.With(logging.String("component", "engine-process"))}
}

// Start launches the engine. The process outlives ctx; Stop ends it.
func (p *EngineProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("engine process already started")
	}

	cmd := exec.Command(p.cfg.Binary, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Stdout = p.cfg.Output
	cmd.Stderr = p.cfg.Output
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", p.cfg.Binary, err)
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("inspect engine pid %d: %w", cmd.Process.Pid, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.log.Info(context.Background(), "engine process exited",
			logging.Int("pid", cmd.Process.Pid),
			logging.Err(err),
		)
		close(exited)
	}()

	p.cmd, p.proc, p.exited = cmd, proc, exited
	p.log.Info(ctx, "engine process started",
		logging.String("binary", p.cfg.Binary),
		logging.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Alive reports whether the process is still running.
func (p *EngineProcess) Alive() bool {
	p.mu.Lock()
	proc, exited := p.proc, p.exited
	p.mu.Unlock()
	if proc == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// Stop terminates the process, killing it after StopTimeout. Stopping a
// process that was never started is a no-op.
func (p *EngineProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.cmd, p.proc, p.exited = nil, nil, nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debug(ctx, "terminate engine", logging.Err(err))
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine pid %d: %w", cmd.Process.Pid, err)
	}
	<-exited
	return nil
}
