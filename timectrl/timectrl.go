package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimClock exposes the engine time observed after the most recent step, in
// simulation seconds. ok is false until a step has been observed.
type SimClock interface {
	Now() (simTime float64, ok bool)
}

// Mode describes how the StepController paces simulation steps.
type Mode int

const (
	// RealTime performs one step per Interval of wall-clock time.
	RealTime Mode = iota
	// Accelerated steps as quickly as the engine answers. Interval is only
	// used as a pause after a failed step.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts "realtime" and "accelerated". The empty string is
// RealTime.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime":
		return RealTime, nil
	case "accelerated":
		return Accelerated, nil
	}
	return RealTime, fmt.Errorf("timectrl: unknown step mode %q", s)
}

// StepFunc advances the simulation by one step and returns the engine time
// after it.
type StepFunc func(ctx context.Context) (float64, error)

// StepController drives automatic simulation steps. It implements SimClock.
type StepController struct {
	mu       sync.RWMutex
	Interval time.Duration
	Mode     Mode

	clock clock.Clock

	// simTime is the engine time reported by the last successful step.
	simTime  float64
	observed bool
	steps    int
	failures int

	onError func(error)
}

// NewStepController constructs a controller. A nil clk uses the wall clock.
func NewStepController(interval time.Duration, mode Mode, clk clock.Clock) *StepController {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &StepController{Interval: interval, Mode: mode, clock: clk}
}

// Now returns the engine time after the last successful step. Implements SimClock.
func (tc *StepController) Now() (float64, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.simTime, tc.observed
}

// SetTime records an engine time observed outside the controller, such as
// after an explicit step requested by a client.
func (tc *StepController) SetTime(t float64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.simTime = t
	tc.observed = true
}

// Steps returns the number of successful steps.
func (tc *StepController) Steps() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// Failures returns the number of failed steps.
func (tc *StepController) Failures() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.failures
}

// OnError registers a callback invoked after every failed step. Register it
// before Start.
func (tc *StepController) OnError(fn func(error)) {
	tc.onError = fn
}

// Start runs step until ctx is cancelled in a separate goroutine. It returns
// a channel that is closed when the controller finishes. A failed step does
// not stop the controller.
func (tc *StepController) Start(ctx context.Context, step StepFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var ticks <-chan time.Time
		if tc.Mode == RealTime {
			ticker := tc.clock.Ticker(tc.Interval)
			defer ticker.Stop()
			ticks = ticker.C
		}

		for {
			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}

			simTime, err := step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				tc.mu.Lock()
				tc.failures++
				tc.mu.Unlock()
				if tc.onError != nil {
					tc.onError(err)
				}
				if ticks == nil && !tc.pause(ctx) {
					return
				}
				continue
			}

			tc.mu.Lock()
			tc.simTime = simTime
			tc.observed = true
			tc.steps++
			tc.mu.Unlock()
		}
	}()
	return done
}

func (tc *StepController) pause(ctx context.Context) bool {
	timer := tc.clock.Timer(tc.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
