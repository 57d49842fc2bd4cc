package functions

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// subscribeUntil is the end time of vehicle position subscriptions.
const subscribeUntil = 1e9

type simulation struct {
	*catalogue
	engine Engine
	log    logging.Logger
	pacer  *timectrl.StepController
	// clock answers TIM without an engine call; nil unless auto-stepping.
	clock timectrl.SimClock

	// stepMu orders steps and the events published for them.
	stepMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]*channel.Session
}

func newSimulation(deps Deps) *simulation {
	s := &simulation{
		engine:      deps.Engine,
		log:         deps.Log,
		pacer:       timectrl.NewStepController(deps.Simulation.StepInterval, deps.Simulation.Mode, nil),
		subscribers: make(map[string]*channel.Session),
	}
	if deps.Simulation.AutoStep {
		s.clock = s.pacer
	}
	s.pacer.OnError(func(err error) {
		if errors.Is(err, engine.ErrUnavailable) {
			s.log.Debug(context.Background(), "automatic step skipped", logging.Err(err))
			return
		}
		s.log.Warn(context.Background(), "automatic step failed", logging.Err(err))
	})
	s.catalogue = &catalogue{
		functionality: model.FunctionalitySimulation,
		log:           deps.Log,
		onClose:       s.unsubscribe,
		ops: map[string]opFunc{
			"STP": s.step,
			"TIM": s.time,
			"SUB": s.subscribe,
			"UNS": s.unsubscribeOp,
		},
	}
	return s
}

// run is the channel task: it steps the engine every interval until the
// channel stops.
func (s *simulation) run(ctx context.Context, _ *channel.Server) {
	s.log.Info(ctx, "automatic stepping started",
		logging.String("mode", s.pacer.Mode.String()),
		logging.Duration("interval", s.pacer.Interval),
	)
	<-s.pacer.Start(ctx, func(ctx context.Context) (float64, error) {
		return s.advance(ctx, 0)
	})
	s.log.Info(ctx, "automatic stepping stopped", logging.Int("steps", s.pacer.Steps()))
}

// step handles "STP [seconds]".
func (s *simulation) step(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	target := 0.0
	switch len(args) {
	case 0:
	case 1:
		seconds, err := parseFloat("duration", args[0])
		if err != nil {
			return nil, err
		}
		if seconds <= 0 {
			return nil, invalidf("duration must be positive, got %s", args[0])
		}
		now, err := double(ctx, s.engine, engine.Simulation, traci.VarTime, "")
		if err != nil {
			return nil, err
		}
		target = now + seconds
	default:
		return nil, invalidf("STP takes at most one duration")
	}

	simTime, err := s.advance(ctx, target)
	if err != nil {
		return nil, err
	}
	return []string{"STP", formatFloat(simTime)}, nil
}

// time answers "TIM". Every step goes through advance, so while the channel
// steps on its own the last observed time is current and no engine call is
// needed.
func (s *simulation) time(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, invalidf("TIM takes no arguments")
	}
	if s.clock != nil {
		if simTime, ok := s.clock.Now(); ok {
			return []string{"TIM", formatFloat(simTime)}, nil
		}
	}
	simTime, err := double(ctx, s.engine, engine.Simulation, traci.VarTime, "")
	if err != nil {
		return nil, err
	}
	return []string{"TIM", formatFloat(simTime)}, nil
}

func (s *simulation) subscribe(_ context.Context, sess *channel.Session, args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, invalidf("SUB takes no arguments")
	}
	s.mu.Lock()
	s.subscribers[sess.ID()] = sess
	s.mu.Unlock()
	return []string{"ACK"}, nil
}

func (s *simulation) unsubscribeOp(_ context.Context, sess *channel.Session, args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, invalidf("UNS takes no arguments")
	}
	s.unsubscribe(sess)
	return []string{"ACK"}, nil
}

func (s *simulation) unsubscribe(sess *channel.Session) {
	s.mu.Lock()
	delete(s.subscribers, sess.ID())
	s.mu.Unlock()
}

// advance steps the engine and publishes vehicle events to subscribers.
func (s *simulation) advance(ctx context.Context, target float64) (float64, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	results, err := s.engine.Step(ctx, target)
	if err != nil {
		return 0, err
	}
	simTime, err := double(ctx, s.engine, engine.Simulation, traci.VarTime, "")
	if err != nil {
		return 0, err
	}
	s.pacer.SetTime(simTime)

	subs := s.sessions()
	if len(subs) == 0 {
		return simTime, nil
	}
	events, err := s.events(ctx, results)
	if err != nil {
		return simTime, err
	}
	for _, ev := range events {
		for _, sess := range subs {
			if err := sess.Push(ev); err != nil && !errors.Is(err, channel.ErrSessionClosed) {
				logging.FromContext(sess.Context(), s.log).Debug(ctx, "event push failed", logging.Err(err))
			}
		}
	}
	return simTime, nil
}

func (s *simulation) sessions() []*channel.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Session, 0, len(s.subscribers))
	for _, sess := range s.subscribers {
		out = append(out, sess)
	}
	return out
}

// events builds the COO and ARR pushes for the step that produced results.
// Regular vehicles without a position subscription are subscribed here, so a
// vehicle shows up in the first step after it was added.
func (s *simulation) events(ctx context.Context, results []traci.SubscriptionResult) ([]codec.Response, error) {
	coords := []string{"COO"}
	tracked := make(map[string]struct{}, len(results))
	for _, res := range results {
		tracked[res.ObjectID] = struct{}{}
		fields, err := s.position(ctx, res)
		if err != nil {
			return nil, err
		}
		coords = append(coords, fields...)
	}

	ids, err := stringList(ctx, s.engine, engine.Vehicle, traci.VarIDList, "")
	if err != nil {
		return nil, err
	}
	for _, id := range regularVehicles(ids) {
		if _, ok := tracked[id]; ok {
			continue
		}
		res, err := s.engine.Subscribe(ctx, engine.Vehicle, id, subscribeUntil, []byte{traci.VarPosition})
		if errors.Is(err, engine.ErrCommand) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tracked[id] = struct{}{}
		fields, err := s.position(ctx, res)
		if err != nil {
			return nil, err
		}
		coords = append(coords, fields...)
	}

	var events []codec.Response
	if len(coords) > 1 {
		events = append(events, codec.Event(coords...))
	}
	arrived, err := stringList(ctx, s.engine, engine.Simulation, traci.VarArrivedVehiclesIDs, "")
	if err != nil {
		return nil, err
	}
	if arrived = regularVehicles(arrived); len(arrived) > 0 {
		events = append(events, codec.Event(append([]string{"ARR"}, arrived...)...))
	}
	return events, nil
}

// position renders "id lon lat" from a subscription result, or nothing when
// the result carries no usable position.
func (s *simulation) position(ctx context.Context, res traci.SubscriptionResult) ([]string, error) {
	for _, v := range res.Values {
		if v.Variable != traci.VarPosition || !v.OK || v.Value.Type != traci.TypePosition2D {
			continue
		}
		lon, lat, err := s.engine.ConvertGeo(ctx, v.Value.Pos.X, v.Value.Pos.Y)
		if err != nil {
			return nil, err
		}
		return []string{res.ObjectID, formatFloat(lon), formatFloat(lat)}, nil
	}
	return nil, nil
}
