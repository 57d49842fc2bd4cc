package functions

import (
	"context"
	"strconv"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/model"
)

type lights struct {
	engine Engine
}

func newLights(deps Deps) *catalogue {
	l := &lights{engine: deps.Engine}
	return &catalogue{
		functionality: model.FunctionalityLights,
		log:           deps.Log,
		ops: map[string]opFunc{
			"LST": l.list,
			"GET": l.details,
			"SET": l.setPhase,
			"COO": l.coordinates,
		},
	}
}

func (l *lights) list(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, invalidf("LST takes no arguments")
	}
	ids, err := stringList(ctx, l.engine, engine.TrafficLight, traci.VarIDList, "")
	if err != nil {
		return nil, err
	}
	return append([]string{"LST"}, ids...), nil
}

// details answers "GET tllId" with "DET tllId phase nextSwitch state".
func (l *lights) details(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 1 {
		return nil, invalidf("GET needs exactly one traffic light id")
	}
	id := args[0]
	phase, err := l.engine.GetVariable(ctx, engine.TrafficLight, traci.VarTLCurrentPhase, id, traci.TypeInteger)
	if err != nil {
		return nil, err
	}
	next, err := double(ctx, l.engine, engine.TrafficLight, traci.VarTLNextSwitch, id)
	if err != nil {
		return nil, err
	}
	state, err := l.engine.GetVariable(ctx, engine.TrafficLight, traci.VarTLRedYellowGreen, id, traci.TypeString)
	if err != nil {
		return nil, err
	}
	return []string{"DET", id, strconv.Itoa(int(phase.Int)), formatFloat(next), state.Str}, nil
}

// setPhase handles "SET tllId phaseIndex".
func (l *lights) setPhase(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 2 {
		return nil, invalidf("SET needs a traffic light id and a phase index")
	}
	phase, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, &statusError{status: codec.StatusPhaseIndex, err: invalidf("phase index %q is not an integer", args[1])}
	}
	if err := l.engine.SetVariable(ctx, engine.TrafficLight, traci.VarTLPhaseIndex, args[0], traci.IntValue(int32(phase))); err != nil {
		return nil, rejected(err, codec.StatusPhaseIndex)
	}
	return []string{"ACK"}, nil
}

// coordinates answers "COO [tllId...]" with "COO id lon lat ..." for the
// listed traffic lights, or all of them, located by their junction.
func (l *lights) coordinates(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	ids := args
	if len(ids) == 0 {
		var err error
		if ids, err = stringList(ctx, l.engine, engine.TrafficLight, traci.VarIDList, ""); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, 1+3*len(ids))
	out = append(out, "COO")
	for _, id := range ids {
		lon, lat, err := geoPosition(ctx, l.engine, engine.Junction, id)
		if err != nil {
			return nil, err
		}
		out = append(out, id, formatFloat(lon), formatFloat(lat))
	}
	return out, nil
}
