// Package functions implements the operation catalogue of every gateway
// functionality. A catalogue turns decoded client requests into engine and
// routing calls and renders the results as reply fields.
package functions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// Engine is the part of the engine bridge the catalogues call.
type Engine interface {
	Step(ctx context.Context, target float64) ([]traci.SubscriptionResult, error)
	GetVariable(ctx context.Context, d engine.Domain, variable byte, objectID string, types ...byte) (traci.Value, error)
	SetVariable(ctx context.Context, d engine.Domain, variable byte, objectID string, v traci.Value) error
	AddVehicle(ctx context.Context, vehicleID, routeID, typeID string, edges []string) error
	AddStoppedVehicle(ctx context.Context, vehicleID, routeID, typeID, edge string, pos float64, lane byte) error
	RemoveVehicle(ctx context.Context, vehicleID string) error
	Subscribe(ctx context.Context, d engine.Domain, objectID string, end float64, variables []byte) (traci.SubscriptionResult, error)
	LaneLinks(ctx context.Context, laneID string) ([]traci.Link, error)
	ConvertGeo(ctx context.Context, x, y float64) (lon, lat float64, err error)
	ConvertRoad(ctx context.Context, lon, lat float64) (traci.RoadPosition, error)
}

// Router computes routes with the external routing tool.
type Router interface {
	Invoke(ctx context.Context, in router.Invocation) (router.Result, error)
}

// SimulationOptions controls automatic stepping on the simulation channel.
type SimulationOptions struct {
	AutoStep     bool
	StepInterval time.Duration
	Mode         timectrl.Mode
}

// Deps are the collaborators shared by every catalogue.
type Deps struct {
	Engine     Engine
	Router     Router
	Scenario   string
	Simulation SimulationOptions
	Log        logging.Logger
}

// opFunc runs one operation and returns the reply fields.
type opFunc func(ctx context.Context, s *channel.Session, args []string) ([]string, error)

// catalogue dispatches requests by op code.
type catalogue struct {
	functionality model.Functionality
	ops           map[string]opFunc
	log           logging.Logger
	onClose       func(*channel.Session)
}

// Handle implements channel.Handler.
func (c *catalogue) Handle(ctx context.Context, s *channel.Session, req codec.Request) codec.Response {
	op := strings.ToUpper(req.Op)
	if op == "PNG" {
		return codec.Reply(req, "PON")
	}
	fn, ok := c.ops[op]
	if !ok {
		return codec.Fail(req, codec.StatusInvalidMessage, fmt.Sprintf("unknown %s operation %q", c.functionality, req.Op))
	}

	fields, err := fn(ctx, s, req.Args)
	if err != nil {
		status := statusFor(err)
		logging.FromContext(ctx, c.log).Debug(ctx, "operation failed",
			logging.String("op", op),
			logging.String("status", status.String()),
			logging.Err(err),
		)
		return codec.Fail(req, status, err.Error())
	}
	return codec.Reply(req, fields...)
}

// SessionClosed implements channel.SessionObserver.
func (c *catalogue) SessionClosed(s *channel.Session) {
	if c.onClose != nil {
		c.onClose(s)
	}
}

// For builds the handler for f and, for functionalities that need one, the
// background task bound to the channel lifetime.
func For(f model.Functionality, deps Deps) (channel.Handler, channel.Task, error) {
	if deps.Engine == nil {
		return nil, nil, fmt.Errorf("functions: %s: engine is required", f)
	}
	if deps.Log == nil {
		deps.Log = logging.Noop()
	}
	deps.Log = deps.Log.With(logging.String("functionality", string(f)))

	switch f {
	case model.FunctionalityGraph:
		return newGraph(deps), nil, nil
	case model.FunctionalityRoute:
		if deps.Router == nil {
			return nil, nil, fmt.Errorf("functions: %s: router is required", f)
		}
		return newRoute(deps), nil, nil
	case model.FunctionalityVehicle:
		return newVehicle(deps), nil, nil
	case model.FunctionalityLights:
		return newLights(deps), nil, nil
	case model.FunctionalitySimulation:
		sim := newSimulation(deps)
		var task channel.Task
		if deps.Simulation.AutoStep {
			task = sim.run
		}
		return sim.catalogue, task, nil
	}
	return nil, nil, fmt.Errorf("functions: unknown functionality %q", f)
}

// ignoredVehicles matches vehicles left out of "all vehicles" answers.
var ignoredVehicles = regexp.MustCompile(`^(COL|MOC)`)

const blockedPrefix = "BLO"

func regularVehicles(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if ignoredVehicles.MatchString(id) || strings.HasPrefix(id, blockedPrefix) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, invalidf("%s %q is not a number", name, s)
	}
	return v, nil
}

func stringList(ctx context.Context, e Engine, d engine.Domain, variable byte, objectID string) ([]string, error) {
	v, err := e.GetVariable(ctx, d, variable, objectID, traci.TypeStringList)
	if err != nil {
		return nil, err
	}
	return v.Strings, nil
}

func double(ctx context.Context, e Engine, d engine.Domain, variable byte, objectID string) (float64, error) {
	v, err := e.GetVariable(ctx, d, variable, objectID, traci.TypeDouble, traci.TypeInteger)
	if err != nil {
		return 0, err
	}
	if v.Type == traci.TypeInteger {
		return float64(v.Int), nil
	}
	return v.Double, nil
}

// geoPosition reads the network position of an object and converts it to
// lon/lat.
func geoPosition(ctx context.Context, e Engine, d engine.Domain, objectID string) (lon, lat float64, err error) {
	v, err := e.GetVariable(ctx, d, traci.VarPosition, objectID, traci.TypePosition2D)
	if err != nil {
		return 0, 0, err
	}
	return e.ConvertGeo(ctx, v.Pos.X, v.Pos.Y)
}
