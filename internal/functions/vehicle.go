package functions

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// DefaultVehicleType is the engine's built-in vehicle type.
const DefaultVehicleType = "DEFAULT_VEHTYPE"

const (
	priorityNone     = "0"
	priorityVehicle  = "1"
	routeIDPrefix    = "R"
	junctionIDPrefix = ":"
	mockPrefix       = "MOC"
	// mockAttempts bounds the random routes tried per stress vehicle.
	mockAttempts = 10
)

type vehicle struct {
	engine Engine
	log    logging.Logger
	routes atomic.Uint64
}

func newVehicle(deps Deps) *catalogue {
	v := &vehicle{engine: deps.Engine, log: deps.Log}
	return &catalogue{
		functionality: model.FunctionalityVehicle,
		log:           deps.Log,
		ops: map[string]opFunc{
			"ADD": v.add,
			"DEL": v.remove,
			"SPE": v.speed,
			"COO": v.coordinates,
			"ARR": v.arrived,
			"MOC": v.mock,
		},
	}
}

// add handles "ADD vehicleId priority edge1 ... edgeN".
func (v *vehicle) add(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) < 2 {
		return nil, invalidf("ADD needs a vehicle id and a priority")
	}
	id, priority := args[0], args[1]
	if priority != priorityNone && priority != priorityVehicle {
		return nil, invalidf("priority %q is neither 0 nor 1", priority)
	}

	edges := make([]string, 0, len(args)-2)
	for _, e := range args[2:] {
		if !strings.HasPrefix(e, junctionIDPrefix) {
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		return nil, &statusError{status: codec.StatusEmptyRoute, err: fmt.Errorf("vehicle %s: empty route", id)}
	}

	routeID := fmt.Sprintf("%s%s%d", routeIDPrefix, id, v.routes.Add(1)-1)
	if err := v.engine.AddVehicle(ctx, id, routeID, DefaultVehicleType, edges); err != nil {
		return nil, rejected(err, codec.StatusInvalidRoute)
	}
	logging.FromContext(ctx, v.log).Info(ctx, "vehicle added",
		logging.String("vehicle_id", id),
		logging.String("route_id", routeID),
		logging.Int("edges", len(edges)),
		logging.Any("priority", priority == priorityVehicle),
	)
	return []string{"ACK", id}, nil
}

// remove handles "DEL [vehicleId...]". Every listed vehicle is attempted; an
// unknown one is reported after the rest are gone.
func (v *vehicle) remove(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	ids, err := v.selectVehicles(ctx, args)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, id := range ids {
		err := v.engine.RemoveVehicle(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrCommand):
			unknown = append(unknown, id)
		default:
			return nil, err
		}
	}
	if len(unknown) > 0 {
		return nil, &statusError{
			status: codec.StatusUnknownVehicle,
			err:    fmt.Errorf("unknown vehicles: %s", strings.Join(unknown, " ")),
		}
	}
	return []string{"ACK"}, nil
}

func (v *vehicle) speed(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	ids, err := v.selectVehicles(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 1+2*len(ids))
	out = append(out, "SPE")
	for _, id := range ids {
		speed, err := double(ctx, v.engine, engine.Vehicle, traci.VarSpeed, id)
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownVehicle)
		}
		out = append(out, id, formatFloat(speed))
	}
	return out, nil
}

func (v *vehicle) coordinates(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	ids, err := v.selectVehicles(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 1+3*len(ids))
	out = append(out, "COO")
	for _, id := range ids {
		lon, lat, err := geoPosition(ctx, v.engine, engine.Vehicle, id)
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownVehicle)
		}
		out = append(out, id, formatFloat(lon), formatFloat(lat))
	}
	return out, nil
}

// arrived lists the regular vehicles that reached their destination during
// the last step.
func (v *vehicle) arrived(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 0 {
		return nil, invalidf("ARR takes no arguments")
	}
	ids, err := stringList(ctx, v.engine, engine.Simulation, traci.VarArrivedVehiclesIDs, "")
	if err != nil {
		return nil, err
	}
	return append([]string{"ARR"}, regularVehicles(ids)...), nil
}

// mock handles "MOC prefix count routeLength": count stress vehicles, each on
// a random route that starts on a random edge and follows routeLength lane
// links. Ids always start with MOC so stress vehicles stay out of listings.
func (v *vehicle) mock(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) != 3 {
		return nil, invalidf("MOC needs a prefix, a vehicle count and a route length")
	}
	prefix := args[0]
	if !strings.HasPrefix(prefix, mockPrefix) {
		prefix = mockPrefix + prefix
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return nil, &statusError{status: codec.StatusMockFailed, err: invalidf("vehicle count %q is not a non-negative integer", args[1])}
	}
	length, err := strconv.Atoi(args[2])
	if err != nil || length < 0 {
		return nil, &statusError{status: codec.StatusMockFailed, err: invalidf("route length %q is not a non-negative integer", args[2])}
	}

	ids, err := stringList(ctx, v.engine, engine.Edge, traci.VarIDList, "")
	if err != nil {
		return nil, err
	}
	edges := ids[:0]
	for _, id := range ids {
		if !strings.HasPrefix(id, junctionIDPrefix) {
			edges = append(edges, id)
		}
	}
	if len(edges) == 0 && count > 0 {
		return nil, &statusError{status: codec.StatusMockFailed, err: errors.New("network has no edges")}
	}

	for i := 0; i < count; i++ {
		id := prefix + strconv.Itoa(i)
		if err := v.addRandom(ctx, id, edges, length); err != nil {
			return nil, err
		}
	}
	logging.FromContext(ctx, v.log).Info(ctx, "stress vehicles added",
		logging.String("prefix", prefix),
		logging.Int("count", count),
		logging.Int("route_length", length),
	)
	return []string{"ACK"}, nil
}

func (v *vehicle) addRandom(ctx context.Context, id string, edges []string, length int) error {
	for attempt := 0; attempt < mockAttempts; attempt++ {
		route, err := v.randomRoute(ctx, edges, length)
		if err != nil {
			return err
		}
		if route == nil {
			continue
		}
		routeID := fmt.Sprintf("%s%s%d", routeIDPrefix, id, v.routes.Add(1)-1)
		if err := v.engine.AddVehicle(ctx, id, routeID, DefaultVehicleType, route); err != nil {
			return rejected(err, codec.StatusMockFailed)
		}
		return nil
	}
	return &statusError{status: codec.StatusMockFailed, err: fmt.Errorf("vehicle %s: no route after %d attempts", id, mockAttempts)}
}

// randomRoute returns nil when the walk reaches a lane without links.
func (v *vehicle) randomRoute(ctx context.Context, edges []string, length int) ([]string, error) {
	route := make([]string, 0, 1+length)
	route = append(route, edges[rand.IntN(len(edges))])
	for len(route) <= length {
		links, err := v.engine.LaneLinks(ctx, firstLane(route[len(route)-1]))
		if errors.Is(err, engine.ErrCommand) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return nil, nil
		}
		route = append(route, links[rand.IntN(len(links))].Edge())
	}
	return route, nil
}

func (v *vehicle) selectVehicles(ctx context.Context, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	ids, err := stringList(ctx, v.engine, engine.Vehicle, traci.VarIDList, "")
	if err != nil {
		return nil, err
	}
	return regularVehicles(ids), nil
}
