package functions

import (
	"context"
	"errors"
	"fmt"
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

type graph struct {
	engine Engine
	log    logging.Logger
	blocks atomic.Uint64
}

func newGraph(deps Deps) *catalogue {
	g := &graph{engine: deps.Engine, log: deps.Log}
	return &catalogue{
		functionality: model.FunctionalityGraph,
		log:           deps.Log,
		ops: map[string]opFunc{
			"EID": g.edgeID,
			"LEN": g.length,
			"CON": g.congestion,
			"BLO": g.block,
			"UNB": g.unblock,
		},
	}
}

// edgeID answers "EID" with every edge, or "EID lon lat" with the edge
// closest to the point.
func (g *graph) edgeID(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	switch len(args) {
	case 0:
		edges, err := g.edges(ctx)
		if err != nil {
			return nil, err
		}
		return append([]string{"EID"}, edges...), nil
	case 2:
		lon, err := parseFloat("longitude", args[0])
		if err != nil {
			return nil, err
		}
		lat, err := parseFloat("latitude", args[1])
		if err != nil {
			return nil, err
		}
		road, err := g.engine.ConvertRoad(ctx, lon, lat)
		if err != nil {
			return nil, rejected(err, codec.StatusInvalidGeo)
		}
		return []string{"EID", road.EdgeID}, nil
	}
	return nil, invalidf("EID takes no arguments or a lon lat pair, got %d arguments", len(args))
}

func (g *graph) length(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	edges, err := g.selectEdges(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 1+2*len(edges))
	out = append(out, "LEN")
	for _, edge := range edges {
		length, err := double(ctx, g.engine, engine.Lane, traci.VarLength, firstLane(edge))
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownEdge)
		}
		out = append(out, edge, formatFloat(length))
	}
	return out, nil
}

// congestion reports last-step mean speed over max speed for each edge.
func (g *graph) congestion(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	edges, err := g.selectEdges(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 1+2*len(edges))
	out = append(out, "CON")
	for _, edge := range edges {
		lane := firstLane(edge)
		mean, err := double(ctx, g.engine, engine.Lane, traci.VarLastStepMeanSpeed, lane)
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownEdge)
		}
		maxSpeed, err := double(ctx, g.engine, engine.Lane, traci.VarMaxSpeed, lane)
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownEdge)
		}
		ratio := 0.0
		if maxSpeed > 0 {
			ratio = mean / maxSpeed
		}
		out = append(out, edge, formatFloat(ratio))
	}
	return out, nil
}

// block handles "BLO edge1 lanes1 ... edgeN lanesN". Each edge gets a route of
// its own and one vehicle stopped for good halfway along each of its first
// lanes. Blocking stops early on an edge with fewer lanes than asked.
func (g *graph) block(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, &statusError{status: codec.StatusInvalidBlock, err: invalidf("BLO needs edge and lane count pairs, got %d arguments", len(args))}
	}
	for i := 0; i < len(args); i += 2 {
		edge := args[i]
		lanes, err := strconv.Atoi(args[i+1])
		if err != nil || lanes < 1 {
			return nil, &statusError{status: codec.StatusInvalidBlock, err: invalidf("lane count %q of edge %s is not a positive integer", args[i+1], edge)}
		}
		n, err := g.blockEdge(ctx, edge, lanes)
		if err != nil {
			return nil, err
		}
		logging.FromContext(ctx, g.log).Info(ctx, "edge blocked",
			logging.String("edge_id", edge),
			logging.Int("lanes", n),
		)
	}
	return []string{"ACK"}, nil
}

func (g *graph) blockEdge(ctx context.Context, edge string, lanes int) (int, error) {
	n := g.blocks.Add(1)
	routeID := fmt.Sprintf("%s%d", blockedPrefix, n)
	if err := g.engine.SetVariable(ctx, engine.Route, traci.VarAdd, routeID, traci.StringListValue([]string{edge})); err != nil {
		return 0, rejected(err, codec.StatusUnknownEdge)
	}
	for lane := 0; lane < lanes; lane++ {
		length, err := double(ctx, g.engine, engine.Lane, traci.VarLength, laneID(edge, lane))
		if errors.Is(err, engine.ErrCommand) {
			return lane, nil
		}
		if err != nil {
			return lane, err
		}
		vehicleID := fmt.Sprintf("%s%d.%d", blockedPrefix, n, lane)
		if err := g.engine.AddStoppedVehicle(ctx, vehicleID, routeID, DefaultVehicleType, edge, length/2, byte(lane)); err != nil {
			return lane, rejected(err, codec.StatusInvalidBlock)
		}
	}
	return lanes, nil
}

// unblock handles "UNB edge1 ... edgeN" by removing the blocking vehicles
// currently on each edge.
func (g *graph) unblock(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, invalidf("UNB needs at least one edge")
	}
	for _, edge := range args {
		ids, err := stringList(ctx, g.engine, engine.Edge, traci.VarLastStepVehicleIDs, edge)
		if err != nil {
			return nil, rejected(err, codec.StatusUnknownEdge)
		}
		for _, id := range ids {
			if !strings.HasPrefix(id, blockedPrefix) {
				continue
			}
			if err := g.engine.RemoveVehicle(ctx, id); err != nil {
				return nil, rejected(err, codec.StatusInvalidBlock)
			}
		}
	}
	return []string{"ACK"}, nil
}

func (g *graph) selectEdges(ctx context.Context, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	return g.edges(ctx)
}

// edges lists every normal edge; internal junction edges are skipped.
func (g *graph) edges(ctx context.Context) ([]string, error) {
	ids, err := stringList(ctx, g.engine, engine.Edge, traci.VarIDList, "")
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if !strings.HasPrefix(id, ":") {
			out = append(out, id)
		}
	}
	return out, nil
}

func firstLane(edge string) string { return laneID(edge, 0) }

func laneID(edge string, index int) string { return edge + "_" + strconv.Itoa(index) }
