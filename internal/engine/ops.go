package engine

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/traffic-gateway/internal/traci"
)

// Domain selects the object class a get, set or subscribe addresses.
type Domain struct {
	Name      string
	Get       byte
	Set       byte
	Subscribe byte
}

// Object domains used by the gateway.
var (
	Vehicle      = Domain{Name: "vehicle", Get: traci.CmdGetVehicleVariable, Set: traci.CmdSetVehicleVariable, Subscribe: traci.CmdSubscribeVehicleVariable}
	Simulation   = Domain{Name: "simulation", Get: traci.CmdGetSimVariable, Subscribe: traci.CmdSubscribeSimVariable}
	Edge         = Domain{Name: "edge", Get: traci.CmdGetEdgeVariable, Set: traci.CmdSetEdgeVariable}
	Lane         = Domain{Name: "lane", Get: traci.CmdGetLaneVariable, Set: traci.CmdSetLaneVariable}
	Route        = Domain{Name: "route", Get: traci.CmdGetRouteVariable, Set: traci.CmdSetRouteVariable}
	TrafficLight = Domain{Name: "trafficlight", Get: traci.CmdGetTLVariable, Set: traci.CmdSetTLVariable}
	Junction     = Domain{Name: "junction", Get: traci.CmdGetJunctionVariable}
)

// Step advances the simulation. target zero performs a single step. The
// returned results hold every active subscription.
func (b *Bridge) Step(ctx context.Context, target float64) ([]traci.SubscriptionResult, error) {
	var results []traci.SubscriptionResult
	err := b.submit(ctx, "step", []traci.Command{traci.SimStep(target)}, func(body []byte) error {
		var err error
		results, err = traci.ParseSimStep(body)
		return err
	})
	return results, err
}

// GetVariable reads one variable of one object. When types are given the
// value must have one of them; any other type is a protocol error and ends the
// session like a malformed reply.
func (b *Bridge) GetVariable(ctx context.Context, d Domain, variable byte, objectID string, types ...byte) (traci.Value, error) {
	if d.Get == 0 {
		return traci.Value{}, fmt.Errorf("engine: domain %s has no get command", d.Name)
	}
	return b.get(ctx, "get_"+d.Name, traci.GetVariable(d.Get, variable, objectID, nil), variable, objectID, types)
}

func (b *Bridge) get(ctx context.Context, op string, cmd traci.Command, variable byte, objectID string, types []byte) (traci.Value, error) {
	var v traci.Value
	err := b.submit(ctx, op, []traci.Command{cmd}, func(body []byte) error {
		var err error
		v, err = traci.ParseGetVariable(body, cmd.ID, variable, objectID)
		if err != nil {
			return err
		}
		return v.Expect(types...)
	})
	return v, err
}

// SetVariable changes one variable of one object.
func (b *Bridge) SetVariable(ctx context.Context, d Domain, variable byte, objectID string, v traci.Value) error {
	if d.Set == 0 {
		return fmt.Errorf("engine: domain %s has no set command", d.Name)
	}
	return b.submit(ctx, "set_"+d.Name, []traci.Command{traci.SetVariable(d.Set, variable, objectID, v)}, func(body []byte) error {
		return traci.ParseStatusOnly(body, d.Set)
	})
}

// AddVehicle defines routeID from edges and inserts vehicleID on it as one
// job, so no other request can interleave between the two commands.
func (b *Bridge) AddVehicle(ctx context.Context, vehicleID, routeID, typeID string, edges []string) error {
	cmds := []traci.Command{
		traci.AddRoute(routeID, edges),
		traci.AddVehicle(vehicleID, routeID, typeID),
	}
	return b.submit(ctx, "add_vehicle", cmds, func(body []byte) error {
		return traci.ParseStatusOnly(body, traci.CmdSetRouteVariable, traci.CmdSetVehicleVariable)
	})
}

// RemoveVehicle removes vehicleID from the simulation.
func (b *Bridge) RemoveVehicle(ctx context.Context, vehicleID string) error {
	return b.submit(ctx, "remove_vehicle", []traci.Command{traci.RemoveVehicle(vehicleID)}, func(body []byte) error {
		return traci.ParseStatusOnly(body, traci.CmdSetVehicleVariable)
	})
}

// Subscribe asks the engine to report variables of objectID after every step
// until end. It returns the current values.
func (b *Bridge) Subscribe(ctx context.Context, d Domain, objectID string, end float64, variables []byte) (traci.SubscriptionResult, error) {
	if d.Subscribe == 0 {
		return traci.SubscriptionResult{}, fmt.Errorf("engine: domain %s has no subscribe command", d.Name)
	}
	var res traci.SubscriptionResult
	cmd := traci.Subscribe(d.Subscribe, objectID, 0, end, variables)
	err := b.submit(ctx, "subscribe_"+d.Name, []traci.Command{cmd}, func(body []byte) error {
		var err error
		res, err = traci.ParseSubscribe(body, d.Subscribe)
		return err
	})
	return res, err
}

// AddStoppedVehicle inserts vehicleID on routeID and stops it at pos on lane
// of edge for good, as one job.
func (b *Bridge) AddStoppedVehicle(ctx context.Context, vehicleID, routeID, typeID, edge string, pos float64, lane byte) error {
	cmds := []traci.Command{
		traci.AddVehicle(vehicleID, routeID, typeID),
		traci.SetStop(vehicleID, edge, pos, lane, traci.StopForever),
	}
	return b.submit(ctx, "add_stopped_vehicle", cmds, func(body []byte) error {
		return traci.ParseStatusOnly(body, traci.CmdSetVehicleVariable, traci.CmdSetVehicleVariable)
	})
}

// LaneLinks lists the connections leaving laneID.
func (b *Bridge) LaneLinks(ctx context.Context, laneID string) ([]traci.Link, error) {
	cmd := traci.GetVariable(traci.CmdGetLaneVariable, traci.VarLaneLinks, laneID, nil)
	var links []traci.Link
	err := b.submit(ctx, "get_lane_links", []traci.Command{cmd}, func(body []byte) error {
		v, err := traci.ParseGetVariable(body, cmd.ID, traci.VarLaneLinks, laneID)
		if err != nil {
			return err
		}
		links, err = traci.ParseLinks(v)
		return err
	})
	return links, err
}

// ConvertGeo converts a network position to longitude and latitude.
func (b *Bridge) ConvertGeo(ctx context.Context, x, y float64) (lon, lat float64, err error) {
	v, err := b.get(ctx, "convert_geo", traci.ConvertToGeo(x, y), traci.VarPositionConversion, "", []byte{traci.TypePositionLonLat})
	if err != nil {
		return 0, 0, err
	}
	return v.Pos.X, v.Pos.Y, nil
}

// ConvertRoad maps a longitude and latitude onto the closest lane.
func (b *Bridge) ConvertRoad(ctx context.Context, lon, lat float64) (traci.RoadPosition, error) {
	v, err := b.get(ctx, "convert_road", traci.ConvertToRoad(lon, lat), traci.VarPositionConversion, "", []byte{traci.TypePositionRoadmap})
	if err != nil {
		return traci.RoadPosition{}, err
	}
	return v.Road, nil
}
