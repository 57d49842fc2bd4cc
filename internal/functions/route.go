package functions

import (
	"context"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
	"github.com/signalsfoundry/traffic-gateway/model"
)

const (
	algorithmDuarouter = "DUA"

	pointsAsEdges = "0"
	pointsAsGeo   = "1"
)

type route struct {
	engine   Engine
	router   Router
	scenario string
}

func newRoute(deps Deps) *catalogue {
	r := &route{engine: deps.Engine, router: deps.Router, scenario: deps.Scenario}
	return &catalogue{
		functionality: model.FunctionalityRoute,
		log:           deps.Log,
		ops: map[string]opFunc{
			"GET": r.get,
		},
	}
}

// get handles "GET algorithm geo src dest1 ... destN". With geo 1 every point
// is a lon lat pair resolved to its closest edge first.
func (r *route) get(ctx context.Context, _ *channel.Session, args []string) ([]string, error) {
	if len(args) < 4 {
		return nil, invalidf("GET needs an algorithm, a geo flag, a source and at least one destination")
	}
	if args[0] != algorithmDuarouter {
		return nil, &statusError{status: codec.StatusInvalidAlgorithm, err: invalidf("unsupported routing algorithm %q", args[0])}
	}

	var points []string
	switch args[1] {
	case pointsAsEdges:
		points = args[2:]
	case pointsAsGeo:
		var err error
		points, err = r.resolve(ctx, args[2:])
		if err != nil {
			return nil, err
		}
	default:
		return nil, &statusError{status: codec.StatusInvalidGeo, err: invalidf("geo flag %q is neither 0 nor 1", args[1])}
	}

	res, err := r.router.Invoke(ctx, router.Invocation{
		Scenario:     r.scenario,
		From:         points[0],
		Destinations: points[1:],
	})
	if err != nil {
		return nil, routingFailure(err)
	}
	return append([]string{"ROU"}, res.Edges...), nil
}

func (r *route) resolve(ctx context.Context, coords []string) ([]string, error) {
	if len(coords)%2 != 0 || len(coords) < 4 {
		return nil, &statusError{status: codec.StatusInvalidGeo, err: invalidf("expected lon lat pairs, got %d values", len(coords))}
	}
	edges := make([]string, 0, len(coords)/2)
	for i := 0; i < len(coords); i += 2 {
		lon, err := parseFloat("longitude", coords[i])
		if err != nil {
			return nil, err
		}
		lat, err := parseFloat("latitude", coords[i+1])
		if err != nil {
			return nil, err
		}
		road, err := r.engine.ConvertRoad(ctx, lon, lat)
		if err != nil {
			return nil, rejected(err, codec.StatusInvalidGeo)
		}
		edges = append(edges, road.EdgeID)
	}
	return edges, nil
}
