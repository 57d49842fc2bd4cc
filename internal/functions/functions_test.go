package functions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/internal/traci/tracitest"
	"github.com/signalsfoundry/traffic-gateway/model"
)

func newEngine(t *testing.T) (*engine.Bridge, *tracitest.Server) {
	t.Helper()
	return newEngineOn(t, tracitest.DefaultNetwork())
}

func newEngineOn(t *testing.T, network tracitest.Network) (*engine.Bridge, *tracitest.Server) {
	t.Helper()
	srv, err := tracitest.NewServer("127.0.0.1:0", network)
	if err != nil {
		t.Fatalf("tracitest.NewServer: %v", err)
	}
	b := engine.New(engine.Options{Addr: srv.Addr(), CallTimeout: time.Second})
	if _, err := b.Open(context.Background()); err != nil {
		srv.Close()
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close(context.Background())
		_ = srv.Close()
	})
	return b, srv
}

func handlerFor(t *testing.T, f model.Functionality, deps Deps) channel.Handler {
	t.Helper()
	h, _, err := For(f, deps)
	if err != nil {
		t.Fatalf("For(%s): %v", f, err)
	}
	return h
}

func call(h channel.Handler, op string, args ...string) codec.Response {
	return h.Handle(context.Background(), nil, codec.Request{ID: 7, Op: op, Args: args})
}

func expectFields(t *testing.T, resp codec.Response, want ...string) {
	t.Helper()
	if resp.Status != codec.StatusOK {
		t.Fatalf("status = %s (%s), want OK", resp.Status, resp.Message)
	}
	if !reflect.DeepEqual(resp.Fields, want) {
		t.Fatalf("fields = %q, want %q", resp.Fields, want)
	}
}

func expectStatus(t *testing.T, resp codec.Response, want codec.Status) {
	t.Helper()
	if resp.Status != want {
		t.Fatalf("status = %s (%s), want %s", resp.Status, resp.Message, want)
	}
}

// downEngine fails every call as if no session were open.
type downEngine struct{}

func (downEngine) Step(context.Context, float64) ([]traci.SubscriptionResult, error) {
	return nil, engine.ErrUnavailable
}
func (downEngine) GetVariable(context.Context, engine.Domain, byte, string, ...byte) (traci.Value, error) {
	return traci.Value{}, engine.ErrUnavailable
}
func (downEngine) SetVariable(context.Context, engine.Domain, byte, string, traci.Value) error {
	return engine.ErrUnavailable
}
func (downEngine) AddVehicle(context.Context, string, string, string, []string) error {
	return engine.ErrUnavailable
}
func (downEngine) AddStoppedVehicle(context.Context, string, string, string, string, float64, byte) error {
	return engine.ErrUnavailable
}
func (downEngine) RemoveVehicle(context.Context, string) error { return engine.ErrUnavailable }
func (downEngine) LaneLinks(context.Context, string) ([]traci.Link, error) {
	return nil, engine.ErrUnavailable
}
func (downEngine) Subscribe(context.Context, engine.Domain, string, float64, []byte) (traci.SubscriptionResult, error) {
	return traci.SubscriptionResult{}, engine.ErrUnavailable
}
func (downEngine) ConvertGeo(context.Context, float64, float64) (float64, float64, error) {
	return 0, 0, engine.ErrUnavailable
}
func (downEngine) ConvertRoad(context.Context, float64, float64) (traci.RoadPosition, error) {
	return traci.RoadPosition{}, engine.ErrUnavailable
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []router.Invocation
	edges []string
	err   error
}

func (r *fakeRouter) Invoke(_ context.Context, in router.Invocation) (router.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	if r.err != nil {
		return router.Result{}, r.err
	}
	return router.Result{Edges: r.edges}, nil
}

func TestPingNeverTouchesEngine(t *testing.T) {
	deps := Deps{Engine: downEngine{}, Router: &fakeRouter{}}
	for _, f := range model.Catalogue {
		h := handlerFor(t, f, deps)
		expectFields(t, call(h, "PNG"), "PON")
		expectFields(t, call(h, "png"), "PON")
	}
}

func TestUnknownOperation(t *testing.T) {
	h := handlerFor(t, model.FunctionalityGraph, Deps{Engine: downEngine{}})
	resp := call(h, "SUC")
	expectStatus(t, resp, codec.StatusInvalidMessage)
	if resp.ID != 7 {
		t.Fatalf("reply id = %d, want 7", resp.ID)
	}
}

func TestEngineUnavailableIsTypedError(t *testing.T) {
	h := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: downEngine{}})
	expectStatus(t, call(h, "SPE"), codec.StatusEngineUnavailable)
	expectStatus(t, call(h, "ADD", "v1", "0", "e1"), codec.StatusEngineUnavailable)
}

func TestForRejectsMissingDependencies(t *testing.T) {
	if _, _, err := For(model.FunctionalityGraph, Deps{}); err == nil {
		t.Fatalf("For without engine succeeded")
	}
	if _, _, err := For(model.FunctionalityRoute, Deps{Engine: downEngine{}}); err == nil {
		t.Fatalf("For(route) without router succeeded")
	}
	if _, _, err := For("teleport", Deps{Engine: downEngine{}}); err == nil {
		t.Fatalf("For(unknown) succeeded")
	}
	_, task, err := For(model.FunctionalitySimulation, Deps{Engine: downEngine{}})
	if err != nil || task != nil {
		t.Fatalf("For(simulation) without auto step = task %v, err %v; want no task", task != nil, err)
	}
}

func TestGraphOperations(t *testing.T) {
	b, _ := newEngine(t)
	h := handlerFor(t, model.FunctionalityGraph, Deps{Engine: b})

	expectFields(t, call(h, "EID"), "EID", "-e1", "e1", "e2", "e3")
	expectFields(t, call(h, "EID", "-6.25", "53.34"), "EID", "e2")
	expectFields(t, call(h, "LEN", "e1", "e2"), "LEN", "e1", "100", "e2", "200")
	expectFields(t, call(h, "CON", "e3"), "CON", "e3", "1")

	expectStatus(t, call(h, "LEN", "nowhere"), codec.StatusUnknownEdge)
	expectStatus(t, call(h, "CON", "nowhere"), codec.StatusUnknownEdge)
	expectStatus(t, call(h, "EID", "east", "53"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "EID", "1"), codec.StatusInvalidMessage)

	all := call(h, "LEN")
	if all.Status != codec.StatusOK || len(all.Fields) != 1+2*4 {
		t.Fatalf("LEN for all edges = %+v", all)
	}
}

func TestGraphBlockAndUnblock(t *testing.T) {
	b, srv := newEngine(t)
	graph := handlerFor(t, model.FunctionalityGraph, Deps{Engine: b})
	vehicles := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})
	sim := handlerFor(t, model.FunctionalitySimulation, Deps{Engine: b})

	expectFields(t, call(vehicles, "ADD", "v1", "0", "e2", "e3"), "ACK", "v1")
	expectFields(t, call(graph, "BLO", "e2", "2"), "ACK")
	if got, want := srv.Vehicles(), []string{"BLO1.0", "BLO1.1", "v1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("vehicles after BLO = %q, want %q", got, want)
	}
	expectFields(t, call(vehicles, "SPE"), "SPE", "v1", "10")

	expectFields(t, call(sim, "STP"), "STP", "1")
	if got, want := srv.Vehicles(), []string{"BLO1.0", "BLO1.1", "v1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("vehicles after a step = %q, want blockers still stopped %q", got, want)
	}

	// e2 has two lanes; the third is skipped.
	expectFields(t, call(graph, "BLO", "e2", "3"), "ACK")
	if got := len(srv.Vehicles()); got != 5 {
		t.Fatalf("vehicle count after BLO e2 3 = %d, want 5", got)
	}

	expectFields(t, call(graph, "UNB", "e2"), "ACK")
	if got, want := srv.Vehicles(), []string{"v1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("vehicles after UNB = %q, want %q", got, want)
	}

	expectStatus(t, call(graph, "BLO", "e9", "1"), codec.StatusUnknownEdge)
	expectStatus(t, call(graph, "BLO", "e2"), codec.StatusInvalidBlock)
	expectStatus(t, call(graph, "BLO", "e2", "two"), codec.StatusInvalidBlock)
	expectStatus(t, call(graph, "BLO", "e2", "0"), codec.StatusInvalidBlock)
	expectStatus(t, call(graph, "UNB", "e9"), codec.StatusUnknownEdge)
	expectStatus(t, call(graph, "UNB"), codec.StatusInvalidMessage)
}

func TestVehicleMock(t *testing.T) {
	b, srv := newEngine(t)
	h := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})

	expectFields(t, call(h, "MOC", "stress", "3", "2"), "ACK")
	if got, want := srv.Vehicles(), []string{"MOCstress0", "MOCstress1", "MOCstress2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("vehicles after MOC = %q, want %q", got, want)
	}
	expectFields(t, call(h, "SPE"), "SPE")

	expectStatus(t, call(h, "MOC", "stress", "1", "0"), codec.StatusMockFailed)
	expectStatus(t, call(h, "MOC", "x", "many", "2"), codec.StatusMockFailed)
	expectStatus(t, call(h, "MOC", "x", "1", "-1"), codec.StatusMockFailed)
	expectStatus(t, call(h, "MOC", "x", "1"), codec.StatusInvalidMessage)
}

func TestVehicleMockGivesUpWithoutLinks(t *testing.T) {
	network := tracitest.DefaultNetwork()
	network.Links = nil
	b, srv := newEngineOn(t, network)
	h := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})

	expectStatus(t, call(h, "MOC", "MOC", "1", "1"), codec.StatusMockFailed)
	if got := srv.Vehicles(); len(got) != 0 {
		t.Fatalf("vehicles after failed MOC = %q, want none", got)
	}
	expectFields(t, call(h, "MOC", "MOC", "1", "0"), "ACK")
}

func TestVehicleOperations(t *testing.T) {
	b, srv := newEngine(t)
	h := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})

	expectFields(t, call(h, "ADD", "v1", "0", "e1", "e2", "e3"), "ACK", "v1")
	expectFields(t, call(h, "ADD", "COL7", "1", "e1"), "ACK", "COL7")
	expectStatus(t, call(h, "ADD", "v1", "0", "e1"), codec.StatusInvalidRoute)
	expectStatus(t, call(h, "ADD", "v2", "0", "bogus"), codec.StatusInvalidRoute)
	expectStatus(t, call(h, "ADD", "v3", "0", ":j1_0"), codec.StatusEmptyRoute)
	expectStatus(t, call(h, "ADD", "v4", "2", "e1"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "ADD", "v5"), codec.StatusInvalidMessage)

	expectFields(t, call(h, "SPE"), "SPE", "v1", "10")
	expectFields(t, call(h, "SPE", "COL7"), "SPE", "COL7", "10")
	expectFields(t, call(h, "COO", "v1"), "COO", "v1", "-6.26", "53.34")
	expectStatus(t, call(h, "SPE", "ghost"), codec.StatusUnknownVehicle)
	expectStatus(t, call(h, "COO", "ghost"), codec.StatusUnknownVehicle)

	expectStatus(t, call(h, "DEL", "ghost", "v1"), codec.StatusUnknownVehicle)
	if got := srv.Vehicles(); !reflect.DeepEqual(got, []string{"COL7"}) {
		t.Fatalf("vehicles after DEL = %q, want only the ignored one", got)
	}
	expectFields(t, call(h, "DEL"), "ACK")
	if got := srv.Vehicles(); !reflect.DeepEqual(got, []string{"COL7"}) {
		t.Fatalf("DEL of all vehicles removed an ignored vehicle: %q", got)
	}
}

func TestVehicleRouteIDsAreUnique(t *testing.T) {
	b, _ := newEngine(t)
	h := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})

	// Re-adding a removed vehicle needs a fresh route id.
	for i := 0; i < 3; i++ {
		expectFields(t, call(h, "ADD", "v1", "0", "e1"), "ACK", "v1")
		expectFields(t, call(h, "DEL", "v1"), "ACK")
	}
}

func TestArrivedVehicles(t *testing.T) {
	b, _ := newEngine(t)
	vehicles := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})
	sim := handlerFor(t, model.FunctionalitySimulation, Deps{Engine: b})

	expectFields(t, call(vehicles, "ADD", "v1", "0", "e1"), "ACK", "v1")
	expectFields(t, call(vehicles, "ADD", "MOC1", "0", "e1"), "ACK", "MOC1")
	expectFields(t, call(vehicles, "ARR"), "ARR")
	expectFields(t, call(sim, "STP"), "STP", "1")
	expectFields(t, call(vehicles, "ARR"), "ARR", "v1")
	expectStatus(t, call(vehicles, "ARR", "v1"), codec.StatusInvalidMessage)
}

func TestLightsOperations(t *testing.T) {
	b, _ := newEngine(t)
	h := handlerFor(t, model.FunctionalityLights, Deps{Engine: b})

	expectFields(t, call(h, "LST"), "LST", "tl1", "tl2")
	expectFields(t, call(h, "GET", "tl1"), "DET", "tl1", "0", "30", "GGrr")
	expectFields(t, call(h, "SET", "tl1", "2"), "ACK")
	expectFields(t, call(h, "GET", "tl1"), "DET", "tl1", "2", "30", "rrGG")

	expectStatus(t, call(h, "SET", "tl1", "9"), codec.StatusPhaseIndex)
	expectStatus(t, call(h, "SET", "tl1", "two"), codec.StatusPhaseIndex)
	expectStatus(t, call(h, "SET", "tl1"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "GET", "tl9"), codec.StatusEngineRejected)
}

func TestLightsCoordinates(t *testing.T) {
	b, _ := newEngine(t)
	h := handlerFor(t, model.FunctionalityLights, Deps{Engine: b})

	network := tracitest.DefaultNetwork()
	geo := func(p tracitest.Point) (string, string) {
		return formatFloat(network.OriginLon + p.X/1e5), formatFloat(network.OriginLat + p.Y/1e5)
	}
	lon1, lat1 := geo(network.Junctions["tl1"])
	lon2, lat2 := geo(network.Junctions["tl2"])

	expectFields(t, call(h, "COO"), "COO", "tl1", lon1, lat1, "tl2", lon2, lat2)
	expectFields(t, call(h, "COO", "tl2"), "COO", "tl2", lon2, lat2)
	expectStatus(t, call(h, "COO", "tl9"), codec.StatusEngineRejected)
}

func TestRouteRequest(t *testing.T) {
	r := &fakeRouter{edges: []string{"e1", "e2", "e3"}}
	h := handlerFor(t, model.FunctionalityRoute, Deps{Engine: downEngine{}, Router: r, Scenario: "dublin"})

	expectFields(t, call(h, "GET", "DUA", "0", "e1", "e2", "e3"), "ROU", "e1", "e2", "e3")
	want := router.Invocation{Scenario: "dublin", From: "e1", Destinations: []string{"e2", "e3"}}
	if !reflect.DeepEqual(r.calls[0], want) {
		t.Fatalf("invocation = %+v, want %+v", r.calls[0], want)
	}

	expectStatus(t, call(h, "GET", "DIJ", "0", "e1", "e2"), codec.StatusInvalidAlgorithm)
	expectStatus(t, call(h, "GET", "DUA", "2", "e1", "e2"), codec.StatusInvalidGeo)
	expectStatus(t, call(h, "GET", "DUA", "0", "e1"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "GET", "DUA", "1", "1", "2", "3"), codec.StatusInvalidGeo)
	expectStatus(t, call(h, "GET", "DUA", "1", "-6.25", "53.34", "-6.27", "53.34"), codec.StatusEngineUnavailable)
	if len(r.calls) != 1 {
		t.Fatalf("router called %d times, want 1", len(r.calls))
	}
}

func TestRouteRequestWithCoordinates(t *testing.T) {
	b, _ := newEngine(t)
	r := &fakeRouter{edges: []string{"e2", "e1"}}
	h := handlerFor(t, model.FunctionalityRoute, Deps{Engine: b, Router: r, Scenario: "dublin"})

	expectFields(t, call(h, "GET", "DUA", "1", "-6.25", "53.34", "-6.27", "53.34"), "ROU", "e2", "e1")
	if got := r.calls[0]; got.From != "e2" || !reflect.DeepEqual(got.Destinations, []string{"e1"}) {
		t.Fatalf("invocation = %+v, want e2 to e1", got)
	}
	expectStatus(t, call(h, "GET", "DUA", "1", "west", "53.34", "-6.27", "53.34"), codec.StatusInvalidMessage)
}

func TestRouteToolFailures(t *testing.T) {
	cases := []struct {
		err  error
		want codec.Status
	}{
		{router.ErrToolBusy, codec.StatusToolBusy},
		{fmt.Errorf("%w: duarouter", router.ErrToolNotFound), codec.StatusToolNotFound},
		{&router.ExecutionError{ExitCode: 1, Stderr: "boom"}, codec.StatusToolFailed},
		{router.ErrToolTimeout, codec.StatusToolTimeout},
		{router.ErrNoRoute, codec.StatusRouteConnection},
		{router.ErrInvalid, codec.StatusInvalidMessage},
		{errors.New("disk full"), codec.StatusRoutingFailed},
	}
	for _, tc := range cases {
		r := &fakeRouter{err: tc.err}
		h := handlerFor(t, model.FunctionalityRoute, Deps{Engine: downEngine{}, Router: r, Scenario: "s"})
		expectStatus(t, call(h, "GET", "DUA", "0", "e1", "e2"), tc.want)
	}
}

func TestStatusFor(t *testing.T) {
	cmdErr := fmt.Errorf("%w: %w", engine.ErrCommand, &traci.CommandError{Command: traci.CmdSetVehicleVariable, Description: "no such vehicle"})
	cases := []struct {
		name string
		err  error
		want codec.Status
	}{
		{"nil", nil, codec.StatusOK},
		{"unavailable", fmt.Errorf("step: %w", engine.ErrUnavailable), codec.StatusEngineUnavailable},
		{"protocol", engine.ErrProtocol, codec.StatusEngineProtocol},
		{"timeout", engine.ErrTimeout, codec.StatusEngineTimeout},
		{"deadline", context.DeadlineExceeded, codec.StatusEngineTimeout},
		{"command", cmdErr, codec.StatusEngineRejected},
		{"rejected command", rejected(cmdErr, codec.StatusUnknownVehicle), codec.StatusUnknownVehicle},
		{"rejected liveness", rejected(engine.ErrUnavailable, codec.StatusUnknownVehicle), codec.StatusEngineUnavailable},
		{"invalid", invalidf("bad"), codec.StatusInvalidMessage},
		{"sentinel", ErrInvalidRequest, codec.StatusInvalidMessage},
		{"unclassified", errors.New("engine: domain junction has no set command"), codec.StatusInternal},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%s: statusFor = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSimulationStepAndTime(t *testing.T) {
	b, srv := newEngine(t)
	h := handlerFor(t, model.FunctionalitySimulation, Deps{Engine: b})

	expectFields(t, call(h, "STP"), "STP", "1")
	expectFields(t, call(h, "STP", "5"), "STP", "6")
	expectFields(t, call(h, "TIM"), "TIM", "6")
	if got := srv.Steps(); got != 6 {
		t.Fatalf("engine steps = %d, want 6", got)
	}

	expectStatus(t, call(h, "STP", "-1"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "STP", "soon"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "STP", "1", "2"), codec.StatusInvalidMessage)
	expectStatus(t, call(h, "TIM", "now"), codec.StatusInvalidMessage)
}

func TestSimulationTimeFromStepClock(t *testing.T) {
	b, srv := newEngine(t)
	deps := Deps{Engine: b, Simulation: SimulationOptions{AutoStep: true, StepInterval: time.Hour}}
	h := handlerFor(t, model.FunctionalitySimulation, deps)

	// Before any step the engine answers.
	expectFields(t, call(h, "TIM"), "TIM", "0")
	expectFields(t, call(h, "STP", "3"), "STP", "3")

	before := len(srv.Commands())
	expectFields(t, call(h, "TIM"), "TIM", "3")
	if got := len(srv.Commands()); got != before {
		t.Fatalf("TIM after a step sent %d engine commands, want 0", got-before)
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(id uint64, op string, args ...string) {
	c.t.Helper()
	if _, err := c.conn.Write(codec.EncodeRequest(codec.Request{ID: id, Op: op, Args: args})); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() codec.Response {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	chunk := make([]byte, 4096)
	for {
		resp, rest, err := codec.DecodeResponse(c.buf)
		if err == nil {
			c.buf = append(c.buf[:0], rest...)
			return resp
		}
		if !errors.Is(err, codec.ErrNeedMoreData) {
			c.t.Fatalf("decode: %v", err)
		}
		n, err := c.conn.Read(chunk)
		c.buf = append(c.buf, chunk[:n]...)
		if err != nil && n == 0 {
			c.t.Fatalf("read: %v", err)
		}
	}
}

func startChannel(t *testing.T, f model.Functionality, deps Deps) *channel.Server {
	t.Helper()
	h, task, err := For(f, deps)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	srv := channel.New(channel.Options{Functionality: f, Addr: "127.0.0.1:0", Handler: h, Task: task})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func TestSimulationPushesVehicleEvents(t *testing.T) {
	b, _ := newEngine(t)
	vehicles := handlerFor(t, model.FunctionalityVehicle, Deps{Engine: b})
	srv := startChannel(t, model.FunctionalitySimulation, Deps{Engine: b})

	c := dial(t, srv.Addr())
	other := dial(t, srv.Addr())
	c.send(1, "SUB")
	expectFields(t, c.recv(), "ACK")

	expectFields(t, call(vehicles, "ADD", "v1", "0", "e1", "e2", "e3"), "ACK", "v1")

	// Events for a step precede the reply to the request that caused it.
	for step, want := range []string{"COO", "COO", "ARR"} {
		c.send(uint64(10+step), "STP")
		ev := c.recv()
		if ev.Kind != codec.KindEvent || ev.Fields[0] != want || ev.Fields[1] != "v1" {
			t.Fatalf("step %d event = %+v, want %s for v1", step, ev, want)
		}
		reply := c.recv()
		if reply.Kind != codec.KindReply || reply.ID != uint64(10+step) {
			t.Fatalf("step %d reply = %+v", step, reply)
		}
	}

	// A session that never subscribed only sees its replies.
	expectFields(t, call(vehicles, "ADD", "v2", "0", "e1", "e2"), "ACK", "v2")
	other.send(20, "STP")
	if reply := other.recv(); reply.Kind != codec.KindReply || reply.ID != 20 {
		t.Fatalf("unsubscribed session got %+v, want the STP reply", reply)
	}

	c.send(21, "UNS")
	for {
		resp := c.recv()
		if resp.Kind == codec.KindReply {
			expectFields(t, resp, "ACK")
			break
		}
	}
	c.send(22, "STP")
	if reply := c.recv(); reply.Kind != codec.KindReply || reply.ID != 22 {
		t.Fatalf("after UNS got %+v, want the STP reply", reply)
	}
}

func TestSimulationAutoStepTask(t *testing.T) {
	b, engineSrv := newEngine(t)
	deps := Deps{Engine: b, Simulation: SimulationOptions{AutoStep: true, StepInterval: 10 * time.Millisecond}}
	h, task, err := For(model.FunctionalitySimulation, deps)
	if err != nil || task == nil {
		t.Fatalf("For(simulation) = task %v, err %v; want a task", task != nil, err)
	}
	srv := channel.New(channel.Options{Functionality: model.FunctionalitySimulation, Addr: "127.0.0.1:0", Handler: h, Task: task})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for engineSrv.Steps() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("engine steps = %d, want automatic steps", engineSrv.Steps())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	stopped := engineSrv.Steps()
	time.Sleep(50 * time.Millisecond)
	if got := engineSrv.Steps(); got != stopped {
		t.Fatalf("steps continued after shutdown: %d then %d", stopped, got)
	}
}
