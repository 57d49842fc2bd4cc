package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/traci"
	"github.com/signalsfoundry/traffic-gateway/internal/traci/tracitest"
)

// countingConn answers every command with an OK status and records how many
// exchanges overlap.
type countingConn struct {
	inflight atomic.Int32
	max      atomic.Int32
	calls    atomic.Int32
	hold     time.Duration
}

func (c *countingConn) Exchange(deadline time.Time, cmds ...traci.Command) ([]byte, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	c.calls.Add(1)
	time.Sleep(c.hold)

	var w traci.Writer
	for _, cmd := range cmds {
		st := traci.StatusCommand(traci.Status{Command: cmd.ID, Result: traci.ResultOK})
		w.WriteCommand(st.ID, st.Content)
		switch cmd.ID {
		case traci.CmdGetVersion:
			var v traci.Writer
			v.WriteInt(tracitest.APIVersion)
			v.WriteString("counting")
			w.WriteCommand(traci.CmdGetVersion, v.Bytes())
		case traci.CmdSimStep:
			w.WriteInt(0)
		}
	}
	return w.Bytes(), nil
}

func (c *countingConn) Close() error { return nil }

func openWith(t *testing.T, conn Conn, timeout time.Duration) *Bridge {
	t.Helper()
	b := New(Options{
		Addr:        "fake",
		CallTimeout: timeout,
		Dial: func(context.Context, string) (Conn, error) {
			return conn, nil
		},
	})
	if _, err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func openServer(t *testing.T, timeout time.Duration) (*Bridge, *tracitest.Server) {
	t.Helper()
	srv, err := tracitest.NewServer("127.0.0.1:0", tracitest.DefaultNetwork())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Kill)
	b := New(Options{Addr: srv.Addr(), CallTimeout: timeout})
	if _, err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, srv
}

func TestBridgeSerializesConcurrentCallers(t *testing.T) {
	conn := &countingConn{hold: 2 * time.Millisecond}
	b := openWith(t, conn, time.Second)

	const callers = 16
	const perCaller = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers*perCaller)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				if _, err := b.Step(context.Background(), 0); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Step: %v", err)
	}

	if got := conn.max.Load(); got != 1 {
		t.Fatalf("max in-flight exchanges = %d, want 1", got)
	}
	// One handshake plus every step.
	if got := conn.calls.Load(); got != callers*perCaller+1 {
		t.Fatalf("exchanges = %d, want %d", got, callers*perCaller+1)
	}
}

func TestBridgeTimeoutMarksSessionDead(t *testing.T) {
	b, srv := openServer(t, 100*time.Millisecond)
	srv.SetDelay(time.Second)

	_, err := b.Step(context.Background(), 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Step err = %v, want ErrTimeout", err)
	}
	if b.Alive() {
		t.Fatalf("bridge alive after timeout")
	}

	select {
	case failure := <-b.Failures():
		if !errors.Is(failure, ErrTimeout) {
			t.Fatalf("failure = %v, want ErrTimeout", failure)
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure reported")
	}

	start := time.Now()
	if _, err := b.GetVariable(context.Background(), Simulation, traci.VarTime, ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("GetVariable err = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("dead session call took %v, want fail fast", elapsed)
	}
}

func TestBridgeMalformedReplyIsProtocolError(t *testing.T) {
	b, srv := openServer(t, time.Second)
	srv.SetGarbage(true)

	if _, err := b.Step(context.Background(), 0); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Step err = %v, want ErrProtocol", err)
	}
	if b.Alive() {
		t.Fatalf("bridge alive after protocol error")
	}
}

// wrongTypeConn answers every get with a string, whatever was asked.
type wrongTypeConn struct{ countingConn }

func (c *wrongTypeConn) Exchange(deadline time.Time, cmds ...traci.Command) ([]byte, error) {
	var w traci.Writer
	for _, cmd := range cmds {
		if cmd.ID < 0xa0 || cmd.ID > 0xaf {
			body, err := c.countingConn.Exchange(deadline, cmd)
			if err != nil {
				return nil, err
			}
			w.WriteRaw(body)
			continue
		}
		r := traci.NewReader(cmd.Content)
		variable := r.ReadUByte()
		id := r.ReadString()
		st := traci.StatusCommand(traci.Status{Command: cmd.ID, Result: traci.ResultOK})
		w.WriteCommand(st.ID, st.Content)
		resp := traci.EncodeGetResponse(cmd.ID, variable, id, traci.StringValue("not a position"))
		w.WriteCommand(resp.ID, resp.Content)
	}
	return w.Bytes(), nil
}

func TestBridgeWrongValueTypeEndsSession(t *testing.T) {
	b := openWith(t, &wrongTypeConn{}, time.Second)

	_, _, err := b.ConvertGeo(context.Background(), 1, 2)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("ConvertGeo err = %v, want ErrProtocol", err)
	}
	if b.Alive() {
		t.Fatalf("bridge alive after a wrongly typed reply")
	}
	select {
	case failure := <-b.Failures():
		if !errors.Is(failure, ErrProtocol) {
			t.Fatalf("failure = %v, want ErrProtocol", failure)
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure reported")
	}
}

func TestBridgeUntypedGetAcceptsAnyValue(t *testing.T) {
	b := openWith(t, &wrongTypeConn{}, time.Second)

	v, err := b.GetVariable(context.Background(), Vehicle, traci.VarSpeed, "v1")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if v.Str != "not a position" {
		t.Fatalf("GetVariable = %s, want the string reply", v.Format())
	}
	if _, err := b.GetVariable(context.Background(), Vehicle, traci.VarSpeed, "v1", traci.TypeDouble); !errors.Is(err, ErrProtocol) {
		t.Fatalf("typed GetVariable err = %v, want ErrProtocol", err)
	}
	if b.Alive() {
		t.Fatalf("bridge alive after a wrongly typed reply")
	}
}

func TestBridgeEngineCrashIsReported(t *testing.T) {
	b, srv := openServer(t, time.Second)
	srv.Kill()

	if _, err := b.Step(context.Background(), 0); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Step err = %v, want ErrProtocol", err)
	}
	select {
	case <-b.Failures():
	case <-time.After(time.Second):
		t.Fatalf("no failure reported")
	}
}

func TestBridgeCommandErrorKeepsSession(t *testing.T) {
	b, _ := openServer(t, time.Second)

	err := b.RemoveVehicle(context.Background(), "ghost")
	if !errors.Is(err, ErrCommand) {
		t.Fatalf("RemoveVehicle err = %v, want ErrCommand", err)
	}
	var cmdErr *traci.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want wrapped *traci.CommandError", err)
	}
	if !b.Alive() {
		t.Fatalf("bridge dead after a rejected command")
	}
	if _, err := b.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step after rejection: %v", err)
	}
}

func TestBridgeNoSessionIsUnavailable(t *testing.T) {
	b := New(Options{Addr: "127.0.0.1:1"})
	if _, err := b.Step(context.Background(), 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Step err = %v, want ErrUnavailable", err)
	}
	if _, err := b.Open(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Open err = %v, want ErrUnavailable", err)
	}
}

func TestBridgeAddVehicleAndQuery(t *testing.T) {
	b, srv := openServer(t, time.Second)
	ctx := context.Background()

	if err := b.AddVehicle(ctx, "veh1", "Rveh10", "DEFAULT_VEHTYPE", []string{"e1", "e2", "e3"}); err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}
	if got := srv.Vehicles(); len(got) != 1 || got[0] != "veh1" {
		t.Fatalf("engine vehicles = %v", got)
	}

	ids, err := b.GetVariable(ctx, Vehicle, traci.VarIDList, "")
	if err != nil {
		t.Fatalf("GetVariable(ids): %v", err)
	}
	if len(ids.Strings) != 1 {
		t.Fatalf("ids = %v", ids.Strings)
	}

	res, err := b.Subscribe(ctx, Vehicle, "veh1", 1e9, []byte{traci.VarPosition})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res.ObjectID != "veh1" {
		t.Fatalf("subscription object = %q", res.ObjectID)
	}

	results, err := b.Step(ctx, 0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("subscription results = %d, want 1", len(results))
	}

	lon, lat, err := b.ConvertGeo(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ConvertGeo: %v", err)
	}
	if lon == 0 || lat == 0 {
		t.Fatalf("lon/lat = %v/%v", lon, lat)
	}

	road, err := b.ConvertRoad(ctx, lon, lat)
	if err != nil {
		t.Fatalf("ConvertRoad: %v", err)
	}
	if road.EdgeID == "" {
		t.Fatalf("road position = %+v", road)
	}

	if err := b.RemoveVehicle(ctx, "veh1"); err != nil {
		t.Fatalf("RemoveVehicle: %v", err)
	}
}

func TestBridgeAddVehicleIsOneExchange(t *testing.T) {
	b, srv := openServer(t, time.Second)
	before := len(srv.Commands())

	if err := b.AddVehicle(context.Background(), "veh1", "Rveh10", "DEFAULT_VEHTYPE", []string{"e1"}); err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}
	cmds := srv.Commands()[before:]
	if len(cmds) != 2 || cmds[0] != traci.CmdSetRouteVariable || cmds[1] != traci.CmdSetVehicleVariable {
		t.Fatalf("commands = %x, want route add then vehicle add", cmds)
	}
}

func TestBridgeSkipsCancelledJobs(t *testing.T) {
	conn := &countingConn{hold: 50 * time.Millisecond}
	b := openWith(t, conn, time.Second)

	// Occupy the consumer.
	go func() { _, _ = b.Step(context.Background(), 0) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Step(ctx, 0)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Step err = %v, want context.Canceled", err)
	}
	time.Sleep(100 * time.Millisecond)
	// Handshake plus the occupying step; the cancelled job never reached the engine.
	if got := conn.calls.Load(); got != 2 {
		t.Fatalf("exchanges = %d, want 2", got)
	}
}

func TestBridgeReopenAfterClose(t *testing.T) {
	b, _ := openServer(t, time.Second)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Alive() {
		t.Fatalf("bridge alive after Close")
	}
	if _, err := b.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := b.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step after reopen: %v", err)
	}
}
