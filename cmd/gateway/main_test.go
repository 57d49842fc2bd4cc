package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/traci/tracitest"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// alwaysAlive stands in for the engine process so an in-process engine can
// take its place.
type alwaysAlive struct{}

func (alwaysAlive) Start(context.Context) error { return nil }
func (alwaysAlive) Alive() bool                 { return true }
func (alwaysAlive) Stop(context.Context) error  { return nil }

// freePortRange finds n consecutive free ports on the loopback interface.
func freePortRange(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		base := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()
		if base+n-1 > 65535 {
			continue
		}
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			_ = ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatalf("no range of %d free ports", n)
	return 0
}

func testConfig(t *testing.T, engineAddr string) config.Config {
	t.Helper()
	_, portStr, err := net.SplitHostPort(engineAddr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	enginePort, _ := strconv.Atoi(portStr)

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.BasePort = freePortRange(t, len(model.Catalogue))
	cfg.Networks = []model.Network{{ID: "dublin", ConfigFile: "dublin.sumocfg", NetFile: "dublin.net.xml"}}
	cfg.Network = "dublin"
	cfg.Engine.Port = enginePort
	cfg.AdminAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePortRange(t, 1)))
	cfg.MetricsAddr = ""
	cfg.Router.WorkDir = t.TempDir()
	cfg.Supervisor.HealthInterval = 50 * time.Millisecond
	cfg.Supervisor.RestartDelay = 10 * time.Millisecond
	cfg.Channel.GracePeriod = 100 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

type gatewayClient struct {
	t    *testing.T
	addr string
	conn net.Conn
	buf  []byte
	next uint64
}

// dialGateway retries until the channel accepts, since channels come up
// asynchronously.
func dialGateway(t *testing.T, addr string) *gatewayClient {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			c := &gatewayClient{t: t, addr: addr, conn: conn}
			t.Cleanup(func() { _ = conn.Close() })
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (c *gatewayClient) call(op string, args ...string) (codec.Response, error) {
	c.next++
	if _, err := c.conn.Write(codec.EncodeRequest(codec.Request{ID: c.next, Op: op, Args: args})); err != nil {
		return codec.Response{}, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	chunk := make([]byte, 1024)
	for {
		resp, rest, err := codec.DecodeResponse(c.buf)
		if err == nil {
			c.buf = append(c.buf[:0], rest...)
			if resp.Kind == codec.KindEvent {
				continue
			}
			return resp, nil
		}
		if !errors.Is(err, codec.ErrNeedMoreData) {
			return codec.Response{}, err
		}
		n, err := c.conn.Read(chunk)
		if err != nil {
			return codec.Response{}, err
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (c *gatewayClient) mustCall(op string, args ...string) codec.Response {
	c.t.Helper()
	resp, err := c.call(op, args...)
	if err != nil {
		c.t.Fatalf("%s: %v", op, err)
	}
	return resp
}

func expectReply(t *testing.T, resp codec.Response, want ...string) {
	t.Helper()
	if resp.Status != codec.StatusOK {
		t.Fatalf("status = %d (%s), want OK", resp.Status, resp.Message)
	}
	if got := strings.Join(resp.Fields, " "); got != strings.Join(want, " ") {
		t.Fatalf("fields = [%s], want [%s]", got, strings.Join(want, " "))
	}
}

func portAddr(cfg config.Config, f model.Functionality) string {
	for _, b := range cfg.Bindings() {
		if b.Functionality == f {
			return net.JoinHostPort(cfg.Host, strconv.Itoa(b.Port))
		}
	}
	return ""
}

func waitServing(t *testing.T, adminAddr string, service string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, adminAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.DialContext: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	deadline := time.Now().Add(5 * time.Second)
	for {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		callCancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health %q never SERVING (last: %v, %v)", service, resp.GetStatus(), err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func startGateway(t *testing.T, cfg config.Config) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, nil, alwaysAlive{}) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitStopped(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestGatewayServesEveryFunctionality(t *testing.T) {
	eng, err := tracitest.NewServer("127.0.0.1:0", tracitest.DefaultNetwork())
	if err != nil {
		t.Fatalf("tracitest.NewServer: %v", err)
	}
	defer eng.Close()

	cfg := testConfig(t, eng.Addr())
	cancel, errCh := startGateway(t, cfg)
	waitServing(t, cfg.AdminAddr, "")
	waitServing(t, cfg.AdminAddr, string(model.FunctionalityVehicle))

	graph := dialGateway(t, portAddr(cfg, model.FunctionalityGraph))
	expectReply(t, graph.mustCall("PNG"), "PON")
	expectReply(t, graph.mustCall("EID", "-6.25", "53.34"), "EID", "e2")

	vehicle := dialGateway(t, portAddr(cfg, model.FunctionalityVehicle))
	expectReply(t, vehicle.mustCall("ADD", "v1", "0", "e1", "e2", "e3"), "ACK", "v1")

	sim := dialGateway(t, portAddr(cfg, model.FunctionalitySimulation))
	expectReply(t, sim.mustCall("STP"), "STP", "1")
	if got := eng.Steps(); got != 1 {
		t.Fatalf("engine steps = %d, want 1", got)
	}

	cancel()
	waitStopped(t, errCh)
}

func TestGatewayRecoversFromEngineLoss(t *testing.T) {
	eng, err := tracitest.NewServer("127.0.0.1:0", tracitest.DefaultNetwork())
	if err != nil {
		t.Fatalf("tracitest.NewServer: %v", err)
	}
	engineAddr := eng.Addr()

	cfg := testConfig(t, engineAddr)
	cancel, errCh := startGateway(t, cfg)
	waitServing(t, cfg.AdminAddr, "")

	graphAddr := portAddr(cfg, model.FunctionalityGraph)
	graph := dialGateway(t, graphAddr)
	expectReply(t, graph.mustCall("PNG"), "PON")

	eng.Kill()
	replacement, err := tracitest.NewServer(engineAddr, tracitest.DefaultNetwork())
	if err != nil {
		t.Fatalf("restart engine on %s: %v", engineAddr, err)
	}
	defer replacement.Close()

	// The next engine call notices the lost session; the client sees an
	// engine error or a closed connection while the gateway restarts.
	if resp, err := graph.call("EID"); err == nil && resp.Status == codec.StatusOK {
		t.Fatalf("EID after engine loss succeeded, want an error")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		c := dialGateway(t, graphAddr)
		resp, err := c.call("EID")
		if err == nil && resp.Status == codec.StatusOK {
			expectReply(t, resp, "EID", "-e1", "e1", "e2", "e3")
			break
		}
		_ = c.conn.Close()
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not recover: %v %+v", err, resp)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	waitStopped(t, errCh)
}

func TestExecuteRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("base_port: -4\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var stdout, stderr bytes.Buffer
	code := execute([]string{"serve", "--config", path, "--env-file", filepath.Join(t.TempDir(), "missing.env")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "base_port") {
		t.Fatalf("stderr = %q, want it to mention base_port", stderr.String())
	}
}

func TestRouteCommandNeedsTwoEdges(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := execute([]string{"route", "e1"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
