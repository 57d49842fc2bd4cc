// Package tracitest provides an in-process engine that speaks enough of the
// control protocol to exercise the gateway: vehicles that advance one edge per
// step unless stopped, static edges, lanes and junctions, traffic lights and
// vehicle subscriptions.
package tracitest

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/traci"
)

// APIVersion is reported by GetVersion.
const APIVersion = 21

// Lane describes the lanes of an edge; every lane of an edge is alike.
type Lane struct {
	Length    float64
	MaxSpeed  float64
	MeanSpeed float64
	// Lanes is the lane count; zero means one.
	Lanes int
}

// Point is a network position.
type Point struct{ X, Y float64 }

// Light is a traffic light program reduced to its phase states.
type Light struct {
	Phases     []string
	Phase      int
	NextSwitch float64
}

// Network is the static scenario the fake engine serves.
type Network struct {
	Edges  map[string]Lane
	Lights map[string]*Light
	// Links lists the edges reachable from the end of each edge.
	Links     map[string][]string
	Junctions map[string]Point
	// Origin offsets network x/y to lon/lat: lon = OriginLon + x/1e5.
	OriginLon float64
	OriginLat float64
}

// DefaultNetwork is a small grid with two traffic lights.
func DefaultNetwork() Network {
	return Network{
		Edges: map[string]Lane{
			"e1":  {Length: 100, MaxSpeed: 13.9, MeanSpeed: 10},
			"e2":  {Length: 200, MaxSpeed: 13.9, MeanSpeed: 6.95, Lanes: 2},
			"e3":  {Length: 150, MaxSpeed: 27.8, MeanSpeed: 27.8},
			"-e1": {Length: 100, MaxSpeed: 13.9, MeanSpeed: 13.9},
		},
		Lights: map[string]*Light{
			"tl1": {Phases: []string{"GGrr", "yyrr", "rrGG", "rryy"}, NextSwitch: 30},
			"tl2": {Phases: []string{"Gr", "rG"}, NextSwitch: 45},
		},
		Links: map[string][]string{
			"e1":  {"e2"},
			"e2":  {"e3", "-e1"},
			"e3":  {"-e1"},
			"-e1": {"e1"},
		},
		Junctions: map[string]Point{
			"tl1": {X: 100, Y: 0},
			"tl2": {X: 300, Y: 50},
		},
		OriginLon: -6.26,
		OriginLat: 53.34,
	}
}

type vehicle struct {
	route   []string
	index   int
	speed   float64
	stopped bool
}

// Server is a fake engine listening on a loopback port.
type Server struct {
	ln  net.Listener
	net Network

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	time       float64
	stepLength float64
	routes     map[string][]string
	vehicles   map[string]*vehicle
	arrived    []string
	subs       map[string][]byte
	delay      time.Duration
	garbage    bool
	steps      int
	commands   []byte

	wg       sync.WaitGroup
	killOnce sync.Once
	closed   chan struct{}
}

// NewServer listens on addr ("127.0.0.1:0" picks a free port).
func NewServer(addr string, network Network) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:         ln,
		net:        network,
		conns:      make(map[net.Conn]struct{}),
		stepLength: 1,
		routes:     make(map[string][]string),
		vehicles:   make(map[string]*vehicle),
		subs:       make(map[string][]byte),
		closed:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the control port address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// SetDelay delays every reply, to provoke client timeouts.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetStepLength sets the simulated seconds per step.
func (s *Server) SetStepLength(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds > 0 {
		s.stepLength = seconds
	}
}

// SetGarbage makes the server answer with undecodable replies.
func (s *Server) SetGarbage(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garbage = on
}

// Steps returns how many simulation steps were performed.
func (s *Server) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Commands returns every command id received, in order.
func (s *Server) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// Vehicles returns the ids of vehicles currently in the simulation.
func (s *Server) Vehicles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleIDs()
}

// Kill drops every connection and stops listening, as if the engine crashed.
func (s *Server) Kill() {
	s.killOnce.Do(func() { close(s.closed) })
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Close is Kill.
func (s *Server) Close() error {
	s.Kill()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			_ = c.Close()
			return
		default:
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	for {
		body, err := traci.ReadMessage(c)
		if err != nil {
			return
		}
		reply, closing := s.handle(body)

		s.mu.Lock()
		delay, garbage := s.delay, s.garbage
		s.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.closed:
				return
			}
		}
		if garbage {
			reply = []byte{0, 0, 0, 6, 0xde, 0xad}
		}
		if _, err := c.Write(reply); err != nil {
			return
		}
		if closing {
			return
		}
	}
}

func (s *Server) handle(body []byte) ([]byte, bool) {
	r := traci.NewReader(body)
	var out traci.Writer
	closing := false

	for r.Remaining() > 0 {
		cmd := r.ReadCommand()
		if r.Err() != nil {
			break
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd.ID)
		s.mu.Unlock()

		switch {
		case cmd.ID == traci.CmdGetVersion:
			writeStatus(&out, cmd.ID, nil)
			var v traci.Writer
			v.WriteInt(APIVersion)
			v.WriteString("tracitest")
			out.WriteCommand(traci.CmdGetVersion, v.Bytes())
		case cmd.ID == traci.CmdSimStep:
			s.step(&out, cmd)
		case cmd.ID == traci.CmdClose:
			writeStatus(&out, cmd.ID, nil)
			closing = true
		case cmd.ID >= 0xa0 && cmd.ID <= 0xaf:
			s.get(&out, cmd)
		case cmd.ID >= 0xc0 && cmd.ID <= 0xcf:
			writeStatus(&out, cmd.ID, s.set(cmd))
		case cmd.ID == traci.CmdSubscribeVehicleVariable:
			s.subscribe(&out, cmd)
		default:
			out.WriteCommand(cmd.ID, statusContent(traci.ResultNotImplemented, "not implemented"))
		}
	}

	msg := make([]byte, 4, 4+out.Len())
	binary.BigEndian.PutUint32(msg, uint32(4+out.Len()))
	return append(msg, out.Bytes()...), closing
}

var errUnknown = errors.New("unknown object")

func writeStatus(w *traci.Writer, id byte, err error) {
	if err != nil {
		w.WriteCommand(id, statusContent(traci.ResultError, err.Error()))
		return
	}
	w.WriteCommand(id, statusContent(traci.ResultOK, ""))
}

func statusContent(result byte, desc string) []byte {
	var w traci.Writer
	w.WriteUByte(result)
	w.WriteString(desc)
	return w.Bytes()
}

func (s *Server) step(out *traci.Writer, cmd traci.Command) {
	target := traci.NewReader(cmd.Content).ReadDouble()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.arrived = nil
	for {
		s.time += s.stepLength
		s.steps++
		for _, id := range s.vehicleIDs() {
			v := s.vehicles[id]
			if v.stopped {
				continue
			}
			v.index++
			if v.index >= len(v.route) {
				delete(s.vehicles, id)
				delete(s.subs, id)
				s.arrived = append(s.arrived, id)
			}
		}
		if target <= 0 || s.time >= target {
			break
		}
	}

	writeStatus(out, traci.CmdSimStep, nil)
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.WriteInt(int32(len(ids)))
	for _, id := range ids {
		res := traci.SubscriptionResult{
			Response: traci.CmdSubscribeVehicleVariable + traci.ResponseOffset,
			ObjectID: id,
		}
		for _, variable := range s.subs[id] {
			v, err := s.vehicleVar(variable, id)
			res.Values = append(res.Values, traci.VariableResult{Variable: variable, OK: err == nil, Value: v})
		}
		c := traci.EncodeSubscription(res)
		out.WriteCommand(c.ID, c.Content)
	}
}

func (s *Server) get(out *traci.Writer, cmd traci.Command) {
	r := traci.NewReader(cmd.Content)
	variable := r.ReadUByte()
	id := r.ReadString()

	s.mu.Lock()
	v, err := s.lookup(cmd.ID, variable, id, r)
	s.mu.Unlock()

	writeStatus(out, cmd.ID, err)
	if err != nil {
		return
	}
	c := traci.EncodeGetResponse(cmd.ID, variable, id, v)
	out.WriteCommand(c.ID, c.Content)
}

func (s *Server) lookup(cmd, variable byte, id string, params *traci.Reader) (traci.Value, error) {
	switch cmd {
	case traci.CmdGetVehicleVariable:
		if variable == traci.VarIDList {
			return traci.StringListValue(s.vehicleIDs()), nil
		}
		return s.vehicleVar(variable, id)
	case traci.CmdGetSimVariable:
		switch variable {
		case traci.VarTime:
			return traci.DoubleValue(s.time), nil
		case traci.VarArrivedVehiclesIDs:
			return traci.StringListValue(append([]string{}, s.arrived...)), nil
		case traci.VarPositionConversion:
			return s.convert(params.ReadValue())
		}
	case traci.CmdGetEdgeVariable:
		if variable == traci.VarIDList {
			ids := make([]string, 0, len(s.net.Edges))
			for e := range s.net.Edges {
				ids = append(ids, e)
			}
			sort.Strings(ids)
			return traci.StringListValue(ids), nil
		}
		if _, ok := s.net.Edges[id]; !ok {
			return traci.Value{}, errUnknown
		}
		if variable == traci.VarLastStepVehicleIDs {
			var ids []string
			for _, vid := range s.vehicleIDs() {
				if v := s.vehicles[vid]; v.route[v.index] == id {
					ids = append(ids, vid)
				}
			}
			return traci.StringListValue(ids), nil
		}
	case traci.CmdGetLaneVariable:
		edge, ok := s.laneEdge(id)
		if !ok {
			return traci.Value{}, errUnknown
		}
		lane := s.net.Edges[edge]
		switch variable {
		case traci.VarLaneLinks:
			var links []traci.Link
			for _, next := range s.net.Links[edge] {
				links = append(links, traci.Link{Lane: next + "_0", Priority: true, Open: true, State: "M", Direction: "s"})
			}
			return traci.LinksValue(links), nil
		case traci.VarLength:
			return traci.DoubleValue(lane.Length), nil
		case traci.VarMaxSpeed:
			return traci.DoubleValue(lane.MaxSpeed), nil
		case traci.VarLastStepMeanSpeed:
			return traci.DoubleValue(lane.MeanSpeed), nil
		}
	case traci.CmdGetTLVariable:
		if variable == traci.VarIDList {
			ids := make([]string, 0, len(s.net.Lights))
			for l := range s.net.Lights {
				ids = append(ids, l)
			}
			sort.Strings(ids)
			return traci.StringListValue(ids), nil
		}
		light, ok := s.net.Lights[id]
		if !ok {
			return traci.Value{}, errUnknown
		}
		switch variable {
		case traci.VarTLCurrentPhase:
			return traci.IntValue(int32(light.Phase)), nil
		case traci.VarTLNextSwitch:
			return traci.DoubleValue(light.NextSwitch), nil
		case traci.VarTLRedYellowGreen:
			return traci.StringValue(light.Phases[light.Phase]), nil
		}
	case traci.CmdGetJunctionVariable:
		p, ok := s.net.Junctions[id]
		if !ok {
			return traci.Value{}, errUnknown
		}
		if variable == traci.VarPosition {
			return traci.Position2DValue(p.X, p.Y), nil
		}
	}
	return traci.Value{}, errors.New("variable not supported")
}

// laneEdge resolves a lane id "edge_index" to its edge.
func (s *Server) laneEdge(laneID string) (string, bool) {
	i := strings.LastIndexByte(laneID, '_')
	if i <= 0 {
		return "", false
	}
	edge := laneID[:i]
	index, err := strconv.Atoi(laneID[i+1:])
	lane, ok := s.net.Edges[edge]
	if err != nil || !ok || index < 0 || index >= max(lane.Lanes, 1) {
		return "", false
	}
	return edge, true
}

func (s *Server) vehicleVar(variable byte, id string) (traci.Value, error) {
	v, ok := s.vehicles[id]
	if !ok {
		return traci.StringValue("unknown vehicle"), errUnknown
	}
	switch variable {
	case traci.VarSpeed:
		return traci.DoubleValue(v.speed), nil
	case traci.VarPosition:
		return traci.Position2DValue(float64(v.index)*100, 0), nil
	}
	return traci.StringValue("unsupported"), errors.New("variable not supported")
}

func (s *Server) convert(param traci.Value) (traci.Value, error) {
	if param.Type != traci.TypeCompound || len(param.Items) < 2 {
		return traci.Value{}, errors.New("bad conversion parameter")
	}
	from, to := param.Items[0], param.Items[1].Byte
	switch {
	case from.Type == traci.TypePosition2D && to == traci.TypePositionLonLat:
		return traci.LonLatValue(s.net.OriginLon+from.Pos.X/1e5, s.net.OriginLat+from.Pos.Y/1e5), nil
	case from.Type == traci.TypePositionLonLat && to == traci.TypePositionRoadmap:
		// Longitudes east of the origin land on e2, the rest on e1.
		if from.Pos.X > s.net.OriginLon {
			return traci.RoadValue("e2", 0, 0), nil
		}
		return traci.RoadValue("e1", 0, 0), nil
	}
	return traci.Value{}, errors.New("conversion not supported")
}

func (s *Server) set(cmd traci.Command) error {
	r := traci.NewReader(cmd.Content)
	variable := r.ReadUByte()
	id := r.ReadString()
	v := r.ReadValue()
	if err := r.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case cmd.ID == traci.CmdSetRouteVariable && variable == traci.VarAdd:
		for _, e := range v.Strings {
			if _, ok := s.net.Edges[e]; !ok {
				return errors.New("unknown edge " + e)
			}
		}
		s.routes[id] = v.Strings
		return nil
	case cmd.ID == traci.CmdSetVehicleVariable && variable == traci.VarAddFull:
		if len(v.Items) == 0 {
			return errors.New("bad vehicle definition")
		}
		route, ok := s.routes[v.Items[0].Str]
		if !ok {
			return errors.New("unknown route " + v.Items[0].Str)
		}
		if _, exists := s.vehicles[id]; exists {
			return errors.New("vehicle exists")
		}
		s.vehicles[id] = &vehicle{route: route, speed: 10}
		return nil
	case cmd.ID == traci.CmdSetVehicleVariable && variable == traci.VarRemove:
		if _, ok := s.vehicles[id]; !ok {
			return errUnknown
		}
		delete(s.vehicles, id)
		delete(s.subs, id)
		return nil
	case cmd.ID == traci.CmdSetVehicleVariable && variable == traci.VarStop:
		veh, ok := s.vehicles[id]
		if !ok {
			return errUnknown
		}
		if len(v.Items) < 3 {
			return errors.New("bad stop definition")
		}
		edge := v.Items[0].Str
		if _, ok := s.laneEdge(edge + "_" + strconv.Itoa(int(v.Items[2].Byte))); !ok {
			return errors.New("no such lane for stop")
		}
		for i, e := range veh.route {
			if e == edge {
				veh.index, veh.stopped, veh.speed = i, true, 0
				return nil
			}
		}
		return errors.New("stop edge not on route")
	case cmd.ID == traci.CmdSetTLVariable && variable == traci.VarTLPhaseIndex:
		light, ok := s.net.Lights[id]
		if !ok {
			return errUnknown
		}
		if v.Int < 0 || int(v.Int) >= len(light.Phases) {
			return errors.New("phase index out of range")
		}
		light.Phase = int(v.Int)
		return nil
	}
	return errors.New("variable not supported")
}

func (s *Server) subscribe(out *traci.Writer, cmd traci.Command) {
	r := traci.NewReader(cmd.Content)
	_ = r.ReadDouble()
	_ = r.ReadDouble()
	id := r.ReadString()
	n := int(r.ReadUByte())
	vars := r.ReadBytes(n)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vehicles[id]; !ok || r.Err() != nil {
		writeStatus(out, cmd.ID, errUnknown)
		return
	}
	s.subs[id] = append([]byte(nil), vars...)
	writeStatus(out, cmd.ID, nil)

	res := traci.SubscriptionResult{Response: cmd.ID + traci.ResponseOffset, ObjectID: id}
	for _, variable := range vars {
		v, err := s.vehicleVar(variable, id)
		res.Values = append(res.Values, traci.VariableResult{Variable: variable, OK: err == nil, Value: v})
	}
	c := traci.EncodeSubscription(res)
	out.WriteCommand(c.ID, c.Content)
}

func (s *Server) vehicleIDs() []string {
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
