package traci

import (
	"fmt"
	"strings"
)

// Requests are built as commands and the matching reply parsers below consume
// the body of the engine's answer (the bytes after the 4-byte length).

// GetVersion asks for the API version.
func GetVersion() Command { return Command{ID: CmdGetVersion} }

// Version is the engine's answer to GetVersion.
type Version struct {
	API        int32
	Identifier string
}

// ParseVersion reads the reply to GetVersion.
func ParseVersion(body []byte) (Version, error) {
	r := NewReader(body)
	st, err := r.ReadStatus(CmdGetVersion)
	if err != nil {
		return Version{}, err
	}
	if err := st.Err(); err != nil {
		return Version{}, err
	}
	c := r.ReadCommand()
	if err := r.Err(); err != nil {
		return Version{}, err
	}
	if c.ID != CmdGetVersion {
		return Version{}, fmt.Errorf("%w: version response id 0x%02x", ErrMalformed, c.ID)
	}
	cr := NewReader(c.Content)
	v := Version{API: cr.ReadInt(), Identifier: cr.ReadString()}
	return v, cr.Err()
}

// SimStep advances the simulation up to target seconds. Zero performs one step.
func SimStep(target float64) Command {
	var w Writer
	w.WriteDouble(target)
	return Command{ID: CmdSimStep, Content: w.Bytes()}
}

// VariableResult is one subscribed variable inside a subscription response.
type VariableResult struct {
	Variable byte
	OK       bool
	Value    Value
}

// SubscriptionResult carries every subscribed variable for one object.
type SubscriptionResult struct {
	Response byte
	ObjectID string
	Values   []VariableResult
}

// ParseSimStep reads the reply to SimStep, including subscription results.
func ParseSimStep(body []byte) ([]SubscriptionResult, error) {
	r := NewReader(body)
	st, err := r.ReadStatus(CmdSimStep)
	if err != nil {
		return nil, err
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	n := r.ReadInt()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if n < 0 || int(n) > r.Remaining() {
		return nil, fmt.Errorf("%w: %d subscription results", ErrMalformed, n)
	}
	results := make([]SubscriptionResult, 0, n)
	for i := int32(0); i < n; i++ {
		c := r.ReadCommand()
		if err := r.Err(); err != nil {
			return nil, err
		}
		res, err := parseSubscription(c)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func parseSubscription(c Command) (SubscriptionResult, error) {
	r := NewReader(c.Content)
	res := SubscriptionResult{Response: c.ID, ObjectID: r.ReadString()}
	count := int(r.ReadUByte())
	for i := 0; i < count && r.Err() == nil; i++ {
		vr := VariableResult{Variable: r.ReadUByte()}
		vr.OK = r.ReadUByte() == ResultOK
		vr.Value = r.ReadValue()
		res.Values = append(res.Values, vr)
	}
	if err := r.Err(); err != nil {
		return SubscriptionResult{}, err
	}
	return res, nil
}

// EncodeSubscription is the server-side encoding of a subscription result.
func EncodeSubscription(res SubscriptionResult) Command {
	var w Writer
	w.WriteString(res.ObjectID)
	w.WriteUByte(byte(len(res.Values)))
	for _, v := range res.Values {
		w.WriteUByte(v.Variable)
		if v.OK {
			w.WriteUByte(ResultOK)
		} else {
			w.WriteUByte(ResultError)
		}
		w.WriteValue(v.Value)
	}
	return Command{ID: res.Response, Content: w.Bytes()}
}

// GetVariable reads one variable of one object. param is optional.
func GetVariable(cmd, variable byte, objectID string, param *Value) Command {
	var w Writer
	w.WriteUByte(variable)
	w.WriteString(objectID)
	if param != nil {
		w.WriteValue(*param)
	}
	return Command{ID: cmd, Content: w.Bytes()}
}

// ParseGetVariable reads the reply to GetVariable.
func ParseGetVariable(body []byte, cmd, variable byte, objectID string) (Value, error) {
	r := NewReader(body)
	st, err := r.ReadStatus(cmd)
	if err != nil {
		return Value{}, err
	}
	if err := st.Err(); err != nil {
		return Value{}, err
	}
	c := r.ReadCommand()
	if err := r.Err(); err != nil {
		return Value{}, err
	}
	if c.ID != cmd+ResponseOffset {
		return Value{}, fmt.Errorf("%w: response id 0x%02x for get 0x%02x", ErrMalformed, c.ID, cmd)
	}
	cr := NewReader(c.Content)
	gotVar := cr.ReadUByte()
	gotID := cr.ReadString()
	v := cr.ReadValue()
	if err := cr.Err(); err != nil {
		return Value{}, err
	}
	if gotVar != variable || gotID != objectID {
		return Value{}, fmt.Errorf("%w: response for 0x%02x/%q, expected 0x%02x/%q", ErrMalformed, gotVar, gotID, variable, objectID)
	}
	return v, nil
}

// EncodeGetResponse is the server-side encoding of a GetVariable answer.
func EncodeGetResponse(cmd, variable byte, objectID string, v Value) Command {
	var w Writer
	w.WriteUByte(variable)
	w.WriteString(objectID)
	w.WriteValue(v)
	return Command{ID: cmd + ResponseOffset, Content: w.Bytes()}
}

// SetVariable changes one variable of one object.
func SetVariable(cmd, variable byte, objectID string, v Value) Command {
	var w Writer
	w.WriteUByte(variable)
	w.WriteString(objectID)
	w.WriteValue(v)
	return Command{ID: cmd, Content: w.Bytes()}
}

// ParseStatusOnly reads a reply carrying one status per command, in order.
func ParseStatusOnly(body []byte, cmds ...byte) error {
	r := NewReader(body)
	for _, id := range cmds {
		st, err := r.ReadStatus(id)
		if err != nil {
			return err
		}
		if err := st.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe requests variables of objectID after every step in [begin, end].
func Subscribe(cmd byte, objectID string, begin, end float64, variables []byte) Command {
	var w Writer
	w.WriteDouble(begin)
	w.WriteDouble(end)
	w.WriteString(objectID)
	w.WriteUByte(byte(len(variables)))
	w.WriteRaw(variables)
	return Command{ID: cmd, Content: w.Bytes()}
}

// ParseSubscribe reads the reply to Subscribe.
func ParseSubscribe(body []byte, cmd byte) (SubscriptionResult, error) {
	r := NewReader(body)
	st, err := r.ReadStatus(cmd)
	if err != nil {
		return SubscriptionResult{}, err
	}
	if err := st.Err(); err != nil {
		return SubscriptionResult{}, err
	}
	c := r.ReadCommand()
	if err := r.Err(); err != nil {
		return SubscriptionResult{}, err
	}
	if c.ID != cmd+ResponseOffset {
		return SubscriptionResult{}, fmt.Errorf("%w: subscription response id 0x%02x", ErrMalformed, c.ID)
	}
	return parseSubscription(c)
}

// Close ends the session. The engine closes the socket after acknowledging.
func Close() Command { return Command{ID: CmdClose} }

// AddRoute defines a route from an ordered edge list.
func AddRoute(routeID string, edges []string) Command {
	return SetVariable(CmdSetRouteVariable, VarAdd, routeID, StringListValue(edges))
}

// AddVehicle inserts a vehicle on routeID departing now.
func AddVehicle(vehicleID, routeID, typeID string) Command {
	v := CompoundValue(
		StringValue(routeID),
		StringValue(typeID),
		StringValue("now"),
		StringValue("first"),
		StringValue("base"),
		StringValue("0"),
		StringValue("current"),
		StringValue("max"),
		StringValue("current"),
		StringValue(""),
		StringValue(""),
		StringValue(""),
		IntValue(0),
		IntValue(0),
	)
	return SetVariable(CmdSetVehicleVariable, VarAddFull, vehicleID, v)
}

// RemoveVehicle vaporizes a vehicle.
func RemoveVehicle(vehicleID string) Command {
	return SetVariable(CmdSetVehicleVariable, VarRemove, vehicleID, ByteValue(RemoveVaporized))
}

// ConvertToGeo converts a network position to lon/lat.
func ConvertToGeo(x, y float64) Command {
	param := CompoundValue(Position2DValue(x, y), UByteValue(TypePositionLonLat))
	return GetVariable(CmdGetSimVariable, VarPositionConversion, "", &param)
}

// ConvertToRoad maps a lon/lat pair onto the closest lane.
func ConvertToRoad(lon, lat float64) Command {
	param := CompoundValue(LonLatValue(lon, lat), UByteValue(TypePositionRoadmap), StringValue("ignoring"))
	return GetVariable(CmdGetSimVariable, VarPositionConversion, "", &param)
}

// SetStop stops a vehicle at pos on lane of edge for duration seconds.
func SetStop(vehicleID, edge string, pos float64, lane byte, duration float64) Command {
	v := CompoundValue(
		StringValue(edge),
		DoubleValue(pos),
		ByteValue(lane),
		DoubleValue(duration),
		ByteValue(0),
		DoubleValue(-1),
		DoubleValue(-1),
	)
	return SetVariable(CmdSetVehicleVariable, VarStop, vehicleID, v)
}

// Link is one connection leaving a lane.
type Link struct {
	Lane      string
	Internal  string
	Priority  bool
	Open      bool
	Foe       bool
	State     string
	Direction string
	Length    float64
}

// Edge returns the edge of the lane the link leads to.
func (l Link) Edge() string {
	if i := strings.LastIndexByte(l.Lane, '_'); i > 0 {
		return l.Lane[:i]
	}
	return l.Lane
}

const linkFields = 8

// ParseLinks decodes the lane links variable: a compound holding the link
// count followed by eight values per link.
func ParseLinks(v Value) ([]Link, error) {
	if v.Type != TypeCompound || len(v.Items) == 0 || v.Items[0].Type != TypeInteger {
		return nil, fmt.Errorf("%w: lane links of type 0x%02x", ErrMalformed, v.Type)
	}
	n := int(v.Items[0].Int)
	if n < 0 || len(v.Items) != 1+n*linkFields {
		return nil, fmt.Errorf("%w: %d lane links in %d values", ErrMalformed, n, len(v.Items)-1)
	}
	links := make([]Link, 0, n)
	for i := 0; i < n; i++ {
		f := v.Items[1+i*linkFields : 1+(i+1)*linkFields]
		if f[0].Type != TypeString || f[1].Type != TypeString || f[5].Type != TypeString ||
			f[6].Type != TypeString || f[7].Type != TypeDouble {
			return nil, fmt.Errorf("%w: lane link %d", ErrMalformed, i)
		}
		links = append(links, Link{
			Lane:      f[0].Str,
			Internal:  f[1].Str,
			Priority:  f[2].Byte != 0,
			Open:      f[3].Byte != 0,
			Foe:       f[4].Byte != 0,
			State:     f[5].Str,
			Direction: f[6].Str,
			Length:    f[7].Double,
		})
	}
	return links, nil
}

// LinksValue is the server-side encoding of lane links.
func LinksValue(links []Link) Value {
	items := make([]Value, 0, 1+len(links)*linkFields)
	items = append(items, IntValue(int32(len(links))))
	flag := func(b bool) Value {
		if b {
			return UByteValue(1)
		}
		return UByteValue(0)
	}
	for _, l := range links {
		items = append(items,
			StringValue(l.Lane),
			StringValue(l.Internal),
			flag(l.Priority),
			flag(l.Open),
			flag(l.Foe),
			StringValue(l.State),
			StringValue(l.Direction),
			DoubleValue(l.Length),
		)
	}
	return CompoundValue(items...)
}
