package traci

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a 2D network position or a lon/lat pair, see Value.Type.
type Position struct {
	X float64
	Y float64
}

// RoadPosition locates a point on a lane.
type RoadPosition struct {
	EdgeID    string
	Pos       float64
	LaneIndex byte
}

// Value is a typed protocol value. Only the field matching Type is meaningful.
type Value struct {
	Type    byte
	Byte    byte
	Int     int32
	Double  float64
	Str     string
	Strings []string
	Pos     Position
	Road    RoadPosition
	Color   [4]byte
	Items   []Value
}

func UByteValue(v byte) Value          { return Value{Type: TypeUByte, Byte: v} }
func ByteValue(v byte) Value           { return Value{Type: TypeByte, Byte: v} }
func IntValue(v int32) Value           { return Value{Type: TypeInteger, Int: v} }
func DoubleValue(v float64) Value      { return Value{Type: TypeDouble, Double: v} }
func StringValue(v string) Value       { return Value{Type: TypeString, Str: v} }
func StringListValue(v []string) Value { return Value{Type: TypeStringList, Strings: v} }
func Position2DValue(x, y float64) Value {
	return Value{Type: TypePosition2D, Pos: Position{X: x, Y: y}}
}
func LonLatValue(lon, lat float64) Value {
	return Value{Type: TypePositionLonLat, Pos: Position{X: lon, Y: lat}}
}
func RoadValue(edge string, pos float64, lane byte) Value {
	return Value{Type: TypePositionRoadmap, Road: RoadPosition{EdgeID: edge, Pos: pos, LaneIndex: lane}}
}
func CompoundValue(items ...Value) Value { return Value{Type: TypeCompound, Items: items} }

// Expect returns ErrMalformed unless v has one of types. No types accepts
// any value.
func (v Value) Expect(types ...byte) error {
	if len(types) == 0 {
		return nil
	}
	for _, t := range types {
		if v.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: value of type 0x%02x, expected one of % x", ErrMalformed, v.Type, types)
}

// WriteValue appends v with its type tag.
func (w *Writer) WriteValue(v Value) {
	w.WriteUByte(v.Type)
	switch v.Type {
	case TypeUByte, TypeByte:
		w.WriteUByte(v.Byte)
	case TypeInteger:
		w.WriteInt(v.Int)
	case TypeDouble:
		w.WriteDouble(v.Double)
	case TypeString:
		w.WriteString(v.Str)
	case TypeStringList:
		w.WriteStringList(v.Strings)
	case TypePosition2D, TypePositionLonLat:
		w.WriteDouble(v.Pos.X)
		w.WriteDouble(v.Pos.Y)
	case TypePositionRoadmap:
		w.WriteString(v.Road.EdgeID)
		w.WriteDouble(v.Road.Pos)
		w.WriteUByte(v.Road.LaneIndex)
	case TypeColor:
		w.WriteRaw(v.Color[:])
	case TypeCompound:
		w.WriteInt(int32(len(v.Items)))
		for _, item := range v.Items {
			w.WriteValue(item)
		}
	}
}

// ReadValue consumes a type tag and the value that follows it.
func (r *Reader) ReadValue() Value {
	return r.readValue(0)
}

const maxCompoundDepth = 8

func (r *Reader) readValue(depth int) Value {
	v := Value{Type: r.ReadUByte()}
	if r.err != nil {
		return Value{}
	}
	switch v.Type {
	case TypeUByte, TypeByte:
		v.Byte = r.ReadUByte()
	case TypeInteger:
		v.Int = r.ReadInt()
	case TypeDouble:
		v.Double = r.ReadDouble()
	case TypeString:
		v.Str = r.ReadString()
	case TypeStringList:
		v.Strings = r.ReadStringList()
	case TypePosition2D, TypePositionLonLat:
		v.Pos.X = r.ReadDouble()
		v.Pos.Y = r.ReadDouble()
	case TypePositionRoadmap:
		v.Road.EdgeID = r.ReadString()
		v.Road.Pos = r.ReadDouble()
		v.Road.LaneIndex = r.ReadUByte()
	case TypeColor:
		copy(v.Color[:], r.ReadBytes(4))
	case TypeCompound:
		if depth >= maxCompoundDepth {
			r.err = fmt.Errorf("%w: compound nested deeper than %d", ErrMalformed, maxCompoundDepth)
			return Value{}
		}
		n := r.ReadInt()
		if n < 0 || int(n) > r.Remaining() {
			if r.err == nil {
				r.err = fmt.Errorf("%w: compound of %d items", ErrMalformed, n)
			}
			return Value{}
		}
		v.Items = make([]Value, 0, n)
		for i := int32(0); i < n && r.err == nil; i++ {
			v.Items = append(v.Items, r.readValue(depth+1))
		}
	default:
		r.err = fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, v.Type)
		return Value{}
	}
	return v
}

// Format renders v as the space-free text tokens used in client replies.
func (v Value) Format() string {
	switch v.Type {
	case TypeUByte, TypeByte:
		return strconv.Itoa(int(v.Byte))
	case TypeInteger:
		return strconv.Itoa(int(v.Int))
	case TypeDouble:
		return strconv.FormatFloat(v.Double, 'f', -1, 64)
	case TypeString:
		return v.Str
	case TypeStringList:
		return strings.Join(v.Strings, ",")
	case TypePosition2D, TypePositionLonLat:
		return strconv.FormatFloat(v.Pos.X, 'f', -1, 64) + "," + strconv.FormatFloat(v.Pos.Y, 'f', -1, 64)
	case TypePositionRoadmap:
		return fmt.Sprintf("%s,%s,%d", v.Road.EdgeID, strconv.FormatFloat(v.Road.Pos, 'f', -1, 64), v.Road.LaneIndex)
	case TypeColor:
		return fmt.Sprintf("%d,%d,%d,%d", v.Color[0], v.Color[1], v.Color[2], v.Color[3])
	case TypeCompound:
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = item.Format()
		}
		return "(" + strings.Join(parts, ";") + ")"
	}
	return ""
}
