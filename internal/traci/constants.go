package traci

// Command identifiers.
const (
	CmdGetVersion byte = 0x00
	CmdSimStep    byte = 0x02
	CmdClose      byte = 0x7f

	CmdGetTLVariable       byte = 0xa2
	CmdGetLaneVariable     byte = 0xa3
	CmdGetVehicleVariable  byte = 0xa4
	CmdGetRouteVariable    byte = 0xa6
	CmdGetJunctionVariable byte = 0xa9
	CmdGetEdgeVariable     byte = 0xaa
	CmdGetSimVariable      byte = 0xab

	CmdSetTLVariable      byte = 0xc2
	CmdSetLaneVariable    byte = 0xc3
	CmdSetVehicleVariable byte = 0xc4
	CmdSetRouteVariable   byte = 0xc6
	CmdSetEdgeVariable    byte = 0xca

	CmdSubscribeVehicleVariable byte = 0xd4
	CmdSubscribeSimVariable     byte = 0xdb
)

// ResponseOffset is added to a get command id to obtain its response id, and
// to a subscribe command id to obtain its subscription response id.
const ResponseOffset byte = 0x10

// Result codes carried in status responses.
const (
	ResultOK             byte = 0x00
	ResultNotImplemented byte = 0x01
	ResultError          byte = 0xff
)

// Data types.
const (
	TypePositionLonLat  byte = 0x00
	TypePosition2D      byte = 0x01
	TypePositionRoadmap byte = 0x04
	TypeUByte           byte = 0x07
	TypeByte            byte = 0x08
	TypeInteger         byte = 0x09
	TypeDouble          byte = 0x0b
	TypeString          byte = 0x0c
	TypeStringList      byte = 0x0e
	TypeCompound        byte = 0x0f
	TypeColor           byte = 0x11
)

// Variable identifiers used by the gateway.
const (
	VarIDList             byte = 0x00
	VarLastStepMeanSpeed  byte = 0x11
	VarLastStepVehicleIDs byte = 0x12
	VarStop               byte = 0x12
	VarTLRedYellowGreen   byte = 0x20
	VarTLPhaseIndex       byte = 0x22
	VarTLCurrentPhase     byte = 0x28
	VarTLNextSwitch       byte = 0x2d
	VarLaneLinks          byte = 0x33
	VarSpeed              byte = 0x40
	VarMaxSpeed           byte = 0x41
	VarPosition           byte = 0x42
	VarLength             byte = 0x44
	VarTime               byte = 0x66
	VarArrivedVehiclesIDs byte = 0x7a
	VarAdd                byte = 0x80
	VarRemove             byte = 0x81
	VarPositionConversion byte = 0x82
	VarAddFull            byte = 0x85
)

// RemoveVaporized is the removal reason sent with VarRemove.
const RemoveVaporized byte = 0x02

// StopForever is the longest stop duration the engine accepts, in seconds.
const StopForever = 2147483646.0
