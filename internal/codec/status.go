package codec

import "strconv"

// Status is the outcome code carried by every Response. Codes below 50 are the
// error codes existing traffic clients already understand.
type Status uint32

const (
	StatusOK                Status = 0
	StatusRouteConnection   Status = 1
	StatusToolLaunch        Status = 2
	StatusInvalidRoute      Status = 4
	StatusEmptyRoute        Status = 5
	StatusToolTimeout       Status = 6
	StatusInvalidAlgorithm  Status = 7
	StatusInvalidGeo        Status = 8
	StatusMockFailed        Status = 9
	StatusRoutingFailed     Status = 10
	StatusUnknownVehicle    Status = 11
	StatusPhaseIndex        Status = 21
	StatusUnknownEdge       Status = 30
	StatusInvalidBlock      Status = 31
	StatusInvalidMessage    Status = 40
	StatusEngineUnavailable Status = 50
	StatusEngineProtocol    Status = 51
	StatusEngineTimeout     Status = 52
	StatusEngineRejected    Status = 53
	StatusToolNotFound      Status = 60
	StatusToolFailed        Status = 61
	StatusToolBusy          Status = 62
	// StatusInternal reports a gateway fault that reached neither the engine
	// nor the routing tool.
	StatusInternal Status = 70
)

var statusNames = map[Status]string{
	StatusOK:                "OK",
	StatusRouteConnection:   "ROUTE_CONNECTION",
	StatusToolLaunch:        "TOOL_LAUNCH",
	StatusInvalidRoute:      "INVALID_ROUTE",
	StatusEmptyRoute:        "EMPTY_ROUTE",
	StatusToolTimeout:       "TOOL_TIMEOUT",
	StatusInvalidAlgorithm:  "INVALID_ALGORITHM",
	StatusInvalidGeo:        "INVALID_GEO",
	StatusMockFailed:        "MOCK_FAILED",
	StatusRoutingFailed:     "ROUTING_FAILED",
	StatusUnknownVehicle:    "UNKNOWN_VEHICLE",
	StatusPhaseIndex:        "PHASE_INDEX",
	StatusUnknownEdge:       "UNKNOWN_EDGE",
	StatusInvalidBlock:      "INVALID_BLOCK",
	StatusInvalidMessage:    "INVALID_MESSAGE",
	StatusEngineUnavailable: "ENGINE_UNAVAILABLE",
	StatusEngineProtocol:    "ENGINE_PROTOCOL",
	StatusEngineTimeout:     "ENGINE_TIMEOUT",
	StatusEngineRejected:    "ENGINE_REJECTED",
	StatusToolNotFound:      "TOOL_NOT_FOUND",
	StatusToolFailed:        "TOOL_FAILED",
	StatusToolBusy:          "TOOL_BUSY",
	StatusInternal:          "INTERNAL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "STATUS_" + strconv.FormatUint(uint64(s), 10)
}

// Reply builds a successful reply to req.
func Reply(req Request, fields ...string) Response {
	return Response{ID: req.ID, Status: StatusOK, Fields: fields}
}

// Fail builds an error reply to req.
func Fail(req Request, status Status, msg string) Response {
	return Response{ID: req.ID, Status: status, Message: msg}
}

// Event builds a server-initiated push.
func Event(fields ...string) Response {
	return Response{Kind: KindEvent, Status: StatusOK, Fields: fields}
}
