package functions

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
)

// ErrInvalidRequest is a package-level sentinel used for argument validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// statusError pins the status an operation reports for err.
type statusError struct {
	status codec.Status
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func invalidf(format string, args ...any) error {
	return &statusError{
		status: codec.StatusInvalidMessage,
		err:    fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...)),
	}
}

// rejected maps a command the engine refused onto status. Liveness errors
// pass through untouched.
func rejected(err error, status codec.Status) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrCommand) {
		return &statusError{status: status, err: err}
	}
	return err
}

// routingFailure reports tool-side errors without a sentinel of their own,
// such as an unwritable work directory, as a failed routing request.
func routingFailure(err error) error {
	for _, known := range []error{
		router.ErrInvalid, router.ErrToolNotFound, router.ErrToolFailed,
		router.ErrToolTimeout, router.ErrToolBusy, router.ErrNoRoute,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &statusError{status: codec.StatusRoutingFailed, err: err}
}

// statusFor maps handler errors onto client status codes.
func statusFor(err error) codec.Status {
	if err == nil {
		return codec.StatusOK
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}

	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, router.ErrInvalid):
		return codec.StatusInvalidMessage

	case errors.Is(err, engine.ErrUnavailable):
		return codec.StatusEngineUnavailable
	case errors.Is(err, engine.ErrProtocol):
		return codec.StatusEngineProtocol
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codec.StatusEngineTimeout
	case errors.Is(err, engine.ErrCommand):
		return codec.StatusEngineRejected

	case errors.Is(err, router.ErrToolNotFound):
		return codec.StatusToolNotFound
	case errors.Is(err, router.ErrToolTimeout):
		return codec.StatusToolTimeout
	case errors.Is(err, router.ErrToolBusy):
		return codec.StatusToolBusy
	case errors.Is(err, router.ErrToolFailed):
		return codec.StatusToolFailed
	case errors.Is(err, router.ErrNoRoute):
		return codec.StatusRouteConnection

	case errors.Is(err, context.Canceled):
		return codec.StatusEngineUnavailable

	default:
		return codec.StatusInternal
	}
}
