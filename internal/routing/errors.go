package routing

import "errors"

var (
	// ErrInvalidTransition is raised when the execution state machine is
	// asked to move between states it does not connect
	ErrInvalidTransition = errors.New("invalid execution state transition")

	// ErrDuplicateDestination is returned when the catalog repeats an id
	ErrDuplicateDestination = errors.New("duplicate destination id")

	// ErrUnknownDestinationType is returned by factories for unregistered types
	ErrUnknownDestinationType = errors.New("unknown destination type")

	// ErrRouteDisabled is reported when a disabled route is executed
	ErrRouteDisabled = errors.New("route is disabled")
)
