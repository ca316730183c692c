package thermostat

import "errors"

// Error taxonomy for driver operations. Every error returned by the driver
// wraps one of these sentinels (or protocol.ErrInvalidData for codec
// failures, which surface synchronously before anything is written).
var (
	// ErrConnection covers link establishment and link loss.
	ErrConnection = errors.New("connection error")

	// ErrCommand covers failures while sending a command.
	ErrCommand = errors.New("command error")

	// ErrTimeout covers connect, write and response deadlines.
	ErrTimeout = errors.New("timeout")

	// ErrState is returned for operations invalid in the current state,
	// such as reading cached data before the first fetch.
	ErrState = errors.New("invalid state")

	// ErrAlreadyAwaiting is returned when a schedule aggregate is requested
	// while another one is still in flight.
	ErrAlreadyAwaiting = errors.New("already awaiting response")

	// ErrInternal marks protocol situations that should not happen, such as
	// an unknown opcode from the device.
	ErrInternal = errors.New("internal error")
)
