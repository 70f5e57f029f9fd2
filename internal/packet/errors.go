package packet

import "errors"

var (
	// ErrMalformedSignal is returned when a signal cannot be built from the
	// given probe.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrAddressFamily is returned when an address does not match the
	// requested family.
	ErrAddressFamily = errors.New("address family mismatch")

	// ErrHostTooLong is returned when a remote host name does not fit in a
	// FlowInit record.
	ErrHostTooLong = errors.New("remote host too long")

	// ErrEmptyHost is returned when a FlowInit would carry no host.
	ErrEmptyHost = errors.New("remote host is empty")

	// ErrFlowInitMalformed is returned when a received FlowInit declares a
	// size smaller than its fixed header or carries no host.
	ErrFlowInitMalformed = errors.New("malformed flow init")

	// ErrFlowInitTooLarge is returned when a received FlowInit declares a size
	// larger than MaxFlowInitLen.
	ErrFlowInitTooLarge = errors.New("flow init too large")
)
