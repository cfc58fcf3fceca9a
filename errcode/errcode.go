package errcode

import "errors"

// Code is a stable, log- and wire-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK              Code = "ok"
	Unsupported     Code = "unsupported"
	InvalidParams   Code = "invalid_params"
	InvalidPayload  Code = "invalid_payload"
	NotFound        Code = "not_found"
	Timeout         Code = "timeout"
	NotAcknowledged Code = "not_acknowledged"

	// Registration / configuration.
	RegistryFull      Code = "registry_full"
	DuplicateChildID  Code = "duplicate_child_id"
	ReservedChildID   Code = "reserved_child_id"
	UnknownSensorType Code = "unknown_sensor_type"
	InvalidInterrupt  Code = "invalid_interrupt"
	UnknownPin        Code = "unknown_pin"
	PinInUse          Code = "pin_in_use"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause next to a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match an *E carrying X.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E; msg may be empty.
func Wrap(c Code, op, msg string, err error) error {
	return &E{C: c, Op: op, Msg: msg, Err: err}
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}
