package f01

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrDesync marks a response whose magic or echoed opcode does not match
	// the request. The session cannot be resynchronized; reconnect.
	ErrDesync = errors.New("protocol desynchronized")

	// ErrNotFound is reported when the camera declares a zero content length
	// for a loaded object.
	ErrNotFound = errors.New("object not found")

	// ErrRetryable marks transport failures after which the same request may
	// be issued again on the same transport.
	ErrRetryable = errors.New("retryable transport error")

	// ErrStalled is returned when a download receives too many empty chunks in a row.
	ErrStalled = errors.New("download stalled")

	// ErrClosed is returned by transports used after Close.
	ErrClosed = errors.New("transport closed")
)

// DesyncError describes a mismatched response field.
type DesyncError struct {
	Field string
	Want  uint32
	Got   uint32
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("%s: %s mismatch: want 0x%X, got 0x%X", ErrDesync, e.Field, e.Want, e.Got)
}

func (e *DesyncError) Is(target error) bool { return target == ErrDesync }

// UnknownPacketError is returned for a response to an opcode (or query type)
// with no registered decoder.
type UnknownPacketError struct {
	Opcode  Opcode
	Params  []byte
	Payload []byte
}

func (e *UnknownPacketError) Error() string {
	return fmt.Sprintf("unknown packet: %s params=%x payload=%x", e.Opcode, e.Params, e.Payload)
}

// NotFoundError reports a Load target the camera does not have.
type NotFoundError struct {
	Kind LoadKind
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s", e.Kind, ErrNotFound)
	}
	return fmt.Sprintf("%s %q: %s", e.Kind, e.Name, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == fs.ErrNotExist
}

// DecodeError reports a payload that cannot be decoded.
type DecodeError struct {
	What string
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.What, e.Msg)
}

func shortPayload(what string, got, need int) error {
	return &DecodeError{What: what, Msg: fmt.Sprintf("payload too short (%d bytes, need %d)", got, need)}
}
