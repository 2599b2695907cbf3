package f01

import (
	"fmt"
	"time"
)

// Transport carries command blocks to a camera. Implementations serialize
// calls internally; responses always belong to the immediately preceding request.
type Transport interface {
	// Read sends cmd and returns up to size payload bytes. Sizes above the
	// transport limit are clamped, not split.
	Read(cmd []byte, size int) ([]byte, error)
	// Write sends cmd followed by payload and consumes the acknowledgment.
	Write(cmd []byte, payload []byte) error
	// Close releases the underlying handle.
	Close() error
}

// Exchange sends cmd as a read of size bytes and decodes the response with
// decode. The decoder is chosen by the caller, so concurrent exchanges never
// share dispatch state.
func Exchange[T any](t Transport, cmd Command, size int, decode func([]byte) (T, error)) (T, error) {
	var zero T
	payload, err := t.Read(cmd.Marshal(), size)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", cmd.Opcode, err)
	}
	return decode(payload)
}

// Request sends cmd and decodes the response through the opcode dispatch
// table. Opcodes without a registered decoder fail with *UnknownPacketError
// before anything is sent.
func Request(t Transport, cmd Command) (any, error) {
	if _, ok := responseDecoders[cmd.Opcode]; !ok {
		return nil, &UnknownPacketError{Opcode: cmd.Opcode, Params: cmd.Params[:]}
	}
	return Exchange(t, cmd, ResponseSize(cmd), func(p []byte) (any, error) {
		return Decode(cmd, p)
	})
}

func requestAs[T any](t Transport, cmd Command) (T, error) {
	var zero T
	v, err := Request(t, cmd)
	if err != nil {
		return zero, err
	}
	r, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: decoded %T, want %T", cmd.Opcode, v, zero)
	}
	return r, nil
}

// ReadBattery returns the battery level in percent.
func ReadBattery(t Transport) (float32, error) {
	return requestAs[float32](t, NewQuery(QueryBattery))
}

// ReadClock returns the camera clock in UTC.
func ReadClock(t Transport) (time.Time, error) {
	return requestAs[time.Time](t, NewQuery(QueryTime))
}

// ReadContentLength returns the size of the currently loaded object.
func ReadContentLength(t Transport) (uint32, error) {
	return requestAs[uint32](t, NewQuery(QuerySize))
}

// Load selects an object on the camera. Without a name it is sent as a
// zero-length read; with a name, as a write of the NUL-terminated name.
func Load(t Transport, kind LoadKind, name string) error {
	if !kind.Valid() {
		return fmt.Errorf("load: invalid kind %d", byte(kind))
	}
	cmd := NewLoad(kind).Marshal()
	if name == "" {
		if _, err := t.Read(cmd, 0); err != nil {
			return fmt.Errorf("%s %s: %w", OpLoad, kind, err)
		}
		return nil
	}
	payload, err := LoadPayload(name)
	if err != nil {
		return err
	}
	if err := t.Write(cmd, payload); err != nil {
		return fmt.Errorf("%s %s: %w", OpLoad, kind, err)
	}
	return nil
}

// SetClock sends a SetTime command. The camera acknowledges it but the clock
// has not been seen to change.
func SetClock(t Transport, now time.Time) error {
	if err := t.Write(NewSetTime().Marshal(), SetTimePayload(now)); err != nil {
		return fmt.Errorf("%s: %w", OpSetTime, err)
	}
	return nil
}
