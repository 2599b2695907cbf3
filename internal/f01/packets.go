package f01

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Command is a 16-byte command block: one opcode byte and 15 parameter bytes.
type Command struct {
	Opcode Opcode
	Params [ParamsSize]byte
}

// Marshal encodes the command block. The result is always CommandSize bytes.
func (c Command) Marshal() []byte {
	buf := make([]byte, CommandSize)
	buf[0] = byte(c.Opcode)
	copy(buf[1:], c.Params[:])
	return buf
}

// Selector returns the parameter byte that selects the query type, load kind
// or download slot.
func (c Command) Selector() byte { return c.Params[1] }

// Offset returns the download offset carried by a Download command.
func (c Command) Offset() uint32 {
	return binary.LittleEndian.Uint32(c.Params[2:6])
}

// ParseCommand decodes a 16-byte command block.
func ParseCommand(b []byte) (Command, error) {
	if len(b) != CommandSize {
		return Command{}, fmt.Errorf("command block is %d bytes, want %d", len(b), CommandSize)
	}
	var c Command
	c.Opcode = Opcode(b[0])
	copy(c.Params[:], b[1:])
	return c, nil
}

func selectorCommand(op Opcode, sel byte) Command {
	c := Command{Opcode: op}
	c.Params[1] = sel
	return c
}

// NewQuery builds a Query command: [pad, type, pad×13].
func NewQuery(q QueryType) Command { return selectorCommand(OpQuery, byte(q)) }

// NewLoad builds a Load command: [pad, kind, pad×13].
func NewLoad(kind LoadKind) Command { return selectorCommand(OpLoad, byte(kind)) }

// NewDownload builds a Download command: [pad, 1, offset u32 LE, pad×9].
func NewDownload(offset uint32) Command {
	c := selectorCommand(OpDownload, downloadSelector)
	binary.LittleEndian.PutUint32(c.Params[2:6], offset)
	return c
}

// NewSetTime builds a SetTime command. The camera accepts it without error but
// has never been observed to change its clock.
func NewSetTime() Command { return selectorCommand(OpSetTime, setTimeSelector) }

// LoadPayload encodes a Load name as NUL-terminated ASCII. Picture names may
// already end in a format byte, which can itself be NUL.
func LoadPayload(name string) ([]byte, error) {
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7F {
			return nil, fmt.Errorf("load name %q: byte %d is not ASCII", name, i)
		}
	}
	return append([]byte(name), 0), nil
}

// PictureName appends the format selector byte to a picture id.
func PictureName(id string, format PictureFormat) string {
	if format == FormatNone {
		return id
	}
	return id + string(rune(byte(format)))
}

// SetTimePayload encodes t (converted to UTC) as year, month, day, hour,
// minute, second, millisecond u16 LE fields.
func SetTimePayload(t time.Time) []byte {
	t = t.UTC()
	fields := []int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond() / int(time.Millisecond)}
	buf := make([]byte, 2*len(fields))
	for i, v := range fields {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// --------------------------------------------------------------------------
// Response decoders
// --------------------------------------------------------------------------

// Payload sizes of the query responses.
const (
	BatteryPayloadSize = 4
	TimePayloadSize    = 14
	SizePayloadSize    = 4
)

// DecodeBattery decodes a battery query payload (f32 LE percent).
func DecodeBattery(p []byte) (float32, error) {
	if len(p) < BatteryPayloadSize {
		return 0, shortPayload("battery", len(p), BatteryPayloadSize)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(p)), nil
}

// DecodeTime decodes a clock query payload into a UTC time.
func DecodeTime(p []byte) (time.Time, error) {
	if len(p) < TimePayloadSize {
		return time.Time{}, shortPayload("time", len(p), TimePayloadSize)
	}
	var f [7]int
	for i := range f {
		f[i] = int(binary.LittleEndian.Uint16(p[2*i:]))
	}
	return time.Date(f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], f[6]*int(time.Millisecond), time.UTC), nil
}

// DecodeSize decodes a content-length query payload.
func DecodeSize(p []byte) (uint32, error) {
	if len(p) < SizePayloadSize {
		return 0, shortPayload("size", len(p), SizePayloadSize)
	}
	return binary.LittleEndian.Uint32(p), nil
}

type decoder func(cmd Command, payload []byte) (any, error)

type queryDecoder struct {
	size   int
	decode func([]byte) (any, error)
}

// queryDecoders is dispatched on the query type carried in the request params.
var queryDecoders = map[QueryType]queryDecoder{
	QuerySize: {SizePayloadSize, func(p []byte) (any, error) { return DecodeSize(p) }},
	QueryTime: {TimePayloadSize, func(p []byte) (any, error) { return DecodeTime(p) }},
	QueryBattery: {BatteryPayloadSize, func(p []byte) (any, error) {
		return DecodeBattery(p)
	}},
}

func decodeQuery(cmd Command, payload []byte) (any, error) {
	d, ok := queryDecoders[QueryType(cmd.Selector())]
	if !ok {
		return nil, &UnknownPacketError{Opcode: cmd.Opcode, Params: cmd.Params[:], Payload: payload}
	}
	return d.decode(payload)
}

// responseDecoders maps opcodes to response decoders. It is never modified
// after initialization; Download responses are consumed by the caller.
var responseDecoders = map[Opcode]decoder{
	OpQuery: decodeQuery,
}

// Decode decodes the response to cmd using the decoder registered for its
// opcode. Unregistered opcodes yield *UnknownPacketError.
func Decode(cmd Command, payload []byte) (any, error) {
	d, ok := responseDecoders[cmd.Opcode]
	if !ok {
		return nil, &UnknownPacketError{Opcode: cmd.Opcode, Params: cmd.Params[:], Payload: payload}
	}
	return d(cmd, payload)
}

// ResponseSize returns the payload size expected for a Query command, or 0.
func ResponseSize(cmd Command) int {
	if cmd.Opcode != OpQuery {
		return 0
	}
	return queryDecoders[QueryType(cmd.Selector())].size
}
