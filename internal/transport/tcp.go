package transport

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/f01"
)

// Magic prefixes every TCP request and response header.
const Magic uint32 = 0xFAAA55AF

// TCP header kinds.
const (
	KindWrite uint32 = 0 // request carrying a payload
	KindRead  uint32 = 1 // request expecting a payload
	KindAck   uint32 = 2 // response to a write
)

// Wire sizes of the TCP framing.
const (
	TCPHeaderSize   = 12
	TCPResponseSize = TCPHeaderSize + f01.CommandSize
)

// DefaultPort and DefaultHost are where the camera listens on its own Wi-Fi network.
const (
	DefaultHost = "10.100.1.1"
	DefaultPort = 5678
)

// TCPHeader is the 12-byte prefix of every request and response.
type TCPHeader struct {
	Magic uint32
	Size  uint32
	Kind  uint32
}

// MarshalTCPRequest builds header + command block (+ payload for writes).
func MarshalTCPRequest(kind uint32, size int, cmd []byte, payload []byte) []byte {
	buf := make([]byte, TCPHeaderSize, TCPHeaderSize+len(cmd)+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], kind)
	buf = append(buf, cmd...)
	return append(buf, payload...)
}

// ParseTCPHeader decodes a 12-byte header.
func ParseTCPHeader(data []byte) (TCPHeader, error) {
	if len(data) < TCPHeaderSize {
		return TCPHeader{}, fmt.Errorf("tcp header too short: %d bytes", len(data))
	}
	return TCPHeader{
		Magic: binary.LittleEndian.Uint32(data[0:4]),
		Size:  binary.LittleEndian.Uint32(data[4:8]),
		Kind:  binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// maxResponseSize bounds the payload we accept in one response; anything
// larger cannot come from a sane camera and is treated as desync.
const maxResponseSize = 2 * f01.MaxTransfer

// TCP implements f01.Transport over the camera's TCP service.
type TCP struct {
	mu      sync.Mutex
	conn    net.Conn
	addr    string
	timeout time.Duration
	broken  error
}

// DialTCP connects to addr ("host:port").
func DialTCP(addr string, dialTimeout, ioTimeout time.Duration) (*TCP, error) {
	slog.Debug("tcp connecting", "addr", addr)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp connect %s: %w", addr, err)
	}
	slog.Debug("tcp connected", "addr", addr)
	return NewTCP(conn, ioTimeout), nil
}

// NewTCP wraps an established connection. A zero ioTimeout disables deadlines.
func NewTCP(conn net.Conn, ioTimeout time.Duration) *TCP {
	return &TCP{conn: conn, addr: conn.RemoteAddr().String(), timeout: ioTimeout}
}

func (t *TCP) String() string { return "ip:" + t.addr }

func (t *TCP) deadline() {
	if t.timeout > 0 {
		t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
}

func (t *TCP) ready() error {
	if t.conn == nil {
		return f01.ErrClosed
	}
	if t.broken != nil {
		return fmt.Errorf("connection unusable after earlier failure: %w", t.broken)
	}
	return nil
}

// fail records a desync so later calls refuse to use the stream.
func (t *TCP) fail(err error) error {
	t.broken = err
	return err
}

// readEcho reads the response header and echoed command block, validating
// magic before anything else is consumed.
func (t *TCP) readEcho(cmd []byte) (TCPHeader, error) {
	hdrBuf := make([]byte, TCPHeaderSize)
	if _, err := io.ReadFull(t.conn, hdrBuf); err != nil {
		return TCPHeader{}, fmt.Errorf("read response header: %w", err)
	}
	hdr, _ := ParseTCPHeader(hdrBuf)
	if hdr.Magic != Magic {
		return hdr, t.fail(&f01.DesyncError{Field: "magic", Want: Magic, Got: hdr.Magic})
	}
	echo := make([]byte, f01.CommandSize)
	if _, err := io.ReadFull(t.conn, echo); err != nil {
		return hdr, fmt.Errorf("read command echo: %w", err)
	}
	if echo[0] != cmd[0] {
		return hdr, t.fail(&f01.DesyncError{Field: "opcode", Want: uint32(cmd[0]), Got: uint32(echo[0])})
	}
	slog.Debug("tcp response", "size", hdr.Size, "kind", hdr.Kind, "echo_hex", hex.EncodeToString(echo))
	return hdr, nil
}

// Read implements f01.Transport.
func (t *TCP) Read(cmd []byte, size int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready(); err != nil {
		return nil, err
	}
	size = min(max(size, 0), f01.MaxTransfer)

	t.deadline()
	if _, err := t.conn.Write(MarshalTCPRequest(KindRead, size, cmd, nil)); err != nil {
		return nil, fmt.Errorf("tcp send: %w", err)
	}
	hdr, err := t.readEcho(cmd)
	if err != nil {
		return nil, err
	}
	if hdr.Size > maxResponseSize {
		return nil, t.fail(&f01.DesyncError{Field: "size", Want: uint32(size), Got: hdr.Size})
	}

	// TCP is a stream: keep reading until the declared size has arrived.
	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, fmt.Errorf("read payload (%d bytes): %w", hdr.Size, err)
	}
	if len(payload) > size {
		payload = payload[:size]
	}
	return payload, nil
}

// Write implements f01.Transport. The camera acknowledges with kind 2 and
// mirrors the payload back, which is discarded.
func (t *TCP) Write(cmd []byte, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready(); err != nil {
		return err
	}

	t.deadline()
	if _, err := t.conn.Write(MarshalTCPRequest(KindWrite, len(payload), cmd, payload)); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	hdr, err := t.readEcho(cmd)
	if err != nil {
		return err
	}
	if hdr.Kind != KindAck {
		return t.fail(&f01.DesyncError{Field: "ack kind", Want: KindAck, Got: hdr.Kind})
	}
	if hdr.Size != uint32(len(payload)) {
		return t.fail(&f01.DesyncError{Field: "ack size", Want: uint32(len(payload)), Got: hdr.Size})
	}
	if _, err := io.CopyN(io.Discard, t.conn, int64(hdr.Size)); err != nil {
		return fmt.Errorf("read payload echo: %w", err)
	}
	return nil
}

// Close implements f01.Transport.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
