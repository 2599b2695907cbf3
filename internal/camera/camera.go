// Package camera is the high-level client for a Lytro F01: it finds a camera
// on any transport and exposes its state, picture list and downloads.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/f01"
	"github.com/lonetech/pyly/internal/transport"
)

// Option configures a Camera.
type Option func(*Camera)

// WithLogger sets the logger used for protocol and download events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Camera) { c.log = l }
}

// WithProgress installs a download progress callback.
func WithProgress(fn f01.ProgressFunc) Option {
	return func(c *Camera) { c.progress = fn }
}

// WithChunkRetries sets how often a retryable chunk failure is re-requested.
func WithChunkRetries(n int) Option {
	return func(c *Camera) { c.chunkRetries = n }
}

// WithMaxEmptyChunks bounds consecutive empty chunks before a download stalls.
func WithMaxEmptyChunks(n int) Option {
	return func(c *Camera) { c.maxEmpty = n }
}

// Camera serializes whole operations on one transport, so a Load, its size
// query and the following Downloads are never interleaved with another call.
type Camera struct {
	mu sync.Mutex
	t  f01.Transport

	name         string
	log          *slog.Logger
	progress     f01.ProgressFunc
	chunkRetries int
	maxEmpty     int
}

// New wraps an open transport.
func New(t f01.Transport, opts ...Option) *Camera {
	c := &Camera{
		t:            t,
		name:         fmt.Sprintf("%T", t),
		log:          slog.Default(),
		chunkRetries: f01.DefaultChunkRetries,
		maxEmpty:     f01.DefaultMaxEmptyChunks,
	}
	if s, ok := t.(fmt.Stringer); ok {
		c.name = s.String()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect probes for a camera and wraps the first one that answers.
func Connect(ctx context.Context, popts transport.ProbeOptions, opts ...Option) (*Camera, error) {
	t, cand, err := transport.Probe(ctx, popts)
	if err != nil {
		return nil, err
	}
	c := New(t, opts...)
	c.name = cand.String()
	c.log.Info("connected", "camera", c.name)
	return c, nil
}

func (c *Camera) String() string { return c.name }

func (c *Camera) downloader() *f01.Downloader {
	d := f01.NewDownloader(c.t)
	d.Logger = c.log
	d.Progress = c.progress
	d.ChunkRetries = c.chunkRetries
	d.MaxEmptyChunks = c.maxEmpty
	return d
}

// Battery returns the charge level in percent.
func (c *Camera) Battery() (float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f01.ReadBattery(c.t)
}

// Time returns the camera clock.
func (c *Camera) Time() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f01.ReadClock(c.t)
}

// SetTime sends a clock update. Cameras accept the command, but the clock
// has not been observed to change.
func (c *Camera) SetTime(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Warn("setting camera time is unverified", "time", t.UTC().Format(time.RFC3339))
	return f01.SetClock(c.t, t)
}

// Download reads an object completely. For pictures, name is the picture id
// and format selects the representation; format is ignored for other kinds.
func (c *Camera) Download(kind f01.LoadKind, name string, format f01.PictureFormat) ([]byte, error) {
	if kind == f01.LoadPicture && format != f01.FormatNone {
		name = f01.PictureName(name, format)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("download", "camera", c.name, "kind", kind.String(), "format", format.String())
	return c.downloader().Download(kind, name)
}

// HardwareInfo downloads and decodes the camera identity.
func (c *Camera) HardwareInfo() (*f01.HardwareInfo, error) {
	data, err := c.Download(f01.LoadHardwareInfo, "", f01.FormatNone)
	if err != nil {
		return nil, err
	}
	return f01.ParseHardwareInfo(data)
}

// Pictures downloads and decodes the picture list.
func (c *Camera) Pictures() ([]f01.PictureRecord, error) {
	data, err := c.Download(f01.LoadPictureList, "", f01.FormatNone)
	if err != nil {
		return nil, err
	}
	list, err := f01.ParsePictureList(data)
	if err != nil {
		return nil, err
	}
	return list.Pictures, nil
}

// Close releases the transport.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Close()
}
