package f01

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// DownloadState is the phase of a download session.
type DownloadState int

const (
	StateSelecting DownloadState = iota
	StateSizeKnown
	StateTransferring
	StateComplete
	StateNotFound
)

func (s DownloadState) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateSizeKnown:
		return "size-known"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("DownloadState(%d)", int(s))
	}
}

// Session tracks one transfer. Received always equals len(Data).
type Session struct {
	Kind     LoadKind
	Name     string
	State    DownloadState
	Total    uint32
	Received uint32
	Data     []byte
}

// ProgressFunc is called after every non-empty chunk.
type ProgressFunc func(received, total uint32)

// Downloader drives Load / Query size / Download cycles on a transport.
type Downloader struct {
	Transport Transport
	Logger    *slog.Logger
	Progress  ProgressFunc

	// MaxEmptyChunks bounds consecutive zero-length chunks before ErrStalled.
	// Zero-length chunks are otherwise harmless re-requests of the same
	// offset; 0 re-requests forever.
	MaxEmptyChunks int
	// ChunkRetries is how often a chunk failing with ErrRetryable is re-requested.
	ChunkRetries int
	// RetryInterval is the pause between chunk retries.
	RetryInterval time.Duration
}

// Defaults for Downloader fields left zero.
const (
	DefaultMaxEmptyChunks = 0 // unbounded
	DefaultChunkRetries   = 3
	DefaultRetryInterval  = 50 * time.Millisecond
)

// NewDownloader returns a Downloader with default limits.
func NewDownloader(t Transport) *Downloader {
	return &Downloader{
		Transport:      t,
		MaxEmptyChunks: DefaultMaxEmptyChunks,
		ChunkRetries:   DefaultChunkRetries,
		RetryInterval:  DefaultRetryInterval,
	}
}

func (d *Downloader) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Download selects kind/name on the camera and reads it completely.
func (d *Downloader) Download(kind LoadKind, name string) ([]byte, error) {
	s := &Session{Kind: kind, Name: name, State: StateSelecting}
	if err := d.Run(s); err != nil {
		return nil, err
	}
	return s.Data, nil
}

// Run advances s from StateSelecting to StateComplete or StateNotFound.
func (d *Downloader) Run(s *Session) error {
	log := d.logger()

	if err := Load(d.Transport, s.Kind, s.Name); err != nil {
		return err
	}
	total, err := ReadContentLength(d.Transport)
	if err != nil {
		return fmt.Errorf("content length: %w", err)
	}
	if total == 0 {
		s.State = StateNotFound
		return &NotFoundError{Kind: s.Kind, Name: s.Name}
	}
	s.Total = total
	s.State = StateSizeKnown
	s.Data = make([]byte, 0, total)
	log.Debug("download selected", "kind", s.Kind, "name", s.Name, "bytes", total)

	s.State = StateTransferring
	empty := 0
	for s.Received < s.Total {
		chunk, err := d.chunk(s.Received, s.Total-s.Received)
		if err != nil {
			return fmt.Errorf("chunk at offset %d: %w", s.Received, err)
		}
		if len(chunk) == 0 {
			// The camera sometimes answers empty; ask again.
			empty++
			if d.MaxEmptyChunks > 0 && empty >= d.MaxEmptyChunks {
				return fmt.Errorf("offset %d/%d after %d empty chunks: %w", s.Received, s.Total, empty, ErrStalled)
			}
			continue
		}
		empty = 0
		if remaining := s.Total - s.Received; uint32(len(chunk)) > remaining {
			log.Debug("chunk over-delivered", "offset", s.Received, "bytes", len(chunk), "remaining", remaining)
			chunk = chunk[:remaining]
		}
		s.Data = append(s.Data, chunk...)
		s.Received += uint32(len(chunk))
		log.Debug("chunk", "offset", s.Received-uint32(len(chunk)), "bytes", len(chunk), "received", s.Received, "total", s.Total)
		if d.Progress != nil {
			d.Progress(s.Received, s.Total)
		}
	}
	s.Data = s.Data[:s.Total]
	s.State = StateComplete
	log.Debug("download complete", "kind", s.Kind, "name", s.Name, "bytes", len(s.Data))
	return nil
}

// chunk requests the bytes at offset, retrying ErrRetryable failures.
func (d *Downloader) chunk(offset, remaining uint32) ([]byte, error) {
	cmd := NewDownload(offset).Marshal()
	size := int(min(remaining, MaxTransfer))

	var (
		data      []byte
		permanent error
	)
	interval := d.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(max(d.ChunkRetries, 0)))
	err := backoff.Retry(func() error {
		var err error
		data, err = d.Transport.Read(cmd, size)
		if err != nil && !errors.Is(err, ErrRetryable) {
			permanent = err
			return nil
		}
		if err != nil {
			d.logger().Warn("chunk failed, retrying", "offset", offset, "err", err)
		}
		return err
	}, policy)
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
