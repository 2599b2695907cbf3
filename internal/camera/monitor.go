package camera

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StatusSource is polled by a Monitor.
type StatusSource interface {
	Battery() (float32, error)
	Time() (time.Time, error)
}

// Status is the last polled camera state.
type Status struct {
	Battery   float32   `json:"battery"`
	Time      time.Time `json:"time"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// Monitor polls battery and clock in the background.
type Monitor struct {
	src    StatusSource
	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultMonitorInterval is used when StartMonitor gets a zero interval.
const DefaultMonitorInterval = 30 * time.Second

// StartMonitor polls src immediately and then every interval until ctx is
// cancelled or Stop is called.
func StartMonitor(ctx context.Context, src StatusSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{src: src, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("monitor started", "interval", interval)
		for {
			m.poll()
			select {
			case <-ctx.Done():
				slog.Info("monitor stopped")
				return
			case <-ticker.C:
			}
		}
	}()
	return m
}

func (m *Monitor) poll() {
	level, err := m.src.Battery()
	var clock time.Time
	if err == nil {
		clock, err = m.src.Time()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.UpdatedAt = time.Now().UTC()
	if err != nil {
		slog.Warn("monitor poll failed", "error", err)
		m.status.LastError = err.Error()
		return
	}
	m.status.Battery = level
	m.status.Time = clock
	m.status.LastError = ""
}

// Snapshot returns a copy of the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Stop stops polling and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}
