package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lonetech/pyly/internal/transport"
)

// Settings holds connection and download defaults.
type Settings struct {
	Transports      []string `json:"transports"`      // probe order: scsi, usb, ip
	Address         string   `json:"address"`         // host:port of the IP transport
	DNSSDService    string   `json:"dnssdService"`    // e.g. "_lytro._tcp"; empty disables browsing
	Timeout         string   `json:"timeout"`         // per-request I/O timeout, e.g. "5s"
	DialTimeout     string   `json:"dialTimeout"`     // TCP connect timeout
	USBProduct      string   `json:"usbProduct"`      // hex product ID; empty matches any
	ChunkRetries    int      `json:"chunkRetries"`    // re-requests of a retryable chunk failure
	MaxEmptyChunks  int      `json:"maxEmptyChunks"`  // consecutive empty chunks before giving up; 0 never gives up
	MonitorInterval string   `json:"monitorInterval"` // status polling period for serve
	ListenPort      int      `json:"listenPort"`      // HTTP API port for serve
	LogLevel        string   `json:"logLevel"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Transports:      []string{"scsi", "usb", "ip"},
		Address:         net.JoinHostPort(transport.DefaultHost, strconv.Itoa(transport.DefaultPort)),
		Timeout:         "5s",
		DialTimeout:     "3s",
		ChunkRetries:    3,
		MaxEmptyChunks:  0,
		MonitorInterval: "30s",
		ListenPort:      8080,
		LogLevel:        "info",
	}
}

// Environment variables overriding Settings.
const (
	EnvAddress      = "LYTRO_ADDRESS"
	EnvTransports   = "LYTRO_TRANSPORTS"
	EnvDNSSDService = "LYTRO_DNSSD_SERVICE"
	EnvTimeout      = "LYTRO_TIMEOUT"
	EnvUSBProduct   = "LYTRO_USB_PRODUCT"
	EnvListenPort   = "LYTRO_LISTEN_PORT"
	EnvLogLevel     = "LYTRO_LOG_LEVEL"
)

// ApplyEnv returns s with non-empty LYTRO_* variables applied. getenv is
// usually os.Getenv.
func (s Settings) ApplyEnv(getenv func(string) string) Settings {
	if v := getenv(EnvAddress); v != "" {
		s.Address = v
	}
	if v := getenv(EnvTransports); v != "" {
		s.Transports = strings.Split(v, ",")
	}
	if v := getenv(EnvDNSSDService); v != "" {
		s.DNSSDService = v
	}
	if v := getenv(EnvTimeout); v != "" {
		s.Timeout = v
	}
	if v := getenv(EnvUSBProduct); v != "" {
		s.USBProduct = v
	}
	if v := getenv(EnvListenPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.ListenPort = n
		} else {
			slog.Warn("ignoring invalid environment value", "key", EnvListenPort, "value", v)
		}
	}
	if v := getenv(EnvLogLevel); v != "" {
		s.LogLevel = v
	}
	return s
}

func parseDuration(field, v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, v)
	}
	return d, nil
}

// ProbeOptions converts s into transport discovery options.
func (s Settings) ProbeOptions() (transport.ProbeOptions, error) {
	opts := transport.DefaultProbeOptions()
	var errs []error

	if len(s.Transports) > 0 {
		b, err := transport.ParseBackends(strings.Join(s.Transports, ","))
		errs = append(errs, err)
		opts.Backends = b
	}
	if s.Address != "" {
		opts.Address = s.Address
	}
	opts.Service = s.DNSSDService

	var err error
	opts.IOTimeout, err = parseDuration("timeout", s.Timeout, opts.IOTimeout)
	errs = append(errs, err)
	opts.DialTimeout, err = parseDuration("dialTimeout", s.DialTimeout, opts.DialTimeout)
	errs = append(errs, err)

	if s.USBProduct != "" {
		pid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s.USBProduct), "0x"), 16, 16)
		if err != nil {
			errs = append(errs, fmt.Errorf("usbProduct: %w", err))
		}
		opts.USBProduct = uint16(pid)
	}
	if err := errors.Join(errs...); err != nil {
		return transport.ProbeOptions{}, err
	}
	return opts, nil
}

// MonitorEvery returns the parsed monitor interval.
func (s Settings) MonitorEvery() (time.Duration, error) {
	return parseDuration("monitorInterval", s.MonitorInterval, 30*time.Second)
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	_, err := s.ProbeOptions()
	errs := []error{err}
	if _, err := s.MonitorEvery(); err != nil {
		errs = append(errs, err)
	}
	if s.ChunkRetries < 0 {
		errs = append(errs, fmt.Errorf("chunkRetries: must not be negative"))
	}
	if s.MaxEmptyChunks < 0 {
		errs = append(errs, fmt.Errorf("maxEmptyChunks: must not be negative"))
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listenPort: %d out of range", s.ListenPort))
	}
	return errors.Join(errs...)
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only (no file persistence).
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lytro"), nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.settings
	out.Transports = append([]string(nil), s.settings.Transports...)
	return out
}

// Update validates and replaces the settings and persists to disk.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	// fields absent from the file keep their defaults
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
