package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lonetech/pyly/internal/camera"
	"github.com/lonetech/pyly/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// app carries state shared by all subcommands.
type app struct {
	configDir string
	flags     config.Settings // values of the global flags
	store     *config.Store
	settings  config.Settings
}

func newRootCmd() *cobra.Command {
	return (&app{}).rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lytro",
		Short:         "Talk to a Lytro F01 light field camera",
		Long:          "lytro finds a Lytro F01 over SCSI, USB or Wi-Fi and reads its state, picture list and files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configDir, "config-dir", "", "directory holding settings.json (default: user config dir)")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringSliceVar(&a.flags.Transports, "transports", nil, "probe order, e.g. usb,ip")
	pf.StringVar(&a.flags.Address, "address", "", "camera address for the IP transport (host:port)")
	pf.StringVar(&a.flags.DNSSDService, "dnssd-service", "", "DNS-SD service type to browse for cameras")
	pf.StringVar(&a.flags.Timeout, "timeout", "", "per-request I/O timeout")
	pf.StringVar(&a.flags.USBProduct, "usb-product", "", "USB product ID to match (hex)")

	root.AddCommand(
		newProbeCmd(a),
		newBatteryCmd(a),
		newTimeCmd(a),
		newSetTimeCmd(a),
		newInfoCmd(a),
		newListCmd(a),
		newDownloadCmd(a),
		newCatalogCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads settings (file, then environment, then flags) and installs the
// default logger.
func (a *app) setup(cmd *cobra.Command) error {
	dir := a.configDir
	if dir == "" {
		if d, err := config.DefaultDir(); err == nil {
			dir = d
		}
	}
	if dir != "" {
		st, err := config.NewStore(dir)
		if err != nil {
			slog.Debug("settings store unavailable, using defaults", "dir", dir, "err", err)
			st = config.NewMemoryStore()
		}
		a.store = st
	} else {
		a.store = config.NewMemoryStore()
	}

	s := a.store.Get().ApplyEnv(os.Getenv)
	f := cmd.Flags()
	if f.Changed("log-level") {
		s.LogLevel = a.flags.LogLevel
	}
	if f.Changed("transports") {
		s.Transports = a.flags.Transports
	}
	if f.Changed("address") {
		s.Address = a.flags.Address
	}
	if f.Changed("dnssd-service") {
		s.DNSSDService = a.flags.DNSSDService
	}
	if f.Changed("timeout") {
		s.Timeout = a.flags.Timeout
	}
	if f.Changed("usb-product") {
		s.USBProduct = a.flags.USBProduct
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(s.LogLevel)})))
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	a.settings = s
	return nil
}

// connect probes for a camera using the effective settings.
func (a *app) connect(ctx context.Context, opts ...camera.Option) (*camera.Camera, error) {
	popts, err := a.settings.ProbeOptions()
	if err != nil {
		return nil, err
	}
	opts = append([]camera.Option{
		camera.WithChunkRetries(a.settings.ChunkRetries),
		camera.WithMaxEmptyChunks(a.settings.MaxEmptyChunks),
	}, opts...)
	return camera.Connect(ctx, popts, opts...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
