package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"

	"github.com/lonetech/pyly/internal/camera"
	"github.com/lonetech/pyly/internal/f01"
	"github.com/lonetech/pyly/internal/transport"
	"github.com/lonetech/pyly/internal/webui"
)

// withCamera connects, runs fn and closes the camera.
func (a *app) withCamera(cmd *cobra.Command, fn func(*camera.Camera) error, opts ...camera.Option) error {
	cam, err := a.connect(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer cam.Close()
	return fn(cam)
}

func newProbeCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "List camera candidates on every configured transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			popts, err := a.settings.ProbeOptions()
			if err != nil {
				return err
			}
			cands, err := transport.ProbeAll(cmd.Context(), popts)
			if err != nil {
				slog.Warn("some transports could not be enumerated", "err", err)
			}
			out := cmd.OutOrStdout()
			for _, c := range cands {
				if !check {
					fmt.Fprintln(out, c)
					continue
				}
				t, err := c.Open()
				if err != nil {
					fmt.Fprintf(out, "%s\tunavailable: %v\n", c, err)
					continue
				}
				level, err := f01.ReadBattery(t)
				t.Close()
				if err != nil {
					fmt.Fprintf(out, "%s\tno answer: %v\n", c, err)
					continue
				}
				fmt.Fprintf(out, "%s\tbattery %g%%\n", c, level)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "open each candidate and query its battery")
	return cmd
}

func newBatteryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "battery",
		Short: "Print the battery level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				level, err := cam.Battery()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Battery level: %g%%\n", level)
				return nil
			})
		},
	}
}

func newTimeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Print the camera clock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				t, err := cam.Time()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Camera time: %s\n", t.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
}

func newSetTimeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "settime [RFC3339 time]",
		Short: "Set the camera clock (defaults to now; unverified on hardware)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if len(args) == 1 {
				t, err := time.Parse(time.RFC3339Nano, args[0])
				if err != nil {
					return fmt.Errorf("parse time: %w", err)
				}
				when = t
			}
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				if err := cam.SetTime(when); err != nil {
					return err
				}
				t, err := cam.Time()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Camera time now: %s\n", t.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the hardware identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				info, err := cam.HardwareInfo()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Vendor:\t%s\n", info.Vendor)
				fmt.Fprintf(w, "Serial:\t%s\n", info.Serial)
				fmt.Fprintf(w, "Build:\t%s\n", info.Build)
				fmt.Fprintf(w, "Software:\t%s\n", info.SWVersion)
				return w.Flush()
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored pictures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				pics, err := cam.Pictures()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PATH\tID\tTAKEN\tROTATION\tSTARRED")
				for i := range pics {
					p := &pics[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", p.PathName("RAW"), p.ID, p.Timestamp, p.Rotation, p.Starred)
				}
				return w.Flush()
			})
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var kindName, formatName, output string
	cmd := &cobra.Command{
		Use:   "download [name]",
		Short: "Download a file, picture or other object",
		Long: "Download selects an object on the camera and reads it completely.\n" +
			"Kinds: hardware_info, file, picture_list, picture, calibration, raw_compressed_picture.\n" +
			"For pictures, name is the picture id and --format is one of " + strings.Join(f01.PictureFormatNames(), ", ") + ".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := f01.ParseLoadKind(kindName)
			if err != nil {
				return err
			}
			format := f01.FormatNone
			if kind == f01.LoadPicture {
				if format, err = f01.ParsePictureFormat(formatName); err != nil {
					return err
				}
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			if (kind == f01.LoadFile || kind == f01.LoadPicture) && name == "" {
				return fmt.Errorf("%s download needs a name", kind)
			}

			progress := func(received, total uint32) {
				slog.Debug("download progress", "received", received, "total", total)
			}
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				data, err := cam.Download(kind, name, format)
				if err != nil {
					return err
				}
				if err := writeOutput(cmd.OutOrStdout(), output, data); err != nil {
					return err
				}
				slog.Info("downloaded", "kind", kind.String(), "name", name, "bytes", len(data))
				return nil
			}, camera.WithProgress(progress))
		},
	}
	cmd.Flags().StringVarP(&kindName, "kind", "t", "file", "object kind")
	cmd.Flags().StringVarP(&formatName, "format", "f", "jpg", "picture format")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file")
	return cmd
}

// writeOutput writes data to w when output is empty or "-", otherwise to the
// file output via a temporary file in the same directory and a rename.
func writeOutput(w io.Writer, output string, data []byte) error {
	if output == "" || output == "-" {
		_, err := w.Write(data)
		return err
	}
	tmp := output + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func newCatalogCmd(a *app) *cobra.Command {
	var output string
	var previews bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Write a PDF catalog of stored pictures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCamera(cmd, func(cam *camera.Camera) error {
				pics, err := cam.Pictures()
				if err != nil {
					return err
				}
				info, err := cam.HardwareInfo()
				if err != nil {
					slog.Warn("hardware info unavailable", "err", err)
				}
				var thumbs map[string][]byte
				if previews {
					thumbs = cam.Previews(pics)
				}
				if err := camera.WriteCatalog(info, pics, thumbs, output); err != nil {
					return err
				}
				slog.Info("catalog written", "path", output, "pictures", len(pics))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "catalog.pdf", "output PDF path")
	cmd.Flags().BoolVar(&previews, "previews", false, "download each picture's JPEG and embed a preview")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var name string
	var noMDNS bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the camera status and downloads over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			interval, err := a.settings.MonitorEvery()
			if err != nil {
				return err
			}
			cam, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer cam.Close()

			mon := camera.StartMonitor(ctx, cam, interval)
			defer mon.Stop()

			port := a.settings.ListenPort
			addr := fmt.Sprintf(":%d", port)
			srv := &http.Server{
				Addr:    addr,
				Handler: logMiddleware(webui.NewHandler(cam, cam.String(), mon.Snapshot, a.store)),
			}

			if !noMDNS {
				mdns, err := zeroconf.Register(name, "_http._tcp", "local.", port,
					[]string{"txtvers=1", "path=/api/status", "camera=" + cam.String()}, nil)
				if err != nil {
					return fmt.Errorf("mDNS registration: %w", err)
				}
				defer mdns.Shutdown()
				slog.Info("mDNS registered", "name", name, "service", "_http._tcp")
			}

			errc := make(chan error, 1)
			go func() {
				slog.Info("HTTP server starting", "addr", addr, "camera", cam.String())
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP shutdown error", "err", err)
			}
			slog.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Lytro camera", "mDNS instance name")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "do not advertise the API via mDNS")
	return cmd
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
