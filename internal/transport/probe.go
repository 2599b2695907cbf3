package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/go-multierror"

	"github.com/lonetech/pyly/internal/f01"
	"github.com/lonetech/pyly/internal/sg"
	"github.com/lonetech/pyly/internal/usbfs"
)

// Backend names a transport family.
type Backend string

const (
	BackendSCSI Backend = "scsi"
	BackendUSB  Backend = "usb"
	BackendIP   Backend = "ip"
)

// DefaultBackends is the probe order when none is configured.
var DefaultBackends = []Backend{BackendSCSI, BackendUSB, BackendIP}

// ParseBackends parses a comma-separated backend list such as "usb,ip".
func ParseBackends(s string) ([]Backend, error) {
	var out []Backend
	for _, f := range strings.Split(s, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		switch b := Backend(f); b {
		case BackendSCSI, BackendUSB, BackendIP:
			out = append(out, b)
		default:
			return nil, fmt.Errorf("unknown transport %q (want scsi, usb or ip)", f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty transport list")
	}
	return out, nil
}

// ProbeOptions controls discovery.
type ProbeOptions struct {
	Backends []Backend

	// Address is the fixed IP endpoint, "host:port".
	Address string
	// Service enables a DNS-SD browse for this service type before Address
	// is tried, e.g. "_lytro._tcp". Empty disables browsing.
	Service       string
	Domain        string
	BrowseTimeout time.Duration

	DialTimeout time.Duration
	IOTimeout   time.Duration

	// USBProduct restricts USB matches to one product ID; 0 matches any.
	USBProduct uint16

	Logger *slog.Logger
}

// DefaultProbeOptions returns the built-in discovery settings.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		Backends:      DefaultBackends,
		Address:       net.JoinHostPort(DefaultHost, strconv.Itoa(DefaultPort)),
		Domain:        "local.",
		BrowseTimeout: 2 * time.Second,
		DialTimeout:   3 * time.Second,
		IOTimeout:     5 * time.Second,
	}
}

func (o *ProbeOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Candidate is a device that may be a camera. Open connects to it.
type Candidate struct {
	Backend Backend
	Target  string
	open    func() (f01.Transport, error)
}

func (c Candidate) String() string { return string(c.Backend) + ":" + c.Target }

// Open connects to the candidate without checking that it answers.
func (c Candidate) Open() (f01.Transport, error) {
	if c.open == nil {
		return nil, fmt.Errorf("%s: no opener", c)
	}
	return c.open()
}

// ProbeAll lists candidates for every configured backend, in order, without
// connecting. Enumeration failures are collected into the returned error
// alongside whatever candidates were found.
func ProbeAll(ctx context.Context, opts ProbeOptions) ([]Candidate, error) {
	backends := opts.Backends
	if len(backends) == 0 {
		backends = DefaultBackends
	}
	log := opts.logger()

	var candidates []Candidate
	var result *multierror.Error
	for _, b := range backends {
		var found []Candidate
		var err error
		switch b {
		case BackendSCSI:
			found, err = scsiCandidates(opts)
		case BackendUSB:
			found, err = usbCandidates(opts)
		case BackendIP:
			found, err = ipCandidates(ctx, opts)
		default:
			err = fmt.Errorf("unknown transport %q", b)
		}
		if err != nil {
			log.Debug("probe enumeration failed", "transport", b, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", b, err))
		}
		candidates = append(candidates, found...)
	}
	return candidates, result.ErrorOrNil()
}

func scsiCandidates(opts ProbeOptions) ([]Candidate, error) {
	paths, err := sg.Find(SCSIVendor)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		out = append(out, Candidate{
			Backend: BackendSCSI,
			Target:  p,
			open: func() (f01.Transport, error) {
				return OpenSCSI(p, opts.IOTimeout)
			},
		})
	}
	return out, nil
}

func usbCandidates(opts ProbeOptions) ([]Candidate, error) {
	devs, err := usbfs.Find(USBVendor, opts.USBProduct)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(devs))
	for _, d := range devs {
		out = append(out, Candidate{
			Backend: BackendUSB,
			Target:  d.Path,
			open: func() (f01.Transport, error) {
				return OpenUSB(d, opts.IOTimeout)
			},
		})
	}
	return out, nil
}

func ipCandidate(addr string, opts ProbeOptions) Candidate {
	return Candidate{
		Backend: BackendIP,
		Target:  addr,
		open: func() (f01.Transport, error) {
			return DialTCP(addr, opts.DialTimeout, opts.IOTimeout)
		},
	}
}

func ipCandidates(ctx context.Context, opts ProbeOptions) ([]Candidate, error) {
	var out []Candidate
	seen := map[string]bool{}
	var err error
	if opts.Service != "" {
		var addrs []string
		addrs, err = browse(ctx, opts)
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, ipCandidate(a, opts))
			}
		}
	}
	if opts.Address != "" && !seen[opts.Address] {
		out = append(out, ipCandidate(opts.Address, opts))
	}
	return out, err
}

// browse collects IPv4 endpoints advertised for opts.Service until the
// browse timeout expires.
func browse(ctx context.Context, opts ProbeOptions) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("dns-sd resolver: %w", err)
	}
	timeout := opts.BrowseTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, opts.Service, opts.Domain, entries); err != nil {
		return nil, fmt.Errorf("dns-sd browse %s: %w", opts.Service, err)
	}

	var addrs []string
	for {
		select {
		case <-ctx.Done():
			return addrs, nil
		case e, ok := <-entries:
			if !ok {
				return addrs, nil
			}
			for _, ip := range e.AddrIPv4 {
				addr := net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
				opts.logger().Debug("dns-sd found camera", "instance", e.Instance, "addr", addr)
				addrs = append(addrs, addr)
			}
		}
	}
}

// Probe opens candidates in order and returns the first one that answers a
// battery query. Candidates that cannot be opened, including those refused
// for lack of permission, are skipped.
func Probe(ctx context.Context, opts ProbeOptions) (f01.Transport, Candidate, error) {
	log := opts.logger()
	candidates, enumErr := ProbeAll(ctx, opts)

	var result *multierror.Error
	if enumErr != nil {
		result = multierror.Append(result, enumErr)
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, err
		}
		t, err := c.Open()
		if err != nil {
			if sg.IsPermission(err) {
				log.Info("probe skipped device", "candidate", c.String(), "reason", "permission denied")
			} else {
				log.Debug("probe open failed", "candidate", c.String(), "error", err)
			}
			result = multierror.Append(result, fmt.Errorf("%s: %w", c, err))
			continue
		}
		level, err := f01.ReadBattery(t)
		if err != nil {
			log.Debug("probe liveness check failed", "candidate", c.String(), "error", err)
			t.Close()
			result = multierror.Append(result, fmt.Errorf("%s: %w", c, err))
			continue
		}
		log.Info("camera found", "candidate", c.String(), "battery", level)
		return t, c, nil
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, Candidate{}, fmt.Errorf("%w: %w", ErrNoCamera, err)
	}
	return nil, Candidate{}, ErrNoCamera
}

// ErrNoCamera is returned when no candidate answers.
var ErrNoCamera = errors.New("no camera found")
