package scanner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docsetter/scanflow/internal/config"
)

const scanimageBinary = "scanimage"

// probeTimeout bounds the short-lived capability and status invocations.
const probeTimeout = 10 * time.Second

// Process is a running batch acquisition.
type Process interface {
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait() error
	// Output returns the combined stdout/stderr captured so far.
	Output() string
}

// CommandRunner executes the external scanimage binary. The pipeline and the
// tests substitute fakes; production code uses ExecRunner.
type CommandRunner interface {
	// Run executes scanimage synchronously and returns its combined output.
	// A non-zero exit is reported through err as *exec.ExitError.
	Run(ctx context.Context, args ...string) (string, error)
	// Start launches a long-running batch acquisition.
	Start(ctx context.Context, args ...string) (Process, error)
}

// ExecRunner runs scanimage via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, scanimageBinary, args...).CombinedOutput()
	return string(out), err
}

func (ExecRunner) Start(ctx context.Context, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, scanimageBinary, args...)
	proc := &execProcess{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", scanimageBinary, err)
	}
	return proc, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func (p *execProcess) Wait() error    { return p.cmd.Wait() }
func (p *execProcess) Output() string { return p.out.String() }

// DeviceError is a fatal device or acquisition failure.
type DeviceError struct {
	Msg string
}

func (e *DeviceError) Error() string { return e.Msg }

// Device drives one SANE scanner through the scanimage utility.
type Device struct {
	cfg    config.ScannerConfig
	runner CommandRunner
	log    *slog.Logger
}

func NewDevice(cfg config.ScannerConfig, runner CommandRunner, log *slog.Logger) (*Device, error) {
	if cfg.Device == "" {
		return nil, &DeviceError{Msg: "no scanner device configured, set scanner.device in config.yaml"}
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Device{cfg: cfg, runner: runner, log: log}, nil
}

func (d *Device) Name() string { return d.cfg.Device }

// Available reports whether the configured device shows up in scanimage -L.
func (d *Device) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := d.runner.Run(ctx, "-L")
	if err != nil {
		d.log.Debug("Device listing failed", "err", err)
		return false
	}
	// The backend prefix (e.g. "canon_dr") is enough to match the -L line;
	// the USB address after the colon changes across reconnects.
	backend := d.cfg.Device
	if i := strings.Index(backend, ":"); i > 0 {
		backend = backend[:i]
	}
	return strings.Contains(strings.ToLower(out), strings.ToLower(backend))
}

// Capabilities probes the device options via scanimage -A.
func (d *Device) Capabilities(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := d.runner.Run(ctx, "-d", d.cfg.Device, "-A")
	if err != nil {
		return nil, &DeviceError{Msg: fmt.Sprintf("capability probe failed: %v: %s", err, strings.TrimSpace(out))}
	}
	return ParseCapabilities(out), nil
}

// ResolveSource maps a generic source request (Auto, ADF, Flatbed) to the
// device's own source name. Generic ADF prefers a duplex feed. Auto probes
// the status dump for paper-loaded text before choosing between feeder and
// flatbed. An unmatched request falls back to the first reported source.
func (d *Device) ResolveSource(ctx context.Context, requested string) string {
	if requested == "" {
		requested = d.cfg.Source
	}

	if !strings.EqualFold(requested, "Auto") {
		return d.mapSourceName(ctx, requested)
	}

	caps, err := d.Capabilities(ctx)
	if err != nil {
		d.log.Warn("Failed to auto-detect source, defaulting to ADF", "err", err)
		return d.mapSourceName(ctx, "ADF")
	}

	raw := strings.ToLower(caps.Raw)
	if strings.Contains(raw, "adf") {
		if caps.Features["page-loaded"] || containsAny(raw, "loaded", "ready", "paper") {
			d.log.Debug("ADF reports paper loaded, using ADF")
			return d.mapSourceName(ctx, "ADF")
		}
	}
	d.log.Debug("No paper detected in ADF, using Flatbed")
	return d.mapSourceName(ctx, "Flatbed")
}

func (d *Device) mapSourceName(ctx context.Context, requested string) string {
	caps, err := d.Capabilities(ctx)
	if err != nil || len(caps.Sources) == 0 {
		d.log.Warn("Failed to detect available sources, using requested name", "source", requested, "err", err)
		return requested
	}
	return resolveSource(requested, caps.Sources, d.log)
}

// resolveSource applies the matching rules against a known source list.
func resolveSource(requested string, available []string, log *slog.Logger) string {
	for _, s := range available {
		if strings.EqualFold(s, requested) {
			return s
		}
	}

	switch strings.ToUpper(requested) {
	case "FLATBED":
		for _, s := range available {
			if strings.Contains(strings.ToLower(s), "flatbed") {
				return s
			}
		}
	case "ADF":
		for _, s := range available {
			if strings.Contains(strings.ToLower(s), "adf duplex") {
				return s
			}
		}
		for _, s := range available {
			if strings.Contains(strings.ToLower(s), "adf") {
				return s
			}
		}
	}

	log.Warn("Source not found on device, falling back to first reported source",
		"requested", requested, "using", available[0])
	return available[0]
}

// BatchArgs builds the scanimage invocation for one batch acquisition into
// dir. Output files follow the page_NNN.<ext> pattern. Built-in auto-crop is
// disabled explicitly since it can truncate scanned content.
func (d *Device) BatchArgs(dir, source string) []string {
	args := []string{
		"-d", d.cfg.Device,
		"--resolution", strconv.Itoa(d.cfg.Resolution),
		"--mode", d.cfg.Mode,
		"--source", source,
		"--format=" + d.cfg.Format,
		"--swcrop=no",
	}
	if d.cfg.PageWidth > 0 {
		args = append(args, "-x", strconv.FormatFloat(d.cfg.PageWidth, 'f', -1, 64))
	}
	if d.cfg.PageHeight > 0 {
		args = append(args, "-y", strconv.FormatFloat(d.cfg.PageHeight, 'f', -1, 64))
	}
	pattern := filepath.Join(dir, "page_%03d."+d.cfg.FormatExt())
	return append(args, "--batch="+pattern)
}

// StartBatch launches the acquisition process. The caller owns the returned
// Process and must Wait on it; cancelling ctx kills the process.
func (d *Device) StartBatch(ctx context.Context, dir, source string) (Process, error) {
	args := d.BatchArgs(dir, source)
	d.log.Info("Starting acquisition", "source", source, "dir", dir)
	d.log.Debug("Scan command", "args", strings.Join(args, " "))
	return d.runner.Start(ctx, args...)
}

// ClassifyExit turns a finished acquisition into the job's scan outcome.
// A non-zero exit with feeder-empty text is the normal end-of-feed condition
// when at least one page was produced. Zero pages is always a failure.
func ClassifyExit(source, output string, waitErr error, pages int) error {
	text := strings.ToLower(output)
	feederEmpty := containsAny(text, "document feeder out of documents", "feeder out", "feeder empty")

	if waitErr != nil || feederEmpty {
		if feederEmpty && pages > 0 {
			// Expected end of feed.
			return nil
		}
		switch {
		case feederEmpty && strings.Contains(strings.ToLower(source), "flatbed"):
			return &DeviceError{Msg: fmt.Sprintf("flatbed scan failed (source %s): the device reported an empty feeder; this scanner has limited flatbed support, try ADF instead", source)}
		case feederEmpty:
			return &DeviceError{Msg: fmt.Sprintf("no paper in document feeder (source %s): load paper into the ADF and try again", source)}
		case strings.Contains(text, "invalid argument"):
			return &DeviceError{Msg: fmt.Sprintf("scanner configuration error (source %s): %v: %s", source, waitErr, strings.TrimSpace(output))}
		default:
			msg := strings.TrimSpace(output)
			if msg == "" {
				msg = "unknown scan error"
			}
			return &DeviceError{Msg: fmt.Sprintf("scan failed (source %s): %v: %s", source, waitErr, msg)}
		}
	}

	if pages == 0 {
		return &DeviceError{Msg: fmt.Sprintf("no pages were scanned (source %s): load paper into the document feeder and try again", source)}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
