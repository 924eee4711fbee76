package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docsetter/scanflow/internal/config"
	"github.com/docsetter/scanflow/internal/imaging"
	"github.com/docsetter/scanflow/internal/job"
	"github.com/docsetter/scanflow/internal/scanner"
	"github.com/docsetter/scanflow/internal/upload"
)

// ErrBusy is returned when a scan is requested while another is running.
// Jobs are never queued.
var ErrBusy = errors.New("a scan job is already in progress")

// monitorInterval is how often the page watcher polls the job directory.
const monitorInterval = 500 * time.Millisecond

// Scanner is the device surface the pipeline drives. *scanner.Device
// implements it.
type Scanner interface {
	ResolveSource(ctx context.Context, requested string) string
	StartBatch(ctx context.Context, dir, source string) (scanner.Process, error)
}

// Reporter delivers fatal job failures to the remote log endpoint.
// *upload.Client implements it.
type Reporter interface {
	ReportError(ctx context.Context, level, message, details string)
}

// Options carries per-job overrides on top of the loaded configuration.
type Options struct {
	DirPrefix string // job directory prefix, empty for CLI jobs
	Source    string // overrides the configured source when set
	SkipBlank bool
	Upload    bool // false leaves pages on disk without transmitting
	KeepFiles bool // keep the job directory after a successful upload
	Document  upload.DocumentOptions
}

// DefaultOptions derives job options from the configuration.
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		Source:    cfg.Scanner.Source,
		SkipBlank: cfg.Processing.SkipBlank,
		Upload:    true,
	}
}

// Summary records the outcome of the most recent job.
type Summary struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Pages     int           `json:"pages"`
	Skipped   int           `json:"skipped"`
	Uploaded  int           `json:"uploaded"`
	DocID     string        `json:"docId,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Pipeline runs scan jobs end to end: acquisition, per-page processing,
// blank filtering, transmission, and job directory lifecycle.
type Pipeline struct {
	cfg      *config.Config
	device   Scanner
	jobs     *job.Manager
	uploads  *upload.Coordinator
	blanks   *imaging.BlankDetector
	reporter Reporter
	log      *slog.Logger

	// newWatcher builds the page source for a job directory.
	newWatcher func(dir string) scanner.PageSource

	mu   sync.Mutex
	busy bool
	last *Summary
}

func New(cfg *config.Config, device Scanner, jobs *job.Manager, uploads *upload.Coordinator, reporter Reporter, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		device:   device,
		jobs:     jobs,
		uploads:  uploads,
		blanks:   imaging.NewBlankDetector(cfg.Processing.WhiteThreshold, cfg.Processing.BlankThreshold, log),
		reporter: reporter,
		log:      log,
	}
	p.newWatcher = func(dir string) scanner.PageSource {
		return scanner.NewDirWatcher(dir, cfg.Scanner.FormatExt(), monitorInterval, log)
	}
	return p
}

// Busy reports whether a job is currently running.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// LastSummary returns the outcome of the most recent finished job, or nil
// when none has run yet.
func (p *Pipeline) LastSummary() *Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	s := *p.last
	return &s
}

// claim takes the single run slot.
func (p *Pipeline) claim() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return ErrBusy
	}
	p.busy = true
	return nil
}

// Run executes one scan job. A second concurrent call fails immediately with
// ErrBusy.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := p.claim(); err != nil {
		return nil, err
	}
	return p.execute(ctx, opts)
}

// TryRun claims the run slot synchronously, then executes the job on its own
// goroutine. A nil return therefore always corresponds to a job that
// actually started; ErrBusy is never deferred to a log line.
func (p *Pipeline) TryRun(ctx context.Context, opts Options) error {
	if err := p.claim(); err != nil {
		return err
	}
	go func() {
		// Failures are logged and reported inside execute.
		_, _ = p.execute(ctx, opts)
	}()
	return nil
}

// execute runs one claimed job and releases the slot when it finishes.
func (p *Pipeline) execute(ctx context.Context, opts Options) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now()}
	err := p.run(ctx, opts, summary)
	summary.Duration = time.Since(summary.StartedAt)
	if err != nil {
		summary.Error = err.Error()
	}

	p.mu.Lock()
	p.busy = false
	p.last = summary
	p.mu.Unlock()

	if err != nil {
		p.report(ctx, err, summary)
		return summary, err
	}
	p.log.Info("Scan job finished", "pages", summary.Pages, "skipped", summary.Skipped,
		"uploaded", summary.Uploaded, "doc_id", summary.DocID, "duration", summary.Duration)
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, opts Options, summary *Summary) error {
	p.jobs.Cleanup()

	jobDir, err := p.jobs.CreateJobDir(opts.DirPrefix)
	if err != nil {
		return err
	}

	requested := opts.Source
	if requested == "" {
		requested = p.cfg.Scanner.Source
	}
	source := p.device.ResolveSource(ctx, requested)
	p.log.Info("Starting scan", "dir", jobDir, "source", source)

	scanCtx := ctx
	if timeout := p.cfg.Scanner.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	proc, err := p.device.StartBatch(scanCtx, jobDir, source)
	if err != nil {
		finishErr := fmt.Errorf("failed to start scanner: %w", err)
		return p.finish(jobDir, finishErr)
	}

	// Incremental mode uploads each surviving page while the scanner is
	// still feeding; archive modes collect survivors and transmit after.
	var stream *upload.Stream
	if opts.Upload && p.uploads.Strategy() == upload.StrategyIncremental {
		stream = p.uploads.NewStream(opts.Document)
	}

	var (
		totalPages int
		survivors  []upload.PageFile
	)
	emit := func(page scanner.Page) error {
		imaging.Process(page.Path, imaging.Options{
			ColorCorrection: p.cfg.Scanner.ColorCorrection,
			Mirror:          p.cfg.Scanner.Mirror,
			Quality:         p.cfg.Upload.ImageQuality,
			OptimizePNG:     p.cfg.Upload.OptimizePNG,
		}, p.log)

		if opts.SkipBlank && p.blanks.IsBlank(page.Path) {
			p.log.Info("Skipping blank page", "page", page.Number)
			p.blanks.Remove(page.Path)
			summary.Skipped++
			return nil
		}

		// Post-processing may have re-encoded the file, so the monitor's
		// detection-time size is stale for byte-based bundling decisions.
		size := page.Size
		if info, err := os.Stat(page.Path); err == nil {
			size = info.Size()
		}

		file := upload.PageFile{Number: page.Number, Path: page.Path, Size: size}
		if stream != nil {
			if err := stream.Add(ctx, file); err != nil {
				return err
			}
		}
		survivors = append(survivors, file)
		return nil
	}

	procDone := make(chan struct{})
	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := p.newWatcher(jobDir).Run(procDone, emit)
		totalPages = n
		return err
	})

	waitErr := proc.Wait()
	close(procDone)
	monitorErr := g.Wait()
	summary.Pages = totalPages

	if err := scanner.ClassifyExit(source, proc.Output(), waitErr, totalPages); err != nil {
		return p.finish(jobDir, err)
	}
	if monitorErr != nil {
		return p.finish(jobDir, monitorErr)
	}
	if len(survivors) == 0 {
		return p.finish(jobDir, fmt.Errorf("all %d scanned pages were blank", totalPages))
	}

	if !opts.Upload {
		p.log.Info("Upload disabled, leaving pages on disk", "dir", jobDir, "pages", len(survivors))
		summary.Uploaded = 0
		return nil
	}

	var result *upload.Result
	if stream != nil {
		result, err = stream.Result()
	} else {
		result, err = p.uploads.Transmit(ctx, jobDir, survivors, opts.Document)
	}
	if err != nil {
		return p.finish(jobDir, err)
	}

	summary.Uploaded = result.Pages
	summary.DocID = result.DocID
	if summary.DocID == "" {
		summary.DocID = upload.GenerateDocID(time.Now())
		p.log.Warn("API returned no document id, generated one", "doc_id", summary.DocID)
	}

	if opts.KeepFiles {
		p.log.Info("Keeping job directory", "dir", jobDir)
		return nil
	}
	return p.jobs.Finish(jobDir, nil)
}

// finish routes a failed job directory through the lifecycle manager without
// losing the original error.
func (p *Pipeline) finish(jobDir string, jobErr error) error {
	if err := p.jobs.Finish(jobDir, jobErr); err != nil {
		p.log.Warn("Failed to finalize job directory", "dir", jobDir, "err", err)
	}
	return jobErr
}

// report delivers a fatal job failure to the remote log endpoint. Delivery
// is best-effort and never masks the job error.
func (p *Pipeline) report(ctx context.Context, jobErr error, summary *Summary) {
	p.log.Error("Scan job failed", "err", jobErr, "pages", summary.Pages)
	if p.reporter == nil {
		return
	}
	details := fmt.Sprintf("pages=%d skipped=%d duration=%s", summary.Pages, summary.Skipped, summary.Duration)
	p.reporter.ReportError(ctx, "ERROR", jobErr.Error(), details)
}
