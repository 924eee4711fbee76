package upload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docsetter/scanflow/internal/config"
)

// Transport strategies, selected statically per job from configuration.
const (
	StrategyIncremental = "individual"
	StrategyArchive     = "zip"
	StrategyBundled     = "zip-bundled"
)

// DocumentAPI is the slice of the document backend the coordinator drives.
// *Client implements it.
type DocumentAPI interface {
	CreateDocument(ctx context.Context, files []string, opts DocumentOptions) (*DocumentResponse, error)
	AppendPages(ctx context.Context, docID string, files []string) (*DocumentResponse, error)
}

// Result summarizes one job's transmission.
type Result struct {
	DocID        string
	Pages        int
	Bundles      int
	PayloadBytes int64
}

// Coordinator decides transport strategy and drives document creation and
// append calls against the remote API.
type Coordinator struct {
	api DocumentAPI
	cfg config.UploadConfig
	log *slog.Logger
}

func NewCoordinator(api DocumentAPI, cfg config.UploadConfig, log *slog.Logger) *Coordinator {
	return &Coordinator{api: api, cfg: cfg, log: log}
}

// Strategy returns the configured transport strategy.
func (c *Coordinator) Strategy() string {
	if c.cfg.Compression == "" {
		return StrategyIncremental
	}
	return c.cfg.Compression
}

// Transmit uploads the ordered page list using the configured strategy.
// workDir is the job directory; archive strategies write their ZIP payloads
// there. Any create or append rejection fails the whole job.
func (c *Coordinator) Transmit(ctx context.Context, workDir string, pages []PageFile, opts DocumentOptions) (*Result, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to transmit")
	}

	switch c.Strategy() {
	case StrategyIncremental:
		stream := c.NewStream(opts)
		for _, page := range pages {
			if err := stream.Add(ctx, page); err != nil {
				return nil, err
			}
		}
		return stream.Result()
	case StrategyArchive:
		return c.transmitArchive(ctx, workDir, pages, opts)
	case StrategyBundled:
		return c.transmitBundled(ctx, workDir, pages, opts)
	default:
		return nil, fmt.Errorf("unknown upload compression mode %q", c.cfg.Compression)
	}
}

func (c *Coordinator) transmitArchive(ctx context.Context, workDir string, pages []PageFile, opts DocumentOptions) (*Result, error) {
	archivePath := filepath.Join(workDir, "document.zip")
	size, err := BuildArchive(archivePath, pages, c.cfg.ZipCompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive: %w", err)
	}
	c.log.Info("Built archive", "path", archivePath, "pages", len(pages), "bytes", size)

	resp, err := c.api.CreateDocument(ctx, []string{archivePath}, opts)
	if err != nil {
		return nil, fmt.Errorf("archive upload rejected: %w", err)
	}
	return &Result{
		DocID:        resp.DocID,
		Pages:        len(pages),
		Bundles:      1,
		PayloadBytes: size,
	}, nil
}

func (c *Coordinator) transmitBundled(ctx context.Context, workDir string, pages []PageFile, opts DocumentOptions) (*Result, error) {
	prepared := PreparePages(pages, PrepareOptions{
		AutoJPEGThreshold:     c.cfg.AutoJPEGThreshold,
		AutoJPEGPageSizeBytes: c.cfg.AutoJPEGPageSizeBytes,
		MaxImageDimension:     c.cfg.MaxImageDimension,
		Quality:               c.cfg.ImageQuality,
		OptimizePNG:           c.cfg.OptimizePNG,
	}, c.log)

	bundles := PlanBundles(prepared, c.cfg.ZipBundleSize, c.cfg.ZipBundleMaxBytes, c.log)
	result := &Result{}

	for i, bundle := range bundles {
		archivePath := filepath.Join(workDir, fmt.Sprintf("bundle_%03d.zip", i+1))
		size, err := BuildArchive(archivePath, bundle.Pages, c.cfg.ZipCompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to build bundle %d: %w", i+1, err)
		}

		var resp *DocumentResponse
		if result.DocID == "" {
			resp, err = c.api.CreateDocument(ctx, []string{archivePath}, opts)
		} else {
			resp, err = c.api.AppendPages(ctx, result.DocID, []string{archivePath})
		}
		if err != nil {
			if result.DocID != "" {
				// The document created by an earlier bundle stays partially
				// populated; there is no rollback at the API.
				c.log.Error("Bundle upload failed, document left partially populated",
					"doc_id", result.DocID, "bundle", i+1, "of", len(bundles))
			}
			return nil, fmt.Errorf("bundle %d/%d upload rejected: %w", i+1, len(bundles), err)
		}

		if result.DocID == "" {
			result.DocID = resp.DocID
		}
		result.Pages += resp.PagesAdded
		result.Bundles++
		result.PayloadBytes += size
		c.log.Info("Uploaded bundle", "bundle", i+1, "of", len(bundles),
			"pages", len(bundle.Pages), "bytes", size, "doc_id", result.DocID)
	}

	return result, nil
}

// Stream uploads pages one call at a time while a scan is still producing
// them: the first page creates the document, every later page appends to it.
type Stream struct {
	c     *Coordinator
	opts  DocumentOptions
	docID string
	pages int
	bytes int64
}

func (c *Coordinator) NewStream(opts DocumentOptions) *Stream {
	return &Stream{c: c, opts: opts}
}

// Add transmits one page. Any failure is final: the job must not attempt the
// remaining pages.
func (s *Stream) Add(ctx context.Context, page PageFile) error {
	if s.docID == "" {
		resp, err := s.c.api.CreateDocument(ctx, []string{page.Path}, s.opts)
		if err != nil {
			return fmt.Errorf("failed to create document with page %d: %w", page.Number, err)
		}
		s.docID = resp.DocID
		s.c.log.Info("Uploaded page", "page", page.Number, "doc_id", s.docID)
	} else {
		if _, err := s.c.api.AppendPages(ctx, s.docID, []string{page.Path}); err != nil {
			return fmt.Errorf("failed to append page %d: %w", page.Number, err)
		}
		s.c.log.Info("Uploaded page", "page", page.Number, "doc_id", s.docID)
	}
	s.pages++
	s.bytes += page.Size
	return nil
}

// Result finalizes the stream. A stream that uploaded nothing is an error.
func (s *Stream) Result() (*Result, error) {
	if s.pages == 0 {
		return nil, fmt.Errorf("no pages were uploaded")
	}
	return &Result{
		DocID:        s.docID,
		Pages:        s.pages,
		PayloadBytes: s.bytes,
	}, nil
}
