package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsetter/scanflow/internal/pipeline"
)

const summaryPrecision = 10 * time.Millisecond

func newScanCmd() *cobra.Command {
	var (
		source      string
		resolution  int
		mode        string
		format      string
		noSkipBlank bool
		noUpload    bool
		keepFiles   bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan job and upload the result",
		Long: `Scans every page the feeder holds (or a single flatbed page), drops
blank pages, and uploads the rest to the configured document API.`,
		Example: `  # Scan with the configured defaults
  scanflow scan

  # Scan from the flatbed at 600 dpi and keep the files locally
  scanflow scan --source Flatbed --resolution 600 --no-upload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if source != "" {
				cfg.Scanner.Source = source
			}
			if resolution > 0 {
				cfg.Scanner.Resolution = resolution
			}
			if mode != "" {
				cfg.Scanner.Mode = mode
			}
			if format != "" {
				cfg.Scanner.Format = format
			}

			pipe, _, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			opts := pipeline.DefaultOptions(cfg)
			opts.SkipBlank = opts.SkipBlank && !noSkipBlank
			opts.Upload = !noUpload
			opts.KeepFiles = keepFiles

			summary, err := pipe.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}

			fmt.Printf("Scanned %d pages (%d blank) in %s\n", summary.Pages, summary.Skipped, summary.Duration.Round(summaryPrecision))
			if summary.DocID != "" {
				fmt.Printf("Uploaded %d pages as document %s\n", summary.Uploaded, summary.DocID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Scan source (Auto, ADF, Flatbed, or a device name)")
	cmd.Flags().IntVar(&resolution, "resolution", 0, "Scan resolution in dpi")
	cmd.Flags().StringVar(&mode, "mode", "", "Scan mode (Color, Gray, Lineart)")
	cmd.Flags().StringVar(&format, "format", "", "Page image format (png, jpeg, tiff)")
	cmd.Flags().BoolVar(&noSkipBlank, "no-skip-blank", false, "Keep blank pages")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "Scan without uploading, leaving pages on disk")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "Keep the job directory after a successful upload")

	return cmd
}
