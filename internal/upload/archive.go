package upload

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// BuildArchive writes the pages into a ZIP archive at archivePath with the
// given deflate level (1-9) and returns the archive's byte size. Page entries
// keep their base filenames so the backend unpacks them in scan order.
func BuildArchive(archivePath string, pages []PageFile, level int) (int64, error) {
	if len(pages) == 0 {
		return 0, fmt.Errorf("cannot build archive with no pages")
	}
	if level < flate.BestSpeed || level > flate.BestCompression {
		level = flate.DefaultCompression
	}

	f, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, page := range pages {
		src, err := os.Open(page.Path)
		if err != nil {
			zw.Close()
			return 0, fmt.Errorf("failed to open page %s: %w", page.Path, err)
		}
		entry, err := zw.Create(filepath.Base(page.Path))
		if err == nil {
			_, err = io.Copy(entry, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			return 0, fmt.Errorf("failed to archive page %s: %w", page.Path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to flush archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Size(), nil
}
