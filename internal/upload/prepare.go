package upload

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// PrepareOptions controls page conversion before archiving.
type PrepareOptions struct {
	// AutoJPEGThreshold force-converts every page to JPEG when the job has
	// at least this many pages. 0 disables the count rule.
	AutoJPEGThreshold int
	// AutoJPEGPageSizeBytes force-converts any single page at or above this
	// size, independent of the count rule. 0 disables the size rule.
	AutoJPEGPageSizeBytes int64
	// MaxImageDimension downscales pages whose largest side exceeds it.
	// 0 leaves dimensions alone.
	MaxImageDimension int
	// Quality is the JPEG quality applied on save.
	Quality int
	// OptimizePNG re-encodes PNG pages that were resized.
	OptimizePNG bool
}

// PreparePages applies the auto-JPEG policy and dimension cap to the page
// list before bundling. Conversion is best-effort per page: a failure keeps
// the original file and logs. The returned list reflects any path and size
// changes.
func PreparePages(pages []PageFile, opts PrepareOptions, log *slog.Logger) []PageFile {
	forceAll := opts.AutoJPEGThreshold > 0 && len(pages) >= opts.AutoJPEGThreshold
	if forceAll {
		log.Info("Job meets auto-JPEG page count threshold, converting all pages",
			"pages", len(pages), "threshold", opts.AutoJPEGThreshold)
	}

	out := make([]PageFile, 0, len(pages))
	for _, page := range pages {
		forcePage := opts.AutoJPEGPageSizeBytes > 0 && page.Size >= opts.AutoJPEGPageSizeBytes
		prepared, err := preparePage(page, forceAll || forcePage, opts, log)
		if err != nil {
			log.Warn("Page preparation failed, keeping original", "page", page.Number, "err", err)
			out = append(out, page)
			continue
		}
		out = append(out, prepared)
	}
	return out
}

func preparePage(page PageFile, forceJPEG bool, opts PrepareOptions, log *slog.Logger) (PageFile, error) {
	ext := strings.ToLower(filepath.Ext(page.Path))
	isJPEG := ext == ".jpg" || ext == ".jpeg"

	data, err := os.ReadFile(page.Path)
	if err != nil {
		return page, fmt.Errorf("failed to read page: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return page, fmt.Errorf("failed to decode page: %w", err)
	}

	resized := false
	if opts.MaxImageDimension > 0 {
		if scaled, ok := downscale(img, opts.MaxImageDimension); ok {
			img = scaled
			resized = true
		}
	}

	switch {
	case forceJPEG && !isJPEG:
		// Convert in place, replacing the original file with a .jpg sibling.
		jpgPath := strings.TrimSuffix(page.Path, filepath.Ext(page.Path)) + ".jpg"
		size, err := encodeJPEG(jpgPath, img, opts.Quality)
		if err != nil {
			return page, err
		}
		if err := os.Remove(page.Path); err != nil {
			log.Warn("Failed to remove pre-conversion page", "path", page.Path, "err", err)
		}
		log.Debug("Converted page to JPEG", "page", page.Number, "path", jpgPath,
			"before", page.Size, "after", size)
		return PageFile{Number: page.Number, Path: jpgPath, Size: size}, nil

	case (forceJPEG || resized) && (isJPEG || format == "jpeg"):
		size, err := encodeJPEG(page.Path, img, opts.Quality)
		if err != nil {
			return page, err
		}
		return PageFile{Number: page.Number, Path: page.Path, Size: size}, nil

	case resized && format == "png":
		var buf bytes.Buffer
		enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
		if opts.OptimizePNG {
			enc.CompressionLevel = png.BestCompression
		}
		if err := enc.Encode(&buf, img); err != nil {
			return page, fmt.Errorf("failed to encode resized page: %w", err)
		}
		if err := os.WriteFile(page.Path, buf.Bytes(), 0644); err != nil {
			return page, fmt.Errorf("failed to write resized page: %w", err)
		}
		return PageFile{Number: page.Number, Path: page.Path, Size: int64(buf.Len())}, nil

	case resized && format == "tiff":
		var buf bytes.Buffer
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return page, fmt.Errorf("failed to encode resized page: %w", err)
		}
		if err := os.WriteFile(page.Path, buf.Bytes(), 0644); err != nil {
			return page, fmt.Errorf("failed to write resized page: %w", err)
		}
		return PageFile{Number: page.Number, Path: page.Path, Size: int64(buf.Len())}, nil

	default:
		// Nothing to do.
		return page, nil
	}
}

// downscale shrinks img so its largest side fits limit, using Catmull-Rom
// resampling to preserve scanned text quality. Returns ok=false when the
// image already fits.
func downscale(img image.Image, limit int) (image.Image, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= limit {
		return img, false
	}

	scale := float64(limit) / float64(longest)
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, true
}

func encodeJPEG(path string, img image.Image, quality int) (int64, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return 0, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return 0, fmt.Errorf("failed to write JPEG: %w", err)
	}
	return int64(buf.Len()), nil
}
