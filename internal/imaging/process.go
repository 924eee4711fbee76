package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// Options controls per-page post-processing.
type Options struct {
	// ColorCorrection names a channel permutation, or "none".
	ColorCorrection string
	// Mirror flips the page horizontally, for a single-sided lane mounted
	// backward relative to its duplex counterpart.
	Mirror bool
	// Quality is the JPEG quality used when re-encoding (1-100, 0 = skip
	// lossy optimization).
	Quality int
	// OptimizePNG re-encodes PNG pages with best compression.
	OptimizePNG bool
}

// permutations maps correction mode names to (r,g,b) -> (r',g',b') channel
// orders. bgr_to_rgb is the historical alias for swap_rb.
var permutations = map[string][3]int{
	"swap_rb":      {2, 1, 0},
	"swap_rg":      {1, 0, 2},
	"swap_gb":      {0, 2, 1},
	"rotate_left":  {1, 2, 0},
	"rotate_right": {2, 0, 1},
	"bgr_to_rgb":   {2, 1, 0},
}

// Process applies color correction, mirroring and re-encoding to the page at
// path, overwriting it in place. All steps are best-effort: any failure is
// logged and the original file is left untouched rather than failing the job.
func Process(path string, opts Options, log *slog.Logger) {
	if err := process(path, opts, log); err != nil {
		log.Warn("Page post-processing skipped", "path", path, "err", err)
	}
}

func process(path string, opts Options, log *slog.Logger) error {
	correction := opts.ColorCorrection
	if correction != "" && correction != "none" {
		if _, ok := permutations[correction]; !ok {
			log.Warn("Unknown color correction mode, treating as none", "mode", correction)
			correction = "none"
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	optimize := (ext == ".png" && opts.OptimizePNG) ||
		((ext == ".jpg" || ext == ".jpeg") && opts.Quality > 0) ||
		(ext == ".tiff" || ext == ".tif")
	wantsTransform := opts.Mirror || (correction != "" && correction != "none")
	if !wantsTransform && !optimize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read page: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode page: %w", err)
	}

	applied := false
	if opts.Mirror {
		img = flipHorizontal(img)
		applied = true
	}
	if correction != "" && correction != "none" {
		if isGrayscale(img) {
			log.Debug("Skipping color correction on grayscale page", "path", path)
		} else {
			img = permuteChannels(img, permutations[correction])
			applied = true
		}
	}

	if !applied && !optimize {
		return nil
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		q := opts.Quality
		if q <= 0 {
			q = 90
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case "png":
		enc := &png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported page format %q", format)
	}
	if err != nil {
		return fmt.Errorf("failed to re-encode page: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}
	log.Debug("Post-processed page", "path", path,
		"correction", correction, "mirror", opts.Mirror, "bytes", buf.Len())
	return nil
}

// isGrayscale reports whether the decoded image has no color channels to
// permute.
func isGrayscale(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	return false
}

func flipHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

func permuteChannels(img image.Image, perm [3]int) image.Image {
	b := img.Bounds()
	src := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)

	out := image.NewNRGBA(src.Bounds())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := src.PixOffset(x, y)
			ch := [3]uint8{src.Pix[i], src.Pix[i+1], src.Pix[i+2]}
			o := out.PixOffset(x, y)
			out.Pix[o] = ch[perm[0]]
			out.Pix[o+1] = ch[perm[1]]
			out.Pix[o+2] = ch[perm[2]]
			out.Pix[o+3] = src.Pix[i+3]
		}
	}
	return out
}
