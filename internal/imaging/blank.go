package imaging

import (
	"image"
	"image/color"
	"log/slog"
	"os"

	// Registered for image.Decode on scanned page formats.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
)

// BlankDetector statistically classifies a page image as blank.
type BlankDetector struct {
	// WhiteThreshold is the per-pixel brightness cutoff (0-255); pixels at
	// or above it count as white.
	WhiteThreshold int
	// BlankThreshold is the maximum fraction of non-white pixels a blank
	// page may contain.
	BlankThreshold float64
	log            *slog.Logger
}

func NewBlankDetector(whiteThreshold int, blankThreshold float64, log *slog.Logger) *BlankDetector {
	return &BlankDetector{
		WhiteThreshold: whiteThreshold,
		BlankThreshold: blankThreshold,
		log:            log,
	}
}

// IsBlank reports whether the page at path is blank: the fraction of pixels
// darker than the white threshold is at or below the blank threshold. An
// unreadable or missing image is never blank, so undecodable content is kept
// rather than silently discarded.
func (d *BlankDetector) IsBlank(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		d.log.Warn("Cannot open page for blank detection, keeping it", "path", path, "err", err)
		return false
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		d.log.Warn("Cannot decode page for blank detection, keeping it", "path", path, "err", err)
		return false
	}

	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return false
	}

	nonWhite := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luminance(img.At(x, y)) < d.WhiteThreshold {
				nonWhite++
			}
		}
	}

	ratio := float64(nonWhite) / float64(total)
	blank := ratio <= d.BlankThreshold
	d.log.Debug("Blank detection", "path", path, "non_white_ratio", ratio, "blank", blank)
	return blank
}

// Remove deletes a page classified as blank. Failures are logged only.
func (d *BlankDetector) Remove(path string) {
	if err := os.Remove(path); err != nil {
		d.log.Error("Failed to remove blank page", "path", path, "err", err)
		return
	}
	d.log.Info("Removed blank page", "path", path)
}

// luminance converts a pixel to 8-bit brightness using ITU-R 601 weights,
// matching the reference grayscale conversion.
func luminance(c color.Color) int {
	r, g, b, _ := c.RGBA()
	return int((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
}
