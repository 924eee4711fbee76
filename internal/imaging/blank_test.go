package imaging

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

// pageWithDarkPixels builds a 10x10 white page with n black pixels, giving an
// exact non-white fraction of n/100.
func pageWithDarkPixels(t *testing.T, dir string, n int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	for i := 0; i < n; i++ {
		img.SetNRGBA(i%10, i/10, color.NRGBA{A: 255})
	}
	path := filepath.Join(dir, "page_001.png")
	writeTestPNG(t, path, img)
	return path
}

func TestIsBlankThresholdBoundary(t *testing.T) {
	tests := []struct {
		name       string
		darkPixels int
		threshold  float64
		blank      bool
	}{
		{"all white is blank", 0, 0.03, true},
		{"fraction below cutoff is blank", 2, 0.03, true},
		{"fraction at cutoff is blank", 3, 0.03, true},
		{"fraction above cutoff is content", 4, 0.03, false},
		{"zero threshold keeps any mark", 1, 0.0, false},
		{"zero threshold still drops pure white", 0, 0.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := pageWithDarkPixels(t, t.TempDir(), tt.darkPixels)
			d := NewBlankDetector(250, tt.threshold, testLogger())
			if got := d.IsBlank(path); got != tt.blank {
				t.Errorf("IsBlank with %d/100 dark pixels and threshold %v = %v, expected %v",
					tt.darkPixels, tt.threshold, got, tt.blank)
			}
		})
	}
}

func TestIsBlankWhiteThreshold(t *testing.T) {
	// A uniform light-gray page: brightness 245 everywhere.
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 245, G: 245, B: 245, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "page_001.png")
	writeTestPNG(t, path, img)

	// With the cutoff above 245, every pixel counts as non-white.
	strict := NewBlankDetector(250, 0.03, testLogger())
	if strict.IsBlank(path) {
		t.Error("Gray page classified blank under strict white threshold")
	}

	// With the cutoff at 245, the same page is all white.
	lenient := NewBlankDetector(245, 0.03, testLogger())
	if !lenient.IsBlank(path) {
		t.Error("Gray page not blank under lenient white threshold")
	}
}

func TestIsBlankUnreadableImageIsKept(t *testing.T) {
	dir := t.TempDir()
	d := NewBlankDetector(250, 0.03, testLogger())

	t.Run("missing file", func(t *testing.T) {
		if d.IsBlank(filepath.Join(dir, "missing.png")) {
			t.Error("Missing file classified blank; undecodable content must be kept")
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.png")
		if err := os.WriteFile(path, []byte("not an image"), 0644); err != nil {
			t.Fatal(err)
		}
		if d.IsBlank(path) {
			t.Error("Corrupt file classified blank; undecodable content must be kept")
		}
	})
}

func TestRemoveDeletesPage(t *testing.T) {
	path := pageWithDarkPixels(t, t.TempDir(), 0)
	d := NewBlankDetector(250, 0.03, testLogger())

	d.Remove(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected blank page to be deleted from disk")
	}
}
