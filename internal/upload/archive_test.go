package upload

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writePageFiles(t *testing.T, dir string, contents ...string) []PageFile {
	t.Helper()
	pages := make([]PageFile, len(contents))
	for i, body := range contents {
		path := filepath.Join(dir, fmt.Sprintf("page_%03d.png", i+1))
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("failed to write page file: %v", err)
		}
		pages[i] = PageFile{Number: i + 1, Path: path, Size: int64(len(body))}
	}
	return pages
}

func TestBuildArchive(t *testing.T) {
	dir := t.TempDir()
	pages := writePageFiles(t, dir, "first page", "second page", "third page")

	archivePath := filepath.Join(dir, "document.zip")
	size, err := BuildArchive(archivePath, pages, 6)
	if err != nil {
		t.Fatalf("BuildArchive failed: %v", err)
	}
	if size <= 0 {
		t.Fatalf("archive size = %d, want > 0", size)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("archive not written: %v", err)
	}
	if info.Size() != size {
		t.Errorf("reported size %d does not match file size %d", size, info.Size())
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer zr.Close()

	if len(zr.File) != 3 {
		t.Fatalf("archive has %d entries, want 3", len(zr.File))
	}
	want := map[string]string{
		"page_001.png": "first page",
		"page_002.png": "second page",
		"page_003.png": "third page",
	}
	for _, entry := range zr.File {
		body, ok := want[entry.Name]
		if !ok {
			t.Errorf("unexpected archive entry %q", entry.Name)
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			t.Fatalf("failed to open entry %q: %v", entry.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("failed to read entry %q: %v", entry.Name, err)
		}
		if !bytes.Equal(got, []byte(body)) {
			t.Errorf("entry %q = %q, want %q", entry.Name, got, body)
		}
	}
}

func TestBuildArchiveNoPages(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "empty.zip")
	if _, err := BuildArchive(archivePath, nil, 6); err == nil {
		t.Fatal("expected error for empty page list")
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("empty archive should not be written")
	}
}

func TestBuildArchiveMissingPage(t *testing.T) {
	dir := t.TempDir()
	pages := []PageFile{{Number: 1, Path: filepath.Join(dir, "missing.png")}}
	if _, err := BuildArchive(filepath.Join(dir, "doc.zip"), pages, 6); err == nil {
		t.Fatal("expected error for missing page file")
	}
}

func TestBuildArchiveOutOfRangeLevel(t *testing.T) {
	dir := t.TempDir()
	pages := writePageFiles(t, dir, "some page content to compress")

	if _, err := BuildArchive(filepath.Join(dir, "doc.zip"), pages, 42); err != nil {
		t.Fatalf("out-of-range level should fall back to default: %v", err)
	}
}
