package scanner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePage(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDirWatcherEmitsEachPageExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, "png", 10*time.Millisecond, testLogger())

	done := make(chan struct{})
	var mu sync.Mutex
	var got []Page

	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		n, err := w.Run(done, func(p Page) error {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
			return nil
		})
		resultCh <- n
		errCh <- err
	}()

	// Stagger page arrival the way scanimage writes a batch.
	for i := 1; i <= 5; i++ {
		writePage(t, dir, pageName(i, "png"), 100*i)
		time.Sleep(35 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(done)

	n := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n != 5 {
		t.Fatalf("Expected 5 pages emitted, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("Expected 5 emit calls, got %d", len(got))
	}
	seen := make(map[string]bool)
	for i, p := range got {
		if p.Number != i+1 {
			t.Errorf("Page %d has number %d, expected strictly increasing from 1", i, p.Number)
		}
		if seen[p.Path] {
			t.Errorf("Page %s emitted twice", p.Path)
		}
		seen[p.Path] = true
	}
}

func TestDirWatcherWaitsForStableSize(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, "png", time.Minute, testLogger())

	path := writePage(t, dir, "page_001.png", 100)

	// First sweep observes the file, second confirms stability.
	if err := w.sweep(func(Page) error {
		t.Error("Page emitted before size was stable")
		return nil
	}, false); err != nil {
		t.Fatal(err)
	}

	// Grow the file: still flushing.
	if err := os.WriteFile(path, make([]byte, 200), 0644); err != nil {
		t.Fatal(err)
	}
	if err := w.sweep(func(Page) error {
		t.Error("Page emitted while still growing")
		return nil
	}, false); err != nil {
		t.Fatal(err)
	}

	var emitted []Page
	if err := w.sweep(func(p Page) error {
		emitted = append(emitted, p)
		return nil
	}, false); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 page after size stabilized, got %d", len(emitted))
	}
	if emitted[0].Size != 200 {
		t.Errorf("Expected final size 200, got %d", emitted[0].Size)
	}
}

func TestDirWatcherFinalSweepCatchesLateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, "png", time.Hour, testLogger())

	// File appears only after the process is done; with a huge poll interval,
	// only the final sweep can pick it up.
	writePage(t, dir, "page_001.png", 100)

	done := make(chan struct{})
	close(done)

	var got []Page
	n, err := w.Run(done, func(p Page) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n != 1 || len(got) != 1 {
		t.Fatalf("Expected final sweep to emit 1 page, got %d", n)
	}
	if got[0].Number != 1 {
		t.Errorf("Expected page number 1, got %d", got[0].Number)
	}
}

func TestDirWatcherIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, "png", time.Hour, testLogger())

	writePage(t, dir, "page_001.png", 100)
	writePage(t, dir, "notes.txt", 50)
	writePage(t, dir, "page_002.jpg", 80) // wrong extension
	writePage(t, dir, "cover.png", 60)    // wrong prefix

	done := make(chan struct{})
	close(done)

	n, err := w.Run(done, func(Page) error { return nil })
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected only the matching page to be emitted, got %d", n)
	}
}

func TestDirWatcherStopsOnEmitError(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, "png", time.Hour, testLogger())

	writePage(t, dir, "page_001.png", 100)
	writePage(t, dir, "page_002.png", 100)
	writePage(t, dir, "page_003.png", 100)

	done := make(chan struct{})
	close(done)

	wantErr := errors.New("append rejected")
	calls := 0
	n, err := w.Run(done, func(p Page) error {
		calls++
		if p.Number == 2 {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected emit error to propagate, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected no pages attempted after the failure, got %d calls", calls)
	}
	if n != 2 {
		t.Errorf("Expected 2 pages counted, got %d", n)
	}
}

func pageName(n int, ext string) string {
	return fmt.Sprintf("page_%03d.%s", n, ext)
}
