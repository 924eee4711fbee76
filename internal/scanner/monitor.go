package scanner

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Page is one scanned image emitted by a PageSource. Numbers are assigned in
// detection order, 1-based, strictly increasing, and never reused.
type Page struct {
	Number int
	Path   string
	Size   int64
}

// EmitFunc receives each stabilized page. Returning an error stops the source
// immediately; remaining pages are not emitted.
type EmitFunc func(Page) error

// PageSource emits pages from a running acquisition as they complete on
// disk. Implementations stop once done is closed, after one final sweep. The
// polling DirWatcher is the shipped implementation; a filesystem-event based
// one can be swapped in without touching downstream stages.
type PageSource interface {
	Run(done <-chan struct{}, emit EmitFunc) (int, error)
}

// DirWatcher polls a job directory for completed page files while the
// acquisition process writes them.
type DirWatcher struct {
	dir      string
	pattern  *regexp.Regexp
	interval time.Duration
	log      *slog.Logger

	seen     map[string]bool
	lastSize map[string]int64
	next     int
}

// NewDirWatcher watches dir for files matching page_NNN.<ext>.
func NewDirWatcher(dir, ext string, interval time.Duration, log *slog.Logger) *DirWatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DirWatcher{
		dir:      dir,
		pattern:  regexp.MustCompile(`^page_\d+\.` + regexp.QuoteMeta(ext) + `$`),
		interval: interval,
		log:      log,
		seen:     make(map[string]bool),
		lastSize: make(map[string]int64),
		next:     1,
	}
}

// Run polls until done is closed, then performs one final sweep to catch
// pages written in the window between process exit and shutdown. During
// polling a file is emitted only once its size is stable across two
// consecutive intervals, guarding against partially-flushed files. Returns
// the number of pages emitted.
func (w *DirWatcher) Run(done <-chan struct{}, emit EmitFunc) (int, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// The process is gone; anything on disk is complete.
			if err := w.sweep(emit, true); err != nil {
				return w.next - 1, err
			}
			return w.next - 1, nil
		case <-ticker.C:
			if err := w.sweep(emit, false); err != nil {
				return w.next - 1, err
			}
		}
	}
}

func (w *DirWatcher) sweep(emit EmitFunc, final bool) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		// The directory can briefly not exist or be unreadable; the next
		// tick retries. On the final sweep there is no next tick.
		if final {
			w.log.Warn("Final directory sweep failed", "dir", w.dir, "err", err)
		}
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && w.pattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.dir, name)
		if w.seen[path] {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		size := info.Size()

		if !final {
			prev, tracked := w.lastSize[path]
			if !tracked || prev != size {
				// Not yet stable across two polls.
				w.lastSize[path] = size
				continue
			}
		}

		w.seen[path] = true
		delete(w.lastSize, path)
		page := Page{Number: w.next, Path: path, Size: size}
		w.next++
		w.log.Debug("Page ready", "page", page.Number, "path", path, "bytes", size)
		if err := emit(page); err != nil {
			return err
		}
	}
	return nil
}
