package job

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/docsetter/scanflow/internal/config"
)

// Prefixes distinguish who started a job. CLI jobs use the bare timestamp,
// server-triggered jobs carry the scan- prefix.
const (
	PrefixNone   = ""
	PrefixServer = "scan-"
)

const dirTimeLayout = "2006-01-02-150405"

// jobDirPattern matches only directories this manager created, so retention
// sweeps can never touch foreign files that happen to live in the work areas.
var jobDirPattern = regexp.MustCompile(`^(scan-)?\d{4}-\d{2}-\d{2}-\d{6}$`)

// Manager owns job working directories: creation, the success and failure
// paths at job end, and retention sweeps over both work areas.
type Manager struct {
	cfg config.StorageConfig
	log *slog.Logger
	now func() time.Time
}

func NewManager(cfg config.StorageConfig, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, now: time.Now}
}

// CreateJobDir makes a fresh timestamped working directory under the temp
// area and returns its path.
func (m *Manager) CreateJobDir(prefix string) (string, error) {
	name := prefix + m.now().Format(dirTimeLayout)
	dir := filepath.Join(m.cfg.TempDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory %s: %w", dir, err)
	}
	return dir, nil
}

// Finish closes out a job directory. A successful job's directory is
// removed. A failed job's directory moves to the failed area with an
// error.txt describing what went wrong, unless keep_failed is off, in which
// case it is removed too.
func (m *Manager) Finish(jobDir string, jobErr error) error {
	if jobErr == nil || !m.cfg.KeepFailed {
		if err := os.RemoveAll(jobDir); err != nil {
			return fmt.Errorf("failed to remove job directory %s: %w", jobDir, err)
		}
		return nil
	}

	if err := os.MkdirAll(m.cfg.FailedDir, 0755); err != nil {
		return fmt.Errorf("failed to create failed area: %w", err)
	}

	dest := filepath.Join(m.cfg.FailedDir, filepath.Base(jobDir))
	if err := os.Rename(jobDir, dest); err != nil {
		return fmt.Errorf("failed to move job directory to failed area: %w", err)
	}

	note := fmt.Sprintf("Error: %s\nTimestamp: %s\n", jobErr.Error(), m.now().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dest, "error.txt"), []byte(note), 0644); err != nil {
		m.log.Warn("Failed to write error note", "dir", dest, "err", err)
	}

	m.log.Info("Preserved failed job", "dir", dest)
	return nil
}

// Cleanup sweeps both work areas, removing expired job directories.
func (m *Manager) Cleanup() {
	m.sweep(m.cfg.TempDir, m.cfg.TempRetention())
	m.sweep(m.cfg.FailedDir, m.cfg.FailedRetention())
}

func (m *Manager) sweep(dir string, retention time.Duration) {
	if retention <= 0 {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("Failed to read work area", "dir", dir, "err", err)
		}
		return
	}

	cutoff := m.now().Add(-retention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		created, ok := parseJobDirName(entry.Name())
		if !ok {
			continue
		}
		if created.After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("Failed to remove expired job directory", "dir", path, "err", err)
			continue
		}
		m.log.Info("Removed expired job directory", "dir", path)
	}
}

// parseJobDirName reports whether name is one of this manager's job
// directories, and if so when it was created.
func parseJobDirName(name string) (time.Time, bool) {
	match := jobDirPattern.FindStringSubmatch(name)
	if match == nil {
		return time.Time{}, false
	}
	stamp := name[len(match[1]):]
	created, err := time.ParseInLocation(dirTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return created, true
}
