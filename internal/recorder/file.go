// Package recorder persists archive outcomes. The file recorder keeps three
// append-only JSONL logs: the archive log of successes (the durable source of
// the archived index), the failed-download log, and a per-run output log that
// receives every outcome. The failed and run logs are rotated once at drain
// loop start; the archive log is never rotated.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/id/uuid"
)

// Default log file names under the configured directory.
const (
	defaultArchiveLog = "archive.log"
	defaultFailedLog  = "failed-downloads.log"
	defaultRunLog     = "run-output.log"
)

// FileConfig captures the parameters for the file recorder.
type FileConfig struct {
	// Dir is the directory holding all three logs.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// ArchiveLog, FailedLog and RunLog override the default file names.
	ArchiveLog string `mapstructure:"archive_log" yaml:"archive_log"`
	FailedLog  string `mapstructure:"failed_log" yaml:"failed_log"`
	RunLog     string `mapstructure:"run_log" yaml:"run_log"`
}

type indexKey struct {
	name string
	id   string
}

// FileRecorder implements archive.Recorder and archive.ArchivedIndex on top
// of local JSONL logs.
type FileRecorder struct {
	cfg    FileConfig
	clock  archive.Clock
	logger *zap.Logger

	setupOnce sync.Once
	setupErr  error

	mu          sync.Mutex
	archiveFile *os.File
	failedFile  *os.File
	runFile     *os.File
	index       map[indexKey]struct{}
}

// NewFileRecorder constructs a FileRecorder. Setup must run before any
// record call.
func NewFileRecorder(cfg FileConfig, clock archive.Clock, logger *zap.Logger) (*FileRecorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recorder directory is required")
	}
	if cfg.ArchiveLog == "" {
		cfg.ArchiveLog = defaultArchiveLog
	}
	if cfg.FailedLog == "" {
		cfg.FailedLog = defaultFailedLog
	}
	if cfg.RunLog == "" {
		cfg.RunLog = defaultRunLog
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRecorder{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		index:  make(map[indexKey]struct{}),
	}, nil
}

// Setup creates the archive log if absent, loads the archived index from it,
// and rotates the prior run's failed and run-output logs. It is idempotent:
// repeated calls do nothing after the first.
func (r *FileRecorder) Setup(_ context.Context) error {
	r.setupOnce.Do(func() {
		r.setupErr = r.setup()
	})
	return r.setupErr
}

func (r *FileRecorder) setup() error {
	if err := os.MkdirAll(r.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create recorder directory: %w", err)
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	for _, name := range []string{r.cfg.FailedLog, r.cfg.RunLog} {
		if err := r.rotate(name, runID); err != nil {
			return err
		}
	}

	archivePath := filepath.Join(r.cfg.Dir, r.cfg.ArchiveLog)
	archiveFile, err := os.OpenFile(archivePath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open archive log: %w", err)
	}
	if err := r.loadIndex(archivePath); err != nil {
		archiveFile.Close() //nolint:errcheck // already failing
		return err
	}

	failedFile, err := os.OpenFile(filepath.Join(r.cfg.Dir, r.cfg.FailedLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		archiveFile.Close() //nolint:errcheck // already failing
		return fmt.Errorf("open failed log: %w", err)
	}
	runFile, err := os.OpenFile(filepath.Join(r.cfg.Dir, r.cfg.RunLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		archiveFile.Close() //nolint:errcheck // already failing
		failedFile.Close()  //nolint:errcheck // already failing
		return fmt.Errorf("open run log: %w", err)
	}

	r.mu.Lock()
	r.archiveFile = archiveFile
	r.failedFile = failedFile
	r.runFile = runFile
	r.mu.Unlock()

	r.logger.Info("recorder ready",
		zap.String("dir", r.cfg.Dir),
		zap.Int("archived", len(r.index)),
		zap.String("run_id", runID),
	)
	return nil
}

// rotate renames an existing log aside, tagging it with the new run's id.
func (r *FileRecorder) rotate(name, runID string) error {
	path := filepath.Join(r.cfg.Dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", name, err)
	}
	ext := filepath.Ext(name)
	rotated := fmt.Sprintf("%s.%s%s", name[:len(name)-len(ext)], runID, ext)
	if err := os.Rename(path, filepath.Join(r.cfg.Dir, rotated)); err != nil {
		return fmt.Errorf("rotate %s: %w", name, err)
	}
	return nil
}

// loadIndex reads the archive log into the in-memory archived index. Corrupt
// lines are skipped with a warning rather than failing startup.
func (r *FileRecorder) loadIndex(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read archive log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec archive.SuccessRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			r.logger.Warn("skipping corrupt archive log line",
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		r.index[indexKey{name: rec.Name, id: rec.ID}] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan archive log: %w", err)
	}
	return nil
}

// RecordSuccess appends a success record to the archive and run logs and
// adds the area to the archived index.
func (r *FileRecorder) RecordSuccess(_ context.Context, rec archive.SuccessRecord) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archiveFile == nil {
		return fmt.Errorf("recorder is not set up")
	}
	if err := appendJSON(r.archiveFile, rec); err != nil {
		return fmt.Errorf("append archive log: %w", err)
	}
	if err := appendJSON(r.runFile, rec); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	r.index[indexKey{name: rec.Name, id: rec.ID}] = struct{}{}
	return nil
}

// RecordFailure appends a failure record to the failed and run logs.
func (r *FileRecorder) RecordFailure(_ context.Context, rec archive.FailureRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failedFile == nil {
		return fmt.Errorf("recorder is not set up")
	}
	if err := appendJSON(r.failedFile, rec); err != nil {
		return fmt.Errorf("append failed log: %w", err)
	}
	if err := appendJSON(r.runFile, rec); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// IsAreaArchived reports whether the area was durably recorded as archived,
// either in a prior run (loaded at Setup) or during this one.
func (r *FileRecorder) IsAreaArchived(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[indexKey{name: name, id: id}]
	return ok
}

// Close releases the underlying file handles.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{r.archiveFile, r.failedFile, r.runFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.archiveFile, r.failedFile, r.runFile = nil, nil, nil
	return firstErr
}

func (r *FileRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now().UTC()
}

func appendJSON(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
