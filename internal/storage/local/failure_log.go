package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// FailureLog appends one JSON object per line for every recorded outcome.
type FailureLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenFailureLog opens (creating if needed) the log at path for appending.
func OpenFailureLog(path string) (*FailureLog, error) {
	if path == "" {
		return nil, fmt.Errorf("failure log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create failure log directory: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	return &FailureLog{file: f, path: path}, nil
}

// Record appends rec as a single line. Lines from concurrent callers never interleave.
func (l *FailureLog) Record(_ context.Context, rec crawler.OutcomeRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("failure log closed")
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append failure record: %w", err)
	}
	return nil
}

// Path returns the log location.
func (l *FailureLog) Path() string {
	return l.path
}

// Close flushes and closes the log.
func (l *FailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close failure log: %w", err)
	}
	return nil
}
