package search

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// TraceSink records one entry per processed query. Sinks must tolerate
// concurrent writers from multiple processes; a trace failure never fails
// the retrieval that produced it.
type TraceSink interface {
	// Log appends one trace entry.
	Log(entry map[string]any) error

	// Close releases resources.
	Close() error
}

// NopTrace discards every entry. Used when tracing is disabled.
type NopTrace struct{}

// Log discards the entry.
func (NopTrace) Log(entry map[string]any) error { return nil }

// Close is a no-op.
func (NopTrace) Close() error { return nil }

// JSONLTrace appends entries as JSON lines to a file. An advisory file lock
// guards each append so traces from concurrent sessions interleave at line
// granularity instead of corrupting each other.
type JSONLTrace struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewJSONLTrace creates a trace writer for the given path. The file is
// created on first write.
func NewJSONLTrace(path string) *JSONLTrace {
	return &JSONLTrace{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Log appends one entry, stamping it with the current time.
func (t *JSONLTrace) Log(entry map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := entry["timestamp"]; !ok {
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeTraceWrite, err).
			WithDetail("path", t.path)
	}

	if err := t.lock.Lock(); err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeTraceWrite, err).
			WithDetail("path", t.path)
	}
	defer func() { _ = t.lock.Unlock() }()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeTraceWrite, err).
			WithDetail("path", t.path)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeTraceWrite, err).
			WithDetail("path", t.path)
	}
	return nil
}

// Close releases the lock file handle.
func (t *JSONLTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock.Close()
}

// Verify interface implementations.
var (
	_ TraceSink = NopTrace{}
	_ TraceSink = (*JSONLTrace)(nil)
)
