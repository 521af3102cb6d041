// Package store persists optimization traces as JSON lines, one directory
// per run, so convergence can be plotted outside the process.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/smbo/internal/optimization"
)

const traceFile = "trace.jsonl"

// TraceEntry is one line of trace.jsonl, written after every successful
// objective evaluation.
type TraceEntry struct {
	RunID     string              `json:"run_id"`
	Iteration int                 `json:"iteration"`
	Phase     optimization.State  `json:"phase"`
	Params    optimization.Params `json:"params"`
	Value     float64             `json:"value"`
	BestValue float64             `json:"best_value"`
	Timestamp time.Time           `json:"timestamp"`
}

// NotFoundError is returned when a run has no trace on disk.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("trace for run %q not found", e.RunID)
}

// RunDir returns the directory holding a run's files.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", runID)
}

// TracePath returns the trace file of a run.
func TracePath(baseDir, runID string) string {
	return filepath.Join(RunDir(baseDir, runID), traceFile)
}

// TraceWriter appends trace entries to a run's JSONL file. It is safe for
// concurrent use and implements optimization.ProgressSink.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	runID  string
	logger *zap.Logger
	err    error
	now    func() time.Time
}

// TraceOption configures a TraceWriter.
type TraceOption func(*TraceWriter)

// WithTraceLogger reports write failures seen by OnProgress.
func WithTraceLogger(logger *zap.Logger) TraceOption {
	return func(tw *TraceWriter) {
		if logger != nil {
			tw.logger = logger.Named("trace")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) TraceOption {
	return func(tw *TraceWriter) { tw.now = now }
}

// NewTraceWriter creates <baseDir>/runs/<runID>/trace.jsonl. With appendMode
// the existing file is extended instead of truncated.
func NewTraceWriter(baseDir, runID string, appendMode bool, opts ...TraceOption) (*TraceWriter, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id must not be empty")
	}
	dir := RunDir(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := filepath.Join(dir, traceFile)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	tw := &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
		runID:  runID,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tw)
	}
	return tw, nil
}

// Write buffers one entry. It is flushed on Flush or Close.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// OnProgress records an update. Progress sinks cannot fail the run, so the
// first error is kept for Err and logged.
func (tw *TraceWriter) OnProgress(update optimization.ProgressUpdate) {
	runID := update.RunID
	if runID == "" {
		runID = tw.runID
	}
	err := tw.Write(TraceEntry{
		RunID:     runID,
		Iteration: update.Iteration,
		Phase:     update.Phase,
		Params:    update.Params,
		Value:     update.Value,
		BestValue: update.BestValue,
		Timestamp: tw.now().UTC(),
	})
	if err != nil {
		tw.mu.Lock()
		if tw.err == nil {
			tw.err = err
		}
		tw.mu.Unlock()
		tw.logger.Warn("dropping trace entry", zap.String("run_id", runID), zap.Int("iteration", update.Iteration), zap.Error(err))
	}
}

// Err returns the first error seen by OnProgress.
func (tw *TraceWriter) Err() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.err
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file location.
func (tw *TraceWriter) Path() string {
	return tw.path
}

var _ optimization.ProgressSink = (*TraceWriter)(nil)

// TraceReader reads a run's trace entries in order.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of runID. A missing trace yields a
// *NotFoundError.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	file, err := os.Open(TracePath(baseDir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	for tr.scanner.Scan() {
		line := tr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry TraceEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
		}
		return &entry, nil
	}
	if err := tr.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan trace line: %w", err)
	}
	return nil, io.EOF
}

// ReadAll returns every remaining entry.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the underlying file.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// LoadTrace reads a whole trace.
func LoadTrace(baseDir, runID string) ([]TraceEntry, error) {
	tr, err := NewTraceReader(baseDir, runID)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}

// Convergence returns the best-so-far value after each entry.
func Convergence(entries []TraceEntry) []float64 {
	obs := make([]optimization.Observation, len(entries))
	for i, e := range entries {
		obs[i] = optimization.Observation{Value: e.Value}
	}
	return (&optimization.OptimizationResult{Trace: obs}).Convergence()
}

// ListRuns returns the ids of runs that have a trace, sorted.
func ListRuns(baseDir string) ([]string, error) {
	dirs, err := os.ReadDir(filepath.Join(baseDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(TracePath(baseDir, d.Name())); err == nil {
			ids = append(ids, d.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteTrace removes a run's trace. A missing trace is not an error.
func DeleteTrace(baseDir, runID string) error {
	err := os.Remove(TracePath(baseDir, runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
