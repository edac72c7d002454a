// Package tracelog records pipeline operations (claim/start/complete/
// fail) to rotating files on disk, independent of the structured
// slog output the scheduler already emits. It exists for after-the-
// fact forensics on a specific pipeline run without grepping the
// whole process log.
package tracelog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls where trace files live and how long they are kept.
type Config struct {
	Directory         string
	RetentionDuration time.Duration
	MaxTraceFiles     int
}

const (
	defaultRetentionDuration = 7 * 24 * time.Hour
	defaultMaxTraceFiles     = 10
)

// Tracer owns the trace directory and hands out one file-backed Run
// per pipeline it is asked to trace.
type Tracer struct {
	config  Config
	counter int64
}

func NewTracer(config ...Config) *Tracer {
	defaultDir := filepath.Join(os.TempDir(), "reelforge-traces")

	cfg := Config{
		Directory:         defaultDir,
		RetentionDuration: defaultRetentionDuration,
		MaxTraceFiles:     defaultMaxTraceFiles,
	}
	if len(config) > 0 {
		if config[0].Directory != "" {
			cfg.Directory = config[0].Directory
		}
		if config[0].RetentionDuration > 0 {
			cfg.RetentionDuration = config[0].RetentionDuration
		}
		if config[0].MaxTraceFiles > 0 {
			cfg.MaxTraceFiles = config[0].MaxTraceFiles
		}
	}

	os.MkdirAll(cfg.Directory, 0755)

	return &Tracer{config: cfg}
}

// Run returns a file-backed trace for one pipeline. Callers typically
// create one Run per pipeline_id and reuse it across claim/start/
// complete/fail events for that pipeline.
func (tr *Tracer) Run(pipelineID string) *Run {
	timestamp := time.Now().Format("20060102150405")
	counter := atomic.AddInt64(&tr.counter, 1)
	path := filepath.Join(tr.config.Directory, fmt.Sprintf("pipeline-%s-%s.%03d.log", pipelineID, timestamp, counter))

	tr.cleanup()

	var w writer
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open trace file, discarding", "path", path, "error", err)
		w = discardWriter{}
	} else {
		w = f
	}

	return &Run{pipelineID: pipelineID, path: path, file: w, startTime: time.Now()}
}

// cleanup removes trace files that fail either retention rule: older
// than RetentionDuration, or beyond the MaxTraceFiles most recent. A
// file need only violate one rule to go.
func (tr *Tracer) cleanup() {
	entries, err := os.ReadDir(tr.config.Directory)
	if err != nil {
		slog.Error("failed to read trace directory", "error", err)
		return
	}

	paths, modTimes := traceFilesIn(tr.config.Directory, entries)
	sort.Sort(byModTimeDesc{paths, modTimes}) // most recent first

	cutoff := time.Now().Add(-tr.config.RetentionDuration)
	for i, path := range paths {
		tooOld := tr.config.RetentionDuration > 0 && modTimes[i].Before(cutoff)
		tooMany := tr.config.MaxTraceFiles > 0 && i >= tr.config.MaxTraceFiles
		if tooOld || tooMany {
			os.Remove(path)
		}
	}
}

func traceFilesIn(dir string, entries []os.DirEntry) (paths []string, modTimes []time.Time) {
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "pipeline-") || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
		modTimes = append(modTimes, info.ModTime())
	}
	return paths, modTimes
}

type byModTimeDesc struct {
	paths    []string
	modTimes []time.Time
}

func (b byModTimeDesc) Len() int      { return len(b.paths) }
func (b byModTimeDesc) Swap(i, j int) {
	b.paths[i], b.paths[j] = b.paths[j], b.paths[i]
	b.modTimes[i], b.modTimes[j] = b.modTimes[j], b.modTimes[i]
}
func (b byModTimeDesc) Less(i, j int) bool { return b.modTimes[i].After(b.modTimes[j]) }

type writer interface {
	Write(p []byte) (int, error)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Run is a single pipeline's trace file.
type Run struct {
	mu         sync.Mutex
	pipelineID string
	path       string
	file       writer
	startTime  time.Time
}

// Path returns the file this Run is writing to, for callers that want
// to surface it (e.g. a CLI printing "trace written to ...").
func (r *Run) Path() string { return r.path }

// Event appends one timestamped line. op is the operation name
// (claim_stage, start_stage, complete_stage, fail_stage); fields are
// logged as "key=value" pairs in order.
func (r *Run) Event(op string, fields ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.startTime)
	line := fmt.Sprintf("[%s +%s] %s", time.Now().Format(time.RFC3339), elapsed.Round(time.Millisecond), op)
	for i := 0; i+1 < len(fields); i += 2 {
		line += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	line += "\n"

	if _, err := r.file.Write([]byte(line)); err != nil {
		slog.Error("failed to write trace line", "path", r.path, "error", err)
	}
}

// Close releases the underlying file handle, if any.
func (r *Run) Close() error {
	if closer, ok := r.file.(*os.File); ok {
		return closer.Close()
	}
	return nil
}
