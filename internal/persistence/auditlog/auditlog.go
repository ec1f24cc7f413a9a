// Package auditlog persists the append-only trails: sanitizer verdicts, claim
// transitions, and the coordination event stream. Files are hourly-rotated
// zstd-compressed JSONL.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/engine"
	"voxelswarm.ai/internal/sim/sanitize"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// SanitizerLogger records one entry per submission, accepted or not.
type SanitizerLogger struct{ w *JSONLZstdWriter }

func NewSanitizerLogger(dataDir string) *SanitizerLogger {
	return &SanitizerLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "sanitizer"), "sanitizer")}
}

func (l *SanitizerLogger) WriteSanitizerAudit(rec sanitize.AuditRecord) error { return l.w.Write(rec) }
func (l *SanitizerLogger) Close() error                                      { return l.w.Close() }

// ClaimLogger records every claim acquire/release/expire/deny.
type ClaimLogger struct{ w *JSONLZstdWriter }

func NewClaimLogger(dataDir string) *ClaimLogger {
	return &ClaimLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "claims"), "claims")}
}

func (l *ClaimLogger) WriteClaimAudit(entry engine.ClaimAuditEntry) error { return l.w.Write(entry) }
func (l *ClaimLogger) Close() error                                       { return l.w.Close() }

// EventLogger records the full coordination event stream. Register it as a bus
// tap before the loop starts.
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(ev bus.Event) error { return l.w.Write(ev) }
func (l *EventLogger) Close() error                  { return l.w.Close() }

// ReadAll decompresses one log file and decodes every line into dst's element
// type via the visit callback. Used by the inspection CLI and tests.
func ReadAll(path string, visit func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := visit(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
