package logs

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// LineWriter is an io.Writer that splits its input into lines and appends one
// record per non-empty line. Partial lines are held until the next newline or
// Flush.
type LineWriter struct {
	buf     *Buffer
	process string
	level   string
	prefix  string

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter returns a writer that tags lines with process and level. A
// non-empty prefix is rendered as "prefix | line".
func NewLineWriter(buf *Buffer, process, level, prefix string) *LineWriter {
	if level == "" {
		level = "INFO"
	}
	return &LineWriter{buf: buf, process: process, level: level, prefix: prefix}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

// Flush appends any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

// Close flushes the writer. It never fails.
func (w *LineWriter) Close() error {
	w.Flush()
	return nil
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if w.prefix != "" {
		line = w.prefix + " | " + line
	}
	w.buf.Append(Record{
		Timestamp:   time.Now(),
		Level:       w.level,
		ProcessName: w.process,
		Content:     line,
	})
}
