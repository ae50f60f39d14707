package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

type Logger struct {
	w    io.Writer
	min  Level
	base map[string]any
	mu   sync.Mutex
}

// NewJSONLogger writes one JSON object per line. base fields are repeated on
// every record (e.g. run name, rank).
func NewJSONLogger(w io.Writer, min Level, base map[string]any) *Logger {
	return &Logger{w: w, min: min, base: base}
}

func (l *Logger) Debug(fields map[string]any) { l.write(LevelDebug, fields) }
func (l *Logger) Info(fields map[string]any)  { l.write(LevelInfo, fields) }
func (l *Logger) Warn(fields map[string]any)  { l.write(LevelWarn, fields) }
func (l *Logger) Error(fields map[string]any) { l.write(LevelError, fields) }

func (l *Logger) write(level Level, fields map[string]any) {
	if level < l.min {
		return
	}
	rec := make(map[string]any, len(l.base)+len(fields)+2)
	for k, v := range l.base {
		rec[k] = v
	}
	for k, v := range fields {
		rec[k] = v
	}
	rec["level"] = levelNames[level]
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, err := json.Marshal(rec)
	if err != nil {
		// Last resort: drop structured fields.
		b = []byte(`{"level":"error","ts":"` + time.Now().UTC().Format(time.RFC3339Nano) + `","msg":"failed to marshal log"}`)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(b, '\n'))
}
