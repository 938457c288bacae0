package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger writes leveled lines, either "LEVEL\tmsg key=value" or one JSON
// object per line. Loggers derived with With share the writer and its lock.
type Logger struct {
	min    Level
	json   bool
	out    io.Writer
	mu     *sync.Mutex
	fields map[string]any
}

func New(level string, jsonOut bool) *Logger {
	out := io.Writer(os.Stderr)
	if jsonOut {
		out = os.Stdout
	}
	return NewWriter(out, level, jsonOut)
}

// NewWriter logs to w instead of the standard streams.
func NewWriter(w io.Writer, level string, jsonOut bool) *Logger {
	return &Logger{min: ParseLevel(level), json: jsonOut, out: w, mu: &sync.Mutex{}}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger { return NewWriter(io.Discard, "error", false) }

// With returns a child logger that adds key=value to every line.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{min: l.min, json: l.json, out: l.out, mu: l.mu, fields: fields}
}

func (l *Logger) Enabled(v Level) bool { return l != nil && v >= l.min }

func (l *Logger) Debugf(format string, a ...any) { l.log(Debug, format, a...) }
func (l *Logger) Infof(format string, a ...any)  { l.log(Info, format, a...) }
func (l *Logger) Warnf(format string, a ...any)  { l.log(Warn, format, a...) }
func (l *Logger) Errorf(format string, a ...any) { l.log(Error, format, a...) }

func (l *Logger) log(level Level, format string, a ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, a...)
	lvl := levelString(level)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		payload := map[string]any{
			"ts":    time.Now().Format(time.RFC3339Nano),
			"level": lvl,
			"msg":   msg,
		}
		for k, v := range l.fields {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}
		_ = json.NewEncoder(l.out).Encode(payload)
		return
	}
	if len(l.fields) == 0 {
		fmt.Fprintf(l.out, "%s\t%s\n", strings.ToUpper(lvl), msg)
		return
	}
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
	}
	fmt.Fprintf(l.out, "%s\t%s%s\n", strings.ToUpper(lvl), msg, sb.String())
}

func levelString(l Level) string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}
