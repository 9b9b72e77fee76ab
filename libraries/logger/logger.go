package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// Logger writes one line per call: timestamp, padded category, message.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	file     *os.File
	minLevel Level
	width    int
	filter   map[string]bool
	now      func() time.Time
}

var std = New(os.Stdout)

func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{out: w, minLevel: LevelInfo, now: time.Now}
}

// Default returns the process-wide logger used by the package functions.
func Default() *Logger { return std }

// RegisterCategories sets the padding width to fit the longest category.
func (l *Logger) RegisterCategories(categories ...string) {
	width := 0
	for _, c := range categories {
		if len(c) > width {
			width = len(c)
		}
	}
	l.mu.Lock()
	l.width = width + 1
	l.mu.Unlock()
}

func (l *Logger) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// SetLogFile tees output to path in addition to stdout.
func (l *Logger) SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.out = io.MultiWriter(os.Stdout, f)
	return nil
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	l.file.Sync()
	l.file.Close()
	l.file = nil
	l.out = os.Stdout
}

func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetCategoryFilter restricts output to the listed categories. An empty list
// disables filtering. Listed categories bypass the minimum level; error and
// warning are never filtered out.
func (l *Logger) SetCategoryFilter(categories []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(categories) == 0 {
		l.filter = nil
		return
	}
	l.filter = make(map[string]bool, len(categories))
	for _, c := range categories {
		l.filter[c] = true
	}
}

func (l *Logger) Enabled(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabledLocked(category)
}

func (l *Logger) enabledLocked(category string) bool {
	if l.filter[category] {
		return true
	}
	if categoryLevel(category) < l.minLevel {
		return false
	}
	if category == "error" || category == "warning" {
		return true
	}
	return l.filter == nil
}

func (l *Logger) Printf(category string, format string, v ...any) {
	l.emit(category, func(buf *bytes.Buffer) { fmt.Fprintf(buf, format, v...) })
}

func (l *Logger) Println(category string, v ...any) {
	l.emit(category, func(buf *bytes.Buffer) { fmt.Fprintln(buf, v...) })
}

func (l *Logger) Error(format string, v ...any)   { l.Printf("error", format, v...) }
func (l *Logger) Warning(format string, v ...any) { l.Printf("warning", format, v...) }

func (l *Logger) Fatal(format string, v ...any) {
	l.Printf("error", format, v...)
	l.Close()
	os.Exit(1)
}

func (l *Logger) emit(category string, body func(*bytes.Buffer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabledLocked(category) {
		return
	}
	if !validCategory(category) {
		category = "invalid_category"
	}

	buf := acquireBuffer()
	defer releaseBuffer(buf)

	buf.WriteString(l.now().Format(timestampLayout))
	buf.WriteByte(' ')
	buf.WriteString(category)
	for i := len(category); i < l.width; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteByte(' ')
	body(buf)
	if b := buf.Bytes(); len(b) == 0 || b[len(b)-1] != '\n' {
		buf.WriteByte('\n')
	}
	l.out.Write(buf.Bytes())
}

// Writer adapts the logger to io.Writer; each written line becomes one entry
// under category. Useful for log.Logger consumers such as http.Server.ErrorLog.
func (l *Logger) Writer(category string) io.Writer {
	return &categoryWriter{l: l, category: category}
}

type categoryWriter struct {
	l        *Logger
	category string
}

func (w *categoryWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.l.Printf(w.category, "%s", line)
	}
	return len(p), nil
}

func RegisterCategories(categories ...string) { std.RegisterCategories(categories...) }
func SetOutput(w io.Writer)                   { std.SetOutput(w) }
func SetLogFile(path string) error            { return std.SetLogFile(path) }
func Close()                                  { std.Close() }
func SetMinLevel(level Level)                 { std.SetMinLevel(level) }
func SetCategoryFilter(categories []string)   { std.SetCategoryFilter(categories) }
func IsCategoryEnabled(category string) bool  { return std.Enabled(category) }
func Writer(category string) io.Writer        { return std.Writer(category) }

func Printf(category string, format string, v ...any) { std.Printf(category, format, v...) }
func Println(category string, v ...any)               { std.Println(category, v...) }
func Error(format string, v ...any)                   { std.Error(format, v...) }
func Warning(format string, v ...any)                 { std.Warning(format, v...) }
func Fatal(format string, v ...any)                   { std.Fatal(format, v...) }

func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGT"[exp])
}
