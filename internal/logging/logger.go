package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
)

const (
	DefaultBufferSize    = 1000
	instrumentationScope = "edgerelay"
)

type Logger struct {
	buffer      *LogBuffer
	output      *log.Logger
	level       *atomic.Value
	baseContext map[string]string
	hub         *LogHub
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stdout)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	level := &atomic.Value{}
	level.Store(normalizeLevel(minLevel))
	return &Logger{
		buffer: buffer,
		output: log.New(output, "", log.LstdFlags),
		level:  level,
		hub:    NewLogHub(),
	}
}

// Discard returns a logger that keeps nothing; components use it when no
// logger is configured.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(1), LevelError, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

// Subscribe streams new entries at minLevel or above. An empty minLevel
// streams everything.
func (l *Logger) Subscribe(minLevel Level) (<-chan LogEntry, func()) {
	if l == nil || l.hub == nil {
		return nil, func() {}
	}
	return l.hub.Subscribe(minLevel)
}

// With returns a child logger that adds fields to every entry. Children
// share the parent's level, so SetLevel applies to the whole tree.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		buffer:      l.buffer,
		output:      l.output,
		level:       l.level,
		baseContext: cloneFields(l.baseContext, fields),
		hub:         l.hub,
	}
}

func (l *Logger) SetLevel(level Level) {
	if l == nil || l.level == nil {
		return
	}
	l.level.Store(normalizeLevel(level))
}

func (l *Logger) Level() Level {
	if l == nil || l.level == nil {
		return LevelInfo
	}
	level, _ := l.level.Load().(Level)
	return level
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return LevelAtLeast(level, l.Level())
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil || !l.Enabled(level) {
		return
	}

	context := cloneFields(l.baseContext, fields)
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   context,
	}
	if len(entry.Context) == 0 {
		entry.Context = nil
	}
	if l.buffer != nil {
		l.buffer.Add(entry)
	}
	if l.hub != nil {
		l.hub.Broadcast(entry)
	}
	if l.output != nil {
		l.output.Print(formatEntry(entry))
	}
	emitOTel(entry)
}

func emitOTel(entry LogEntry) {
	logger := logglobal.GetLoggerProvider().Logger(instrumentationScope)
	var record otellog.Record
	record.SetTimestamp(entry.Timestamp)
	record.SetSeverity(otelSeverity(entry.Level))
	record.SetSeverityText(string(entry.Level))
	record.SetBody(otellog.StringValue(entry.Message))
	if len(entry.Context) > 0 {
		attrs := make([]otellog.KeyValue, 0, len(entry.Context))
		for key, value := range entry.Context {
			attrs = append(attrs, otellog.String(key, value))
		}
		record.AddAttributes(attrs...)
	}
	logger.Emit(context.Background(), record)
}

func otelSeverity(level Level) otellog.Severity {
	switch level {
	case LevelDebug:
		return otellog.SeverityDebug
	case LevelWarning:
		return otellog.SeverityWarn
	case LevelError:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

func formatEntry(entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString("level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	if len(entry.Context) == 0 {
		return builder.String()
	}

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%s=%s", key, strconv.Quote(entry.Context[key])))
	}
	return builder.String()
}
