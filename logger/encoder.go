package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
	colorTime  = "\x1b[38;5;107m"
	colorName  = "\x1b[38;5;208m"
	colorKey   = "\x1b[38;5;109m"
	colorWarn  = "\x1b[38;5;179m"
	colorError = "\x1b[38;5;167m"
)

var pool = buffer.NewPool()

// consoleEncoder writes calm single-line entries:
// "13:04:35  coordinator  Claimed slot  job_id=6f1c.. priority=1"
// Context fields (from With) are printed before call-site fields; nothing is dropped.
type consoleEncoder struct {
	*zapcore.MapObjectEncoder
}

func newConsoleEncoder() *consoleEncoder {
	return &consoleEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return &consoleEncoder{MapObjectEncoder: clone}
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := pool.Get()

	line.AppendString(colorTime)
	line.AppendString(ent.Time.Format("15:04:05"))
	line.AppendString(colorReset)

	if ent.Level != zapcore.InfoLevel {
		line.AppendString("  ")
		line.AppendString(levelString(ent.Level))
	}

	if ent.LoggerName != "" {
		line.AppendString("  ")
		line.AppendString(colorName)
		line.AppendString(ent.LoggerName)
		line.AppendString(colorReset)
	}

	line.AppendString("  ")
	line.AppendString(ent.Message)

	ctxKeys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		ctxKeys = append(ctxKeys, k)
	}
	sort.Strings(ctxKeys)
	for _, k := range ctxKeys {
		appendField(line, k, enc.Fields[k])
	}

	callFields := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(callFields)
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		if v, ok := callFields.Fields[f.Key]; ok {
			appendField(line, f.Key, v)
		}
	}

	line.AppendString("\n")
	return line, nil
}

func appendField(line *buffer.Buffer, key string, value interface{}) {
	// cockroachdb/errors adds a multi-line "<key>Verbose" stack for every error field
	if strings.HasSuffix(key, "Verbose") {
		return
	}
	line.AppendString("  ")
	line.AppendString(colorKey)
	line.AppendString(key)
	line.AppendString(colorReset)
	line.AppendString("=")
	line.AppendString(fmt.Sprint(value))
}

func levelString(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.WarnLevel:
		return colorBold + colorWarn + "WARN" + colorReset
	default:
		return colorBold + colorError + level.CapitalString() + colorReset
	}
}
