package logger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func stripANSI(str string) string {
	return regexp.MustCompile(`\x1b\[[0-9;]*m`).ReplaceAllString(str, "")
}

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput))
		assert.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestSetLevel(t *testing.T) {
	prev := Level()
	defer SetLevel(prev)

	SetLevel(zapcore.DebugLevel)
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestConsoleEncoderKeepsAllFields(t *testing.T) {
	enc := newConsoleEncoder()
	zap.String(FieldWorkerID, "w-1").AddTo(enc)

	entry := zapcore.Entry{
		Level:      zapcore.WarnLevel,
		Time:       time.Date(2026, 1, 2, 13, 4, 35, 0, time.UTC),
		LoggerName: "coordinator",
		Message:    "Lease lost",
	}
	buf, err := enc.Clone().EncodeEntry(entry, []zapcore.Field{
		zap.String(FieldJobID, "job-1"),
		zap.Int(FieldPriority, 2),
		zap.Bool("ready", true),
	})
	require.NoError(t, err)

	out := stripANSI(buf.String())
	assert.Contains(t, out, "13:04:35")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "coordinator")
	assert.Contains(t, out, "Lease lost")
	assert.Contains(t, out, "worker_id=w-1")
	assert.Contains(t, out, "job_id=job-1")
	assert.Contains(t, out, "priority=2")
	assert.Contains(t, out, "ready=true")
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithWorkerID(WithJobID(context.Background(), "job-9"), "w-3")
	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, "job-9", FieldWorkerID, "w-3"}, fields)

	assert.Empty(t, FieldsFromContext(context.Background()))
}
