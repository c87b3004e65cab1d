package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "router"))

	log.Debug("hidden")
	payload := "conv-42"
	log.Info("handled",
		Int("n", 3),
		Bool("ok", true),
		OptString("payload", &payload),
		OptString("missing", nil),
		Err(errors.New("boom")),
		Err(nil),
	)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	l := lines[0]
	assert.Equal(t, "handled", l["message"])
	assert.Equal(t, "router", l["comp"])
	assert.Equal(t, float64(3), l["n"])
	assert.Equal(t, true, l["ok"])
	assert.Equal(t, "conv-42", l["payload"])
	assert.NotContains(t, l, "missing")
	assert.Equal(t, "boom", l["err"])
	assert.Contains(t, l["caller"], "logging_test.go:")
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSON(&buf, "debug")
	_ = parent.With(String("child", "yes"))
	parent.Info("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "child")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.NotPanics(t, func() { zero.Info("nothing") })

	nop := Nop()
	assert.False(t, nop.IsZero())
	assert.False(t, nop.Enabled(LevelError))
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer func() { _ = svc.Close() }()

	log.Info("dropped")
	log.Warn("kept")
	assert.False(t, log.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.True(t, log.Enabled(LevelDebug))
	log.Debug("after reload")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	assert.NotContains(t, s, "dropped")
	assert.Contains(t, s, "kept")
	assert.Contains(t, s, "after reload")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel(" warning ", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel("TRACE", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}

func TestConsoleLoggerHonoursLevel(t *testing.T) {
	log := NewConsole("warn")
	assert.False(t, log.IsZero())
	assert.True(t, log.Enabled(LevelWarn))
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, NewConsole("bogus").Enabled(LevelInfo))
}
