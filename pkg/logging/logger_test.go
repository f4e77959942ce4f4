package logging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLogger(t *testing.T) (*Logger, func() []map[string]any) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.log")
	l := New(Config{Level: "debug", Format: "json", Output: path, Component: "test"})

	read := func() []map[string]any {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var lines []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &m))
			lines = append(lines, m)
		}
		return lines
	}
	return l, read
}

func TestLoggerFields(t *testing.T) {
	l, read := newFileLogger(t)

	l.WithProjectID("p1").WithFlow("city-review").WithError(errors.New("boom")).Info("hello")
	l.WithError(nil).Info("no error")

	lines := read()
	require.Len(t, lines, 2)
	assert.Equal(t, "test", lines[0]["component"])
	assert.Equal(t, "p1", lines[0]["project_id"])
	assert.Equal(t, "city-review", lines[0]["flow"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.NotContains(t, lines[1], "error")
	assert.Equal(t, "test", l.Component())
}

func TestWithContext(t *testing.T) {
	l, read := newFileLogger(t)

	ctx := ContextWithRun(context.Background(), "p1", "r1", "corrections-analysis")
	l.WithContext(ctx).Info("run")
	assert.Same(t, l, l.WithContext(context.Background()))

	lines := read()
	require.Len(t, lines, 1)
	assert.Equal(t, "p1", lines[0]["project_id"])
	assert.Equal(t, "r1", lines[0]["run_id"])
	assert.Equal(t, "corrections-analysis", lines[0]["flow"])
	assert.NotContains(t, lines[0], "trace_id")
}

func TestStageLog(t *testing.T) {
	l, read := newFileLogger(t)

	l.StageLog("install", 1500*time.Millisecond, nil)
	l.StageLog("download", time.Second, errors.New("no files"), "files", 0)

	lines := read()
	require.Len(t, lines, 2)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "install", lines[0]["stage"])
	assert.EqualValues(t, 1500, lines[0]["duration_ms"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "no files", lines[1]["error"])
	assert.EqualValues(t, 0, lines[1]["files"])
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l := New(Config{Level: "warn", Format: "json", Output: path})
	l.Info("dropped")
	l.Warn("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
