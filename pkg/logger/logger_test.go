package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

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

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARNING "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestLogger_WritesJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LevelInfo})

	log.With(Component("queue")).Info("enqueued",
		ActionID("a-1"),
		Int("size", 3),
		Err(errors.New("boom")),
		Duration("took", 2*time.Second),
	)
	log.Debug("hidden")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "enqueued", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "a-1", entry["action_id"])
	assert.Equal(t, float64(3), entry["size"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "2s", entry["took"])
}

func TestLogger_WithLevelKeepsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LevelError}).With(Component("sync"))

	log.Info("dropped")
	log.WithLevel(LevelDebug).Debug("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "sync", lines[0]["component"])
}

func TestLogger_NilErrorIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LevelInfo})

	log.Info("ok", Err(nil))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, present := lines[0]["error"]
	assert.False(t, present)
}

func TestContextPropagation(t *testing.T) {
	log := Nop()
	ctx := WithContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
