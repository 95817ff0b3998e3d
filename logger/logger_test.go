package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestJSONLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := JSON(&buf, slog.LevelDebug).With("slot", 2).WithGroup("state")
	l.Info("insert into slot", "prefix_len", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "insert into slot", rec["msg"])
	assert.EqualValues(t, 2, rec["slot"])
	assert.EqualValues(t, 3, rec["state"].(map[string]any)["prefix_len"])
}

func TestOpenRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Open(&buf, "text", "warn")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.True(t, strings.Contains(buf.String(), "shown"))
}

func TestContextRoundTrip(t *testing.T) {
	l := Discard()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
