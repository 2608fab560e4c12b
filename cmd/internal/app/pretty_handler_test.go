package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("project", "31933:abc:proj").Info("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	require.Contains(t, line, " INFO  http.request project=31933:abc:proj method=GET")
	require.Contains(t, line, "status=404")
	require.Contains(t, line, "class=4xx")
	require.Contains(t, line, "duration=12ms")
	require.Contains(t, line, `note="two words"`)
	require.NotContains(t, line, "\x1b[")
}

func TestPrettyHandler_IndexerKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Debug("indexer.batch.processed",
		"digest", strings.Repeat("ab", 32),
		"reason", "thread_not_found",
		"err", errors.New("bad input"),
	)

	line := buf.String()
	require.Contains(t, line, "DEBUG indexer.batch.processed")
	require.Contains(t, line, "digest=abababababab ")
	require.Contains(t, line, "reason=thread_not_found")
	require.Contains(t, line, `err="bad input"`)
}

func TestPrettyHandler_ColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.WithGroup("batch").With("project", "p").Warn("indexer.batch.slow", "events", 3, slog.Group("sizes", "threads", 2))

	line := buf.String()
	require.Contains(t, line, ansiYellow+"WARN "+ansiReset)
	require.Contains(t, line, "batch.project="+ansiCyan+"p"+ansiReset)
	require.Contains(t, line, "batch.events=3")
	require.Contains(t, line, "batch.sizes.threads=2")
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("quiet")
	log.Debug("quieter")
	require.Empty(t, buf.String())

	log.Error("loud", "at", time.Unix(0, 0).UTC())
	require.Contains(t, buf.String(), "ERROR loud")
	require.Contains(t, buf.String(), "at=1970-01-01T00:00:00Z")
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want int64
		ok   bool
	}{
		{in: slog.Int64Value(7), want: 7, ok: true},
		{in: slog.Uint64Value(8), want: 8, ok: true},
		{in: slog.Float64Value(9.6), want: 9, ok: true},
		{in: slog.StringValue("42"), want: 42, ok: true},
		{in: slog.StringValue("x"), ok: false},
		{in: slog.BoolValue(true), ok: false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		require.Equal(t, tc.ok, ok, "value %v", tc.in)
		if ok {
			require.Equal(t, tc.want, got)
		}
	}
}
