package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	newLoggerTo(&jsonBuf, LogConfig{Level: "info", Format: "json"}).Info("indexer.reset", "project", "p")

	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not decodable: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "indexer.reset" || rec["project"] != "p" {
		t.Fatalf("unexpected json record: %v", rec)
	}

	var prettyBuf bytes.Buffer
	newLoggerTo(&prettyBuf, LogConfig{Level: "debug", Format: "pretty"}).Debug("indexer.event.drop", "reason", "missing_id")
	if !strings.Contains(prettyBuf.String(), "DEBUG indexer.event.drop") || !strings.Contains(prettyBuf.String(), "reason=missing_id") {
		t.Fatalf("unexpected pretty line: %q", prettyBuf.String())
	}
}
