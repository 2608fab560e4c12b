package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"convindex/cmd/internal/realtime"

	"github.com/stretchr/testify/require"
)

func TestEnvKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"CONVINDEX_HTTP_ADDR":                "http.addr",
		"CONVINDEX_WS_ALLOWED_ORIGINS":       "ws.allowed_origins",
		"CONVINDEX_LOG_LEVEL":                "log.level",
		"CONVINDEX_METRICS_ENABLED":          "metrics.enabled",
		"CONVINDEX_HTTP_READ_HEADER_TIMEOUT": "http.read_header_timeout",
		"CONVINDEX_CONFIG":                   "config",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONVINDEX_CONFIG", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr)
	require.Equal(t, 5*time.Second, cfg.HTTP.ReadHeaderTimeout)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, 1024, cfg.Hub.MaxProjects)
	require.Equal(t, realtime.DefaultGatewayConfig().MaxBatchEvents, cfg.WS.MaxBatchEvents)

	gw := cfg.GatewayConfig()
	def := realtime.DefaultGatewayConfig()
	require.Equal(t, def.HeartbeatInterval, gw.HeartbeatInterval)
	require.Equal(t, def.RateEvents, gw.RateEvents)
	require.Equal(t, def.SendQueueSize, gw.SendQueueSize)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convindex.toml")
	body := `
[http]
addr = "127.0.0.1:9000"

[log]
level = "debug"
format = "pretty"

[ws]
max_batch_events = 50
allowed_origins = ["https://app.example.com"]

[metrics]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("CONVINDEX_LOG_LEVEL", "warn")
	t.Setenv("CONVINDEX_WS_RATE_WINDOW", "30s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "pretty", cfg.Log.Format)
	require.Equal(t, 50, cfg.WS.MaxBatchEvents)
	require.Equal(t, []string{"https://app.example.com"}, cfg.WS.AllowedOrigins)
	require.Equal(t, 30*time.Second, cfg.WS.RateWindow)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
