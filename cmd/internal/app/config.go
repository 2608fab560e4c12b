package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"convindex/cmd/internal/realtime"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces every environment override, e.g. CONVINDEX_HTTP_ADDR -> http.addr.
const EnvPrefix = "CONVINDEX_"

// Config contains all runtime configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Log     LogConfig     `koanf:"log"`
	WS      WSConfig      `koanf:"ws"`
	Hub     HubConfig     `koanf:"hub"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxHeaderBytes    int           `koanf:"max_header_bytes"`
}

// LogConfig configures slog output. Format is "json" or "pretty".
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Color  bool   `koanf:"color"`
}

// WSConfig configures the websocket gateway.
type WSConfig struct {
	OriginRequired    bool          `koanf:"origin_required"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	DevInsecure       bool          `koanf:"dev_insecure"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ReadIdleTimeout   time.Duration `koanf:"read_idle_timeout"`
	SendQueue         int           `koanf:"send_queue"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	RateEvents        int           `koanf:"rate_events"`
	RateWindow        time.Duration `koanf:"rate_window"`
	MaxBatchEvents    int           `koanf:"max_batch_events"`
}

// HubConfig bounds the per-project engines held in memory.
type HubConfig struct {
	MaxProjects int `koanf:"max_projects"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

func defaultConfigMap() map[string]interface{} {
	gw := realtime.DefaultGatewayConfig()
	return map[string]interface{}{
		"http.addr":                "0.0.0.0:8080",
		"http.read_header_timeout": 5 * time.Second,
		"http.read_timeout":        15 * time.Second,
		"http.write_timeout":       15 * time.Second,
		"http.idle_timeout":        60 * time.Second,
		"http.max_header_bytes":    1 << 20,

		"log.level":  "info",
		"log.format": "json",
		"log.color":  false,

		"ws.origin_required":    gw.OriginRequired,
		"ws.allowed_origins":    gw.AllowedOrigins,
		"ws.dev_insecure":       false,
		"ws.write_timeout":      gw.WriteTimeout,
		"ws.read_idle_timeout":  gw.ReadIdleTimeout,
		"ws.send_queue":         gw.SendQueueSize,
		"ws.heartbeat_interval": gw.HeartbeatInterval,
		"ws.heartbeat_timeout":  gw.HeartbeatTimeout,
		"ws.rate_events":        gw.RateEvents,
		"ws.rate_window":        gw.RateWindow,
		"ws.max_batch_events":   gw.MaxBatchEvents,

		"hub.max_projects": 1024,

		"metrics.enabled": true,
	}
}

// envKey maps CONVINDEX_WS_ALLOWED_ORIGINS to ws.allowed_origins.
// Only the first underscore after the prefix separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// LoadConfig layers defaults, an optional TOML file, and CONVINDEX_* environment variables.
// An empty path falls back to $CONVINDEX_CONFIG, then to ./convindex.toml when it exists.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG"))
	}
	if path == "" {
		if _, err := os.Stat("convindex.toml"); err == nil {
			path = "convindex.toml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GatewayConfig projects the websocket settings onto the gateway policy.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		OriginRequired:    c.WS.OriginRequired,
		AllowedOrigins:    c.WS.AllowedOrigins,
		DevInsecure:       c.WS.DevInsecure,
		WriteTimeout:      c.WS.WriteTimeout,
		ReadIdleTimeout:   c.WS.ReadIdleTimeout,
		SendQueueSize:     c.WS.SendQueue,
		HeartbeatInterval: c.WS.HeartbeatInterval,
		HeartbeatTimeout:  c.WS.HeartbeatTimeout,
		RateEvents:        c.WS.RateEvents,
		RateWindow:        c.WS.RateWindow,
		MaxBatchEvents:    c.WS.MaxBatchEvents,
	}
}
