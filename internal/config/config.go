// Package config loads MiniBus's runtime configuration: compiled-in
// defaults, an optional YAML file, then environment variable overrides —
// the same three-layer precedence as the teacher's internal/config/config.go,
// narrowed to the bus's own settings.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds every setting cmd/minibus-server needs to start the TCP
// gateway and the optional HTTP/SSE façade.
type Config struct {
	Listen           string        `yaml:"listen"`
	WebListen        string        `yaml:"web_listen"`
	WebBase          string        `yaml:"web_base"`
	LogLevel         string        `yaml:"log_level"`
	HandshakeTimeout time.Duration `yaml:"-"`
	HandshakeTimeoutSec int        `yaml:"handshake_timeout_sec"`
}

// Default returns the compiled-in defaults of §6: bus on 127.0.0.1:4040, web
// façade on 0.0.0.0:8234 under "/", info logging, a 1-second handshake.
func Default() Config {
	return Config{
		Listen:              "127.0.0.1:4040",
		WebListen:           "0.0.0.0:8234",
		WebBase:             "/",
		LogLevel:            "info",
		HandshakeTimeout:    time.Second,
		HandshakeTimeoutSec: 1,
	}
}

// Load builds a Config by layering, in order: compiled-in defaults, an
// optional YAML file (configPath, falling back to MINIBUS_CONFIG if empty),
// a best-effort ".env" load for local development (teacher imports the same
// godotenv package in cmd/api/main.go), then environment variable overrides.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("MINIBUS_CONFIG")
	}
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, err
		}
	}

	// Best-effort: a missing .env is not an error, just nothing to layer in.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()
	if cfg.HandshakeTimeoutSec > 0 {
		cfg.HandshakeTimeout = time.Duration(cfg.HandshakeTimeoutSec) * time.Second
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Listen = getEnv("MINIBUS_LISTEN", c.Listen)
	c.WebListen = getEnv("MINIBUS_WEB_LISTEN", c.WebListen)
	c.WebBase = getEnv("MINIBUS_WEB_BASE", c.WebBase)
	c.LogLevel = getEnv("MINIBUS_LOG_LEVEL", c.LogLevel)
	if v := getEnvInt("MINIBUS_HANDSHAKE_TIMEOUT_SEC", 0); v > 0 {
		c.HandshakeTimeoutSec = v
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
