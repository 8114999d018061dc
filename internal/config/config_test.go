package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:4040", cfg.Listen)
	assert.Equal(t, "0.0.0.0:8234", cfg.WebListen)
	assert.Equal(t, "/", cfg.WebBase)
	assert.Equal(t, time.Second, cfg.HandshakeTimeout)
}

func TestLoadWithNoFileAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MINIBUS_LISTEN", "0.0.0.0:9000")
	t.Setenv("MINIBUS_LOG_LEVEL", "debug")
	t.Setenv("MINIBUS_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/minibus.yaml")
	assert.Error(t, err)
}

func TestHandshakeTimeoutEnvOverride(t *testing.T) {
	t.Setenv("MINIBUS_HANDSHAKE_TIMEOUT_SEC", "5")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
}
