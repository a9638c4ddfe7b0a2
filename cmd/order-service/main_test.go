package main

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/app"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SHOP_LOG_LEVEL", "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, app.DefaultConfig().HTTPAddr, cfg.HTTPAddr)
	require.Equal(t, app.StorageDriverMemory, cfg.StorageDriver)
}

func TestLoadConfig_Overrides(t *testing.T) {
	previous := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(previous) })

	t.Setenv("SHOP_HTTP_ADDR", "127.0.0.1:18080")
	t.Setenv("SHOP_LOG_LEVEL", "warn")
	t.Setenv("SHOP_UPSTREAM_TIMEOUT", "750ms")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:18080", cfg.HTTPAddr)
	require.Equal(t, 750*time.Millisecond, cfg.UpstreamTimeout)
	require.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestLoadConfig_UnknownLevelKeepsRunning(t *testing.T) {
	previous := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(previous) })

	t.Setenv("SHOP_LOG_LEVEL", "chatty")
	_, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestLoadConfig_BadDuration(t *testing.T) {
	t.Setenv("SHOP_UPSTREAM_TIMEOUT", "soon")
	_, err := loadConfig()
	require.Error(t, err)
}
