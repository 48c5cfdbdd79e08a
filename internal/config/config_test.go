package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOCFLOW_CHUNK_SIZE", "")
	t.Setenv("DOCFLOW_DAILY_LIMIT_USD", "")
	cfg := Load()
	require.Equal(t, 500, cfg.ChunkSize)
	require.Equal(t, 100, cfg.ChunkOverlap)
	require.Equal(t, 10, cfg.EmbedBatchSize)
	require.Equal(t, 200*time.Millisecond, cfg.EmbedBatchDelay)
	require.InDelta(t, 1.0, cfg.DailyLimitUSD, 1e-9)
	require.InDelta(t, 0.2, cfg.RelevanceFloor, 1e-9)
	require.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	require.Equal(t, 30*time.Minute, cfg.StaleAfter)
}

func TestLoadOverridesAndBadValues(t *testing.T) {
	t.Setenv("DOCFLOW_CHUNK_SIZE", "250")
	t.Setenv("DOCFLOW_DAILY_LIMIT_USD", "2.5")
	t.Setenv("DOCFLOW_TOP_K", "not-a-number")
	t.Setenv("DOCFLOW_JOB_QUEUE", "LOCAL")
	cfg := Load()
	require.Equal(t, 250, cfg.ChunkSize)
	require.InDelta(t, 2.5, cfg.DailyLimitUSD, 1e-9)
	require.Equal(t, 5, cfg.TopK)
	require.Equal(t, "local", cfg.JobQueue)
}

func TestLocationFallsBackToLocal(t *testing.T) {
	require.Equal(t, time.Local, Config{Timezone: "Local"}.Location())
	require.Equal(t, time.Local, Config{Timezone: "Not/AZone"}.Location())
	require.Equal(t, "UTC", Config{Timezone: "UTC"}.Location().String())
}
