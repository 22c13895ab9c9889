package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"INSTANCE_TYPE", "PORT", "SHARED_TOKEN", "FOLLOWER_URLS", "FFMPEG_THREADS",
		"FRAME_SHIFT_HOME", "UPLOAD_DIR", "OUTPUT_DIR", "DATA_DIR", "FRAME_SHIFT_LEADER_URL",
		"CHECK_INTERVAL", "STALE_WORKER_TIMEOUT", "CONFIG_BLOB_RETENTION",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsToStandalone(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ModeStandalone, cfg.InstanceType)
	require.Equal(t, 8080, cfg.Port)
}

func TestLoadLeaderRequiresSharedTokenAndFollowers(t *testing.T) {
	clearEnv(t)
	t.Setenv("INSTANCE_TYPE", "leader")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SHARED_TOKEN", "secret")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("FOLLOWER_URLS", "http://10.0.0.2:9000,http://10.0.0.3:9000")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"http://10.0.0.2:9000", "http://10.0.0.3:9000"}, cfg.FollowerURLs)
}

func TestLoadRejectsInvalidFFmpegThreads(t *testing.T) {
	clearEnv(t)
	t.Setenv("FFMPEG_THREADS", "-1")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsInvalidInstanceType(t *testing.T) {
	clearEnv(t)
	t.Setenv("INSTANCE_TYPE", "banana")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadParsesDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHECK_INTERVAL", "30s")
	t.Setenv("STALE_WORKER_TIMEOUT", "2m")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(30*1e9), int64(cfg.CheckInterval))
	require.Equal(t, int64(2*60*1e9), int64(cfg.StaleWorkerTimeout))
}

func TestLoadFollowerRequiresLeaderURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("INSTANCE_TYPE", "follower")
	t.Setenv("SHARED_TOKEN", "secret")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("FRAME_SHIFT_LEADER_URL", "not-a-url")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("FRAME_SHIFT_LEADER_URL", "http://leader:8080/")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://leader:8080", cfg.LeaderURL)
}
