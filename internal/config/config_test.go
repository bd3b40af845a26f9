package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"redis": {"addr": "localhost:6379"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Port)
	require.Equal(t, "1s", cfg.Quota.SegmentSize.String())
	require.Equal(t, "1m0s", cfg.Quota.Window.String())
	require.False(t, cfg.Quota.FailOpen)
	require.Equal(t, "rl:", cfg.Quota.KeyPrefix)
	require.True(t, cfg.Upstream.UseMock)
}

func TestLoadRejectsMissingRedisAddr(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"redis": {"addr": ""}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsWindowNotDivisibleBySegmentSize(t *testing.T) {
	path := writeTempFile(t, "config.json", `{
		"redis": {"addr": "localhost:6379"},
		"quota": {"segmentSize": "7s", "window": "60s"}
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingUpstreamBaseURLWhenNotMocked(t *testing.T) {
	path := writeTempFile(t, "config.json", `{
		"redis": {"addr": "localhost:6379"},
		"upstream": {"useMock": false}
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadParsesKeyLimits(t *testing.T) {
	path := writeTempFile(t, "config.json", `{
		"redis": {"addr": "localhost:6379"},
		"quota": {"limits": {"my-key": {"input_tpm": 1000, "output_tpm": 2000, "rpm": 10}}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	limits, ok := cfg.Quota.Limits["my-key"]
	require.True(t, ok)
	require.Equal(t, 1000, limits.InputTPM)
	require.Equal(t, 2000, limits.OutputTPM)
	require.Equal(t, 10, limits.RPM)
}

func TestLoadLimitsOverlayMergesAndOverrides(t *testing.T) {
	cfg := &Config{
		Quota: QuotaConfig{
			Limits: map[string]KeyLimits{
				"existing-key": {InputTPM: 1, OutputTPM: 1, RPM: 1},
			},
		},
	}

	path := writeTempFile(t, "limits.yaml", `
existing-key:
  input_tpm: 5000
  output_tpm: 6000
  rpm: 50
new-key:
  input_tpm: 100
  output_tpm: 200
  rpm: 5
`)
	require.NoError(t, LoadLimitsOverlay(cfg, path))

	require.Equal(t, KeyLimits{InputTPM: 5000, OutputTPM: 6000, RPM: 50}, cfg.Quota.Limits["existing-key"])
	require.Equal(t, KeyLimits{InputTPM: 100, OutputTPM: 200, RPM: 5}, cfg.Quota.Limits["new-key"])
}

func TestLoadLimitsOverlayErrorsOnMissingFile(t *testing.T) {
	cfg := &Config{}
	err := LoadLimitsOverlay(cfg, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
