package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Settings, error) {
	t.Helper()
	return Load(NewFlagSet("test"), args)
}

func TestLoad_Defaults(t *testing.T) {
	s, err := load(t)
	require.NoError(t, err)
	require.Equal(t, BackendRedis, s.Backend)
	require.Equal(t, 2*time.Hour, s.DedupWindow)
	require.Equal(t, 7*24*time.Hour, s.StalenessWindow)
	require.Equal(t, 5*time.Second, s.PulseInterval)
	require.False(t, s.Historic)
	require.Empty(t, s.HijackLogFields)
	require.NotEmpty(t, s.InstanceID)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("BGP_GUARD_BACKEND", "memory")
	t.Setenv("BGP_GUARD_HISTORIC", "true")
	t.Setenv("BGP_GUARD_DEDUP_WINDOW", "30m")
	t.Setenv("BGP_GUARD_HIJACK_LOG_FIELDS", "prefix,hijack_as, key")
	t.Setenv("BGP_GUARD_INSTANCE_ID", "db-1")

	s, err := load(t)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, s.Backend)
	require.True(t, s.Historic)
	require.Equal(t, 30*time.Minute, s.DedupWindow)
	require.Equal(t, []string{"prefix", "hijack_as", "key"}, s.HijackLogFields)
	require.Equal(t, "db-1", s.InstanceID)
}

func TestLoad_FlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("BGP_GUARD_WEB_HOST", "env.example.net")
	s, err := load(t, "--web-host", "flag.example.net", "--hijack-log-fields", "prefix", "--hijack-log-fields", "key")
	require.NoError(t, err)
	require.Equal(t, "flag.example.net", s.WebHost)
	require.Equal(t, []string{"prefix", "key"}, s.HijackLogFields)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bgp-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: memory
staleness-window: 48h
pulse-interval: 0s
hijack-log-filter: '[{"community_annotation": "critical"}]'
`), 0o600))
	t.Setenv("BGP_GUARD_STALENESS_WINDOW", "24h")

	s, err := load(t, "--config", path)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, s.Backend)
	require.Equal(t, 24*time.Hour, s.StalenessWindow)
	require.Zero(t, s.PulseInterval)
	require.Equal(t, `[{"community_annotation": "critical"}]`, s.HijackLogFilter)

	_, err = load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSettings_Validate(t *testing.T) {
	valid := Settings{
		Backend:         BackendRedis,
		RedisURL:        "redis://localhost:6379/0",
		DedupWindow:     time.Hour,
		StalenessWindow: time.Hour,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(s *Settings)
	}{
		{name: "unknown backend", modify: func(s *Settings) { s.Backend = "kafka" }},
		{name: "redis without url", modify: func(s *Settings) { s.RedisURL = "" }},
		{name: "zero dedup window", modify: func(s *Settings) { s.DedupWindow = 0 }},
		{name: "zero staleness window", modify: func(s *Settings) { s.StalenessWindow = 0 }},
		{name: "negative pulse", modify: func(s *Settings) { s.PulseInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.modify(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := load(t, "--collectors", "rrc00")
	require.Error(t, err)
}
