package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "dev")
	cfg, err := LoadFrom(afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "vp8", cfg.VideoCodec)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 10*time.Second, cfg.ICEGatheringTimeout)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Empty(t, cfg.RecordDir)
	assert.False(t, cfg.TLS())
}

func TestLoad_FileFlagsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("PROCTOR_SHUTDOWN_TIMEOUT", "9s")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "config/config.test.yaml", []byte(`
mode: debug
port: 9000
log_level: warn
video_codec: H264
ice_servers: "stun:a.example:3478,stun:b.example:3478"
udp_port_min: 40000
udp_port_max: 40100
`), 0o644))

	cfg, err := LoadFrom(fs, []string{"--port", "9100", "--record-to", "/tmp/rec", "-v"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/tmp/rec", cfg.RecordDir)
	assert.Equal(t, "h264", cfg.VideoCodec)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 9*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICEServers)
	assert.EqualValues(t, 40000, cfg.UDPPortMin)
	assert.EqualValues(t, 40100, cfg.UDPPortMax)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_ENV", "bad")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "config/config.bad.yaml", []byte("video_codec: av1\n"), 0o644))

	_, err := LoadFrom(fs, nil)
	assert.ErrorContains(t, err, "VideoCodec")

	require.NoError(t, afero.WriteFile(fs, "config/config.bad.yaml", []byte("udp_port_min: 5000\nudp_port_max: 4000\n"), 0o644))
	_, err = LoadFrom(fs, nil)
	assert.ErrorContains(t, err, "UDPPortMax")

	_, err = LoadFrom(afero.NewMemMapFs(), []string{"--cert-file", "c.pem"})
	assert.ErrorContains(t, err, "KeyFile")

	_, err = LoadFrom(afero.NewMemMapFs(), []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestReload_KeepsVerboseFlag(t *testing.T) {
	t.Setenv("CONFIG_ENV", "reload")
	fs := afero.NewMemMapFs()
	const file = "config/config.reload.yaml"
	require.NoError(t, afero.WriteFile(fs, file, []byte("log_level: warn\n"), 0o644))

	verbose, err := LoadFrom(fs, []string{"-v"})
	require.NoError(t, err)
	quiet, err := LoadFrom(fs, nil)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, quiet.LogLevel)

	require.NoError(t, afero.WriteFile(fs, file, []byte("log_level: error\n"), 0o644))
	require.NoError(t, verbose.v.ReadInConfig())
	require.NoError(t, quiet.v.ReadInConfig())

	fresh, err := verbose.reload()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, fresh.LogLevel)

	fresh, err = quiet.reload()
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, fresh.LogLevel)
}
