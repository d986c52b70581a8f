package sbnconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[global]
listen-port = 33333
listen-address = 0.0.0.0
control-socket = /tmp/sbnd.sock
cache-dir = /var/cache/sbnd
fanout = 4
scan-interval-seconds = 60
rate-limit-bps = 1000000
interface = eth0
interface = eth1

[application "collector"]
exec = /usr/bin/collectd
uid = 1000
gid = 1000
max-restarts = 5
restart-period-seconds = 30
cooldown-period-seconds = 300
`

func TestLoadBytesParsesGlobalAndApplications(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleConfig))
	require.NoError(t, err)

	require.EqualValues(t, 33333, cfg.Global.ListenPort)
	require.Equal(t, []string{"0.0.0.0"}, cfg.Global.ListenAddresses)
	require.Equal(t, "/tmp/sbnd.sock", cfg.Global.ControlSocket)
	require.EqualValues(t, 4, cfg.Global.Fanout)
	require.Equal(t, []string{"eth0", "eth1"}, cfg.Global.Interfaces)

	app, ok := cfg.Applications["collector"]
	require.True(t, ok)
	require.Equal(t, "/usr/bin/collectd", app.Exec)
	require.Equal(t, 1000, app.UID)
	require.Equal(t, 5, app.MaxRestarts)
}

func TestLoadBytesRejectsOversizedInput(t *testing.T) {
	big := make([]byte, maxConfigSize+1)
	_, err := LoadBytes(big)
	require.ErrorIs(t, err, ErrConfigFileTooLarge)
}

func TestLoadFileRejectsOversizedFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sbnd-config-*.ini")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(maxConfigSize+1))

	_, err = LoadFile(f.Name())
	require.ErrorIs(t, err, ErrConfigFileTooLarge)
}

func TestApplyEnvOverridesCacheDirAndScanInterval(t *testing.T) {
	t.Setenv("SBN_CACHE_DIR", "/tmp/override")
	t.Setenv("SBN_SCAN_INTERVAL", "120")
	t.Setenv("SBN_INTERFACES", "eth2,eth3")

	cfg, err := LoadBytes([]byte(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "/tmp/override", cfg.Global.CacheDir)
	require.EqualValues(t, 120, cfg.Global.ScanInterval)
	require.Equal(t, []string{"eth2", "eth3"}, cfg.Global.Interfaces)
}

func TestSplitCommaListIgnoresEmptySegments(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitCommaList("a,,b,c,"))
	require.Nil(t, splitCommaList(""))
}
