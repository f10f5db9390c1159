package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	require.Equal(t, DefaultSQLitePath, cfg.SQLite.Path)
	require.Equal(t, DefaultQueueDepth, cfg.Queue.QueueDepth)
	require.Equal(t, DefaultInboundMode, cfg.Feishu.InboundMode)
	require.Equal(t, DefaultPuppetPrefix, cfg.Matrix.PuppetPrefix)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[feishu]
app_id = "cli_abc"
inbound_mode = "longconn"

[queue]
workers = 8

[admin]
read_token = "r"
write_token = "w"
delete_token = "d"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "cli_abc", cfg.Feishu.AppID)
	require.Equal(t, "longconn", cfg.Feishu.InboundMode)
	require.Equal(t, 8, cfg.Queue.Workers)
	require.Equal(t, "r", cfg.Admin.ReadToken)
	// Sections the file omits keep their defaults.
	require.Equal(t, DefaultSQLitePath, cfg.SQLite.Path)
	require.Equal(t, DefaultRetryMax, cfg.Retry.MaxRetries)
}
