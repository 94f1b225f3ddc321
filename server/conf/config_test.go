package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewCfg().Load(&CommandLineArgs{})
	require.NoError(t, err)
	assert.Equal(t, 4060, cfg.EffectivePageSize)
	assert.Equal(t, "snappy", cfg.WAL.Compression)
	assert.Equal(t, time.Second, cfg.WAL.FlushIntervalDuration)
	assert.True(t, cfg.Recovery.CheckpointOnClose)
}

func TestLoadIni(t *testing.T) {
	path := writeFile(t, "txn.ini", `
[logs]
log_level = debug

[storage]
page_size           = 4096
effective_page_size = 4000

[wal]
log_dir        = /tmp/wal
compression    = LZ4
flush_interval = 250ms
no_sync        = true

[recovery]
checkpoint_on_close = false
disable_locking     = true
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, 4000, cfg.EffectivePageSize)
	assert.Equal(t, "/tmp/wal", cfg.WAL.LogDir)
	assert.Equal(t, "lz4", cfg.WAL.Compression)
	assert.Equal(t, 250*time.Millisecond, cfg.WAL.FlushIntervalDuration)
	assert.True(t, cfg.WAL.NoSync)
	assert.False(t, cfg.Recovery.CheckpointOnClose)
	assert.True(t, cfg.Recovery.DisableLocking)
	// 未配置的键保持默认值
	assert.Equal(t, 256, cfg.WAL.CompressThreshold)
	assert.Equal(t, filepath.Dir(path), ConfigPath)

	opts := RecoveryOptionsFromCfg(cfg)
	assert.Equal(t, recovery.Options{EffectivePageSize: 4000, DisableLocking: true, CheckpointOnClose: false}, opts)
}

func TestRecoveryOptionsFromCfg(t *testing.T) {
	assert.Equal(t, recovery.DefaultOptions(), RecoveryOptionsFromCfg(NewCfg()))
}

func TestLoadToml(t *testing.T) {
	path := writeFile(t, "txn.toml", `
[storage]
effective_page_size = 2000

[wal]
compression = "none"
segment_size = 1048576

[recovery]
disable_locking = true
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.EffectivePageSize)
	assert.Equal(t, "none", cfg.WAL.Compression)
	assert.Equal(t, 1048576, cfg.WAL.SegmentSize)
	assert.True(t, cfg.Recovery.DisableLocking)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad compression", "[wal]\ncompression = zstd\n"},
		{"bad interval", "[wal]\nflush_interval = soon\n"},
		{"bad int", "[storage]\npage_size = big\n"},
		{"page size", "[storage]\npage_size = 8192\n"},
		{"effective larger than usable", "[storage]\neffective_page_size = 4096\n"},
		{"effective not positive", "[storage]\neffective_page_size = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "txn.ini", tt.content)
			_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
			assert.Error(t, err)
		})
	}
}
