package manager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/conf"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

func newTestRedoLog(t *testing.T, dir string, compression uint8) *RedoLogManager {
	r, err := NewRedoLogManager(RedoLogConfig{
		LogDir:            dir,
		NoSync:            true,
		Compression:       compression,
		CompressThreshold: 16,
	})
	require.NoError(t, err)
	return r
}

func TestRedoLogManager(t *testing.T) {
	// 准备测试目录
	testDir := t.TempDir()
	r := newTestRedoLog(t, testDir, COMPRESSION_SNAPPY)

	t.Run("基本日志操作", func(t *testing.T) {
		lsn, err := r.AppendToLog(recovery.NewMasterRecord(0))
		require.NoError(t, err)
		assert.Equal(t, int64(0), lsn)

		lsn, err = r.AppendToLog(recovery.NewBeginCheckpointRecord(0))
		require.NoError(t, err)
		assert.Equal(t, int64(1), lsn)

		// 未刷盘的记录也可以读取
		rec, err := r.FetchLogRecord(lsn)
		require.NoError(t, err)
		assert.Equal(t, recovery.LOG_TYPE_BEGIN_CHECKPOINT, rec.Type())
		assert.Equal(t, int64(0), r.FlushedLSN())

		require.NoError(t, r.FlushToLSN(lsn))
		assert.Equal(t, lsn, r.FlushedLSN())

		// 验证文件存在
		_, err = os.Stat(filepath.Join(testDir, masterFileName))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(testDir, walDirName))
		assert.NoError(t, err)
	})

	t.Run("批量日志操作", func(t *testing.T) {
		payload := bytes.Repeat([]byte("compressible "), 20)
		var last int64
		for i := 0; i < 20; i++ {
			lsn, err := r.AppendToLog(recovery.NewUpdatePageRecord(1, 10000000001, last, int16(i), payload, payload))
			require.NoError(t, err)
			last = lsn
		}
		require.NoError(t, r.FlushToLSN(last-5))
		assert.Equal(t, last-5, r.FlushedLSN())

		var count int
		it := r.ScanFrom(2)
		for it.Next() {
			rec := it.Record()
			assert.Equal(t, payload, rec.After())
			count++
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 20, count)
	})

	t.Run("主记录", func(t *testing.T) {
		require.NoError(t, r.RewriteMasterRecord(recovery.NewMasterRecord(1)))
		rec, err := r.FetchLogRecord(0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.LastCheckpointLSN())

		err = r.RewriteMasterRecord(recovery.NewBeginCheckpointRecord(0))
		assert.True(t, errors.IsNotValid(err))
	})

	t.Run("重新打开", func(t *testing.T) {
		require.NoError(t, r.Close())
		_, err := r.AppendToLog(recovery.NewCommitTransactionRecord(1, 0))
		assert.Equal(t, ErrLogClosed, errors.Cause(err))

		reopened := newTestRedoLog(t, testDir, COMPRESSION_SNAPPY)
		defer reopened.Close()
		assert.Equal(t, int64(21), reopened.FlushedLSN())

		master, err := reopened.FetchLogRecord(0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), master.LastCheckpointLSN())

		lsn, err := reopened.AppendToLog(recovery.NewCommitTransactionRecord(1, 21))
		require.NoError(t, err)
		assert.Equal(t, int64(22), lsn)
	})
}

func TestRedoLogManager_CrashDropsUnflushed(t *testing.T) {
	for _, method := range []uint8{COMPRESSION_NONE, COMPRESSION_SNAPPY, COMPRESSION_LZ4} {
		dir := t.TempDir()
		r := newTestRedoLog(t, dir, method)
		_, err := r.AppendToLog(recovery.NewMasterRecord(0))
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := r.AppendToLog(recovery.NewUpdatePageRecord(1, 10000000001, int64(i), 0,
				bytes.Repeat([]byte{byte(i)}, 64), bytes.Repeat([]byte{byte(i + 1)}, 64)))
			require.NoError(t, err)
		}
		require.NoError(t, r.FlushToLSN(2))
		require.NoError(t, r.Crash())

		reopened := newTestRedoLog(t, dir, method)
		assert.Equal(t, int64(2), reopened.FlushedLSN())
		rec, err := reopened.FetchLogRecord(2)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{2}, 64), rec.After())

		_, err = reopened.FetchLogRecord(3)
		assert.Equal(t, ErrLogRecordNotFound, errors.Cause(err))
		require.NoError(t, reopened.Close())
	}
}

func TestRedoLogManager_BackgroundFlush(t *testing.T) {
	r, err := NewRedoLogManager(RedoLogConfig{LogDir: t.TempDir(), NoSync: true, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer r.Close()

	lsn, err := r.AppendToLog(recovery.NewBeginCheckpointRecord(3))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return r.FlushedLSN() == lsn
	}, time.Second, 10*time.Millisecond)
}

func TestRedoLogConfigFromCfg(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.WAL.Compression = "lz4"
	rc, err := RedoLogConfigFromCfg(cfg)
	require.NoError(t, err)
	assert.Equal(t, COMPRESSION_LZ4, rc.Compression)
	assert.Equal(t, cfg.WAL.LogDir, rc.LogDir)

	cfg.WAL.Compression = "zstd"
	_, err = RedoLogConfigFromCfg(cfg)
	assert.True(t, errors.IsNotValid(err))
}
