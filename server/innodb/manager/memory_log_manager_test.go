package manager

import (
	"math"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

func TestMemoryLogManager(t *testing.T) {
	m := NewMemoryLogManager()

	// 第一条普通记录前自动占位主记录
	lsn, err := m.AppendToLog(recovery.NewBeginCheckpointRecord(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), lsn)
	master, err := m.FetchLogRecord(0)
	require.NoError(t, err)
	assert.Equal(t, recovery.LOG_TYPE_MASTER, master.Type())

	for i := int64(0); i < 3; i++ {
		lsn, err = m.AppendToLog(recovery.NewCommitTransactionRecord(i+1, 0))
		require.NoError(t, err)
		assert.Equal(t, i+2, lsn)
	}
	assert.Equal(t, int64(-1), m.FlushedLSN())
	require.NoError(t, m.FlushToLSN(100))
	assert.Equal(t, int64(4), m.FlushedLSN())

	rec, err := m.FetchLogRecord(3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.LSN())
	transNum, _ := rec.TransNum()
	assert.Equal(t, int64(2), transNum)

	_, err = m.FetchLogRecord(5)
	assert.Equal(t, ErrLogRecordNotFound, errors.Cause(err))

	var lsns []int64
	it := m.ScanFrom(2)
	for it.Next() {
		lsns = append(lsns, it.Record().LSN())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int64{2, 3, 4}, lsns)
}

func TestMemoryLogManager_Crash(t *testing.T) {
	m := NewMemoryLogManager()
	_, err := m.AppendToLog(recovery.NewMasterRecord(0))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.AppendToLog(recovery.NewEndTransactionRecord(1, 0))
		require.NoError(t, err)
	}
	require.NoError(t, m.FlushToLSN(2))
	require.NoError(t, m.RewriteMasterRecord(recovery.NewMasterRecord(2)))

	m.Crash()
	_, err = m.FetchLogRecord(3)
	assert.Equal(t, ErrLogRecordNotFound, errors.Cause(err))
	master, err := m.FetchLogRecord(0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), master.LastCheckpointLSN())

	lsn, err := m.AppendToLog(recovery.NewEndTransactionRecord(2, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(3), lsn)
}

func TestMemoryLogManager_Closed(t *testing.T) {
	m := NewMemoryLogManager()
	require.NoError(t, m.Close())
	_, err := m.AppendToLog(recovery.NewMasterRecord(0))
	assert.Equal(t, ErrLogClosed, errors.Cause(err))
	assert.Equal(t, ErrLogClosed, errors.Cause(m.FlushToLSN(0)))
}

func TestMemoryLogManager_RejectsOversizedImage(t *testing.T) {
	m := NewMemoryLogManager()
	rec := recovery.NewUpdatePageRecord(1, 10, 0, 0, nil, make([]byte, math.MaxUint16+1))
	_, err := m.AppendToLog(rec)
	assert.True(t, errors.IsNotValid(err))

	// 失败的追加不占用 LSN
	lsn, err := m.AppendToLog(recovery.NewCommitTransactionRecord(1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), lsn)
}
