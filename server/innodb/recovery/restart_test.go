package recovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

func TestRestart_AfterFreePart(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultOptions())
	writer := env.tm.Begin()
	require.NoError(t, writer.Write(page1, 0, []byte("data")))
	require.NoError(t, writer.Commit())
	assert.Contains(t, env.rm.DirtyPageTable(), page1)

	dropper := env.tm.Begin()
	require.NoError(t, dropper.FreePart(1))
	require.NoError(t, dropper.Commit())
	assert.Empty(t, env.rm.DirtyPageTable())

	next := env.crash()
	undo, err := next.rm.Restart()
	require.NoError(t, err)
	assert.Empty(t, next.rm.DirtyPageTable())
	require.NoError(t, undo())
	assert.False(t, next.disk.PageAllocated(page1))
}

func TestRestart_RollbackOfAllocPartClearsDirtyPages(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultOptions())
	page := basic.VirtualPageNum(2, 1)

	trx := env.tm.Begin()
	require.NoError(t, trx.AllocPart(2))
	require.NoError(t, trx.AllocPage(page))
	require.NoError(t, trx.Write(page, 0, []byte("temp")))
	assert.Contains(t, env.rm.DirtyPageTable(), page)

	require.NoError(t, trx.Rollback())
	assert.NotContains(t, env.rm.DirtyPageTable(), page)
	assert.False(t, env.disk.PageAllocated(page))

	next := env.restart(t)
	assert.False(t, next.disk.PageAllocated(page))
}

func TestRestart_RedoSkipsMissingPages(t *testing.T) {
	env := newTestEnv(t, recovery.DefaultOptions())
	trx := env.tm.Begin()
	require.NoError(t, trx.Write(page1, 0, []byte("data")))
	require.NoError(t, trx.Commit())

	// 分区在日志之外被删除
	require.NoError(t, env.disk.FreePart(1))

	next := env.crash()
	undo, err := next.rm.Restart()
	require.NoError(t, err)
	assert.Contains(t, next.rm.DirtyPageTable(), page1)
	require.NoError(t, undo())
	assert.False(t, next.disk.PageAllocated(page1))
}
