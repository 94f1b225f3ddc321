package manager

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
)

func TestMemoryDiskSpaceManager(t *testing.T) {
	sm := NewMemoryDiskSpaceManager()
	page := basic.VirtualPageNum(2, 3)

	t.Run("分配", func(t *testing.T) {
		assert.Equal(t, basic.ErrPartNotAllocated, errors.Cause(sm.AllocPage(page)))
		require.NoError(t, sm.AllocPart(2))
		assert.Equal(t, basic.ErrPartAlreadyAllocated, errors.Cause(sm.AllocPart(2)))

		require.NoError(t, sm.AllocPage(page))
		assert.Equal(t, basic.ErrPageAlreadyAllocated, errors.Cause(sm.AllocPage(page)))
		assert.True(t, sm.PageAllocated(page))
		assert.False(t, sm.PageAllocated(page+1))
	})

	t.Run("读写", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xab}, basic.PAGE_SIZE)
		require.NoError(t, sm.WritePage(page, data))

		got, err := sm.ReadPage(page)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		// 返回的是副本
		got[0] = 0
		again, err := sm.ReadPage(page)
		require.NoError(t, err)
		assert.Equal(t, byte(0xab), again[0])

		assert.True(t, errors.IsNotValid(sm.WritePage(page, data[:10])))
		_, err = sm.ReadPage(page + 1)
		assert.Equal(t, basic.ErrPageNotAllocated, errors.Cause(err))
	})

	t.Run("释放", func(t *testing.T) {
		require.NoError(t, sm.FreePage(page))
		assert.Equal(t, basic.ErrPageNotAllocated, errors.Cause(sm.FreePage(page)))

		require.NoError(t, sm.AllocPage(page))
		require.NoError(t, sm.FreePart(2))
		assert.False(t, sm.PageAllocated(page))
		assert.Equal(t, basic.ErrPartNotAllocated, errors.Cause(sm.FreePart(2)))
	})
}
