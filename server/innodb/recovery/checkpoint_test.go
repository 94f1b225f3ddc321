package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
)

func TestCheckpointBuilder_SingleRecord(t *testing.T) {
	b := newCheckpointBuilder(basic.EFFECTIVE_PAGE_SIZE)
	b.addDirtyPage(10, 3)
	b.addTransaction(1, TransactionSnapshot{Status: basic.TRX_STATE_RUNNING, LastLSN: 3})
	b.addTouchedPage(1, 10)

	records := b.finish()
	require.Len(t, records, 1)
	assert.Equal(t, map[int64]int64{10: 3}, records[0].DirtyPageTable())
	assert.Equal(t, map[int64][]int64{1: {10}}, records[0].TouchedPages())
}

func TestCheckpointBuilder_Empty(t *testing.T) {
	records := newCheckpointBuilder(basic.EFFECTIVE_PAGE_SIZE).finish()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].DirtyPageTable())
	assert.Empty(t, records[0].TransactionTable())
}

func TestCheckpointBuilder_Splits(t *testing.T) {
	const pageSize = 64
	b := newCheckpointBuilder(pageSize)

	dpt := map[int64]int64{}
	for i := int64(0); i < 7; i++ {
		dpt[100+i] = 10 + i
		b.addDirtyPage(100+i, 10+i)
	}
	txns := map[int64]TransactionSnapshot{
		1: {Status: basic.TRX_STATE_RUNNING, LastLSN: 15},
		2: {Status: basic.TRX_STATE_COMMITTING, LastLSN: 16},
	}
	b.addTransaction(1, txns[1])
	b.addTransaction(2, txns[2])
	touched := map[int64][]int64{1: {100, 101, 102, 103, 104, 105, 106}, 2: {106}}
	for _, transNum := range []int64{1, 2} {
		for _, pageNum := range touched[transNum] {
			b.addTouchedPage(transNum, pageNum)
		}
	}

	records := b.finish()
	require.Greater(t, len(records), 2)

	gotDPT := map[int64]int64{}
	gotTxns := map[int64]TransactionSnapshot{}
	gotTouched := map[int64][]int64{}
	for _, rec := range records {
		assert.LessOrEqual(t, len(encodeRecord(t, rec)), pageSize)
		for k, v := range rec.DirtyPageTable() {
			gotDPT[k] = v
		}
		for k, v := range rec.TransactionTable() {
			gotTxns[k] = v
		}
		for k, v := range rec.TouchedPages() {
			gotTouched[k] = append(gotTouched[k], v...)
		}
	}
	assert.Equal(t, dpt, gotDPT)
	assert.Equal(t, txns, gotTxns)
	assert.Equal(t, touched, gotTouched)
}
