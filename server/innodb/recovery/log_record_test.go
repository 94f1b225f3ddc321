package recovery

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
)

func encodeRecord(t *testing.T, rec *LogRecord) []byte {
	data, err := rec.Encode()
	require.NoError(t, err)
	return data
}

func TestLogRecordCodec(t *testing.T) {
	page := basic.VirtualPageNum(1, 7)
	records := []*LogRecord{
		NewMasterRecord(42),
		NewBeginCheckpointRecord(9),
		NewUpdatePageRecord(3, page, 17, 12, []byte("old"), []byte("new")),
		NewUpdatePageRecord(3, page, 17, 12, []byte("undo only"), nil),
		NewUndoUpdatePageRecord(3, page, 20, 17, 12, []byte("old")),
		NewAllocPartRecord(4, 2, 0),
		NewUndoFreePartRecord(4, 2, 30, 29),
		NewUndoAllocPageRecord(4, page, 31, 28),
		NewCommitTransactionRecord(5, 33),
		NewEndCheckpointRecord(
			map[int64]int64{page: 17, page + 1: 21},
			map[int64]TransactionSnapshot{3: {Status: basic.TRX_STATE_ABORTING, LastLSN: 20}},
			map[int64][]int64{3: {page, page + 1}},
		),
	}

	for _, rec := range records {
		t.Run(rec.Type().String(), func(t *testing.T) {
			decoded, err := DecodeLogRecord(encodeRecord(t, rec))
			require.NoError(t, err)
			assert.Equal(t, rec, decoded)
			assert.Equal(t, int64(-1), decoded.LSN())
		})
	}
}

func TestDecodeLogRecord_Malformed(t *testing.T) {
	update := encodeRecord(t, NewUpdatePageRecord(1, 10, 0, 0, []byte("a"), []byte("b")))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{200, 0, 0}},
		{"truncated", update[:len(update)-1]},
		{"trailing bytes", append(append([]byte(nil), update...), 0)},
		{"bad status", append(encodeRecord(t, NewEndCheckpointRecord(nil, nil, nil))[:3], 1, 0, 0, 0,
			1, 0, 0, 0, 0, 0, 0, 0, 99, 0, 0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLogRecord(tt.data)
			require.Error(t, err)
			assert.Equal(t, ErrMalformedLog, errors.Cause(err))
		})
	}
}

func TestLogRecordCodec_ImageTooLong(t *testing.T) {
	long := make([]byte, math.MaxUint16+1)
	records := map[string]*LogRecord{
		"前像过长":   NewUpdatePageRecord(1, 10, 0, 0, long, []byte("b")),
		"后像过长":   NewUpdatePageRecord(1, 10, 0, 0, []byte("a"), long),
		"补偿记录过长": NewUndoUpdatePageRecord(1, 10, 0, 0, 0, long),
	}
	for name, rec := range records {
		t.Run(name, func(t *testing.T) {
			data, err := rec.Encode()
			assert.True(t, errors.IsNotValid(err))
			assert.Nil(t, data)
		})
	}

	data, err := NewUpdatePageRecord(1, 10, 0, 0, nil, make([]byte, math.MaxUint16)).Encode()
	require.NoError(t, err)
	decoded, err := DecodeLogRecord(data)
	require.NoError(t, err)
	assert.Len(t, decoded.After(), math.MaxUint16)
}

func TestLogRecordUndo(t *testing.T) {
	page := basic.VirtualPageNum(1, 3)

	t.Run("页更新", func(t *testing.T) {
		rec := NewUpdatePageRecord(1, page, 5, 8, []byte("before"), []byte("after!")).WithLSN(9)
		clr, flush, err := rec.Undo(11)
		require.NoError(t, err)
		assert.False(t, flush)
		assert.Equal(t, LOG_TYPE_UNDO_UPDATE_PAGE, clr.Type())
		prev, _ := clr.PrevLSN()
		next, _ := clr.UndoNextLSN()
		assert.Equal(t, int64(11), prev)
		assert.Equal(t, int64(5), next)
		assert.Equal(t, []byte("before"), clr.After())
		assert.Equal(t, int16(8), clr.Offset())
		assert.False(t, clr.IsUndoable())
		assert.True(t, clr.IsRedoable())
	})

	t.Run("分配与释放", func(t *testing.T) {
		cases := map[*LogRecord]LogType{
			NewAllocPageRecord(1, page, 2): LOG_TYPE_UNDO_ALLOC_PAGE,
			NewFreePageRecord(1, page, 2):  LOG_TYPE_UNDO_FREE_PAGE,
			NewAllocPartRecord(1, 1, 2):    LOG_TYPE_UNDO_ALLOC_PART,
			NewFreePartRecord(1, 1, 2):     LOG_TYPE_UNDO_FREE_PART,
		}
		for rec, want := range cases {
			clr, flush, err := rec.Undo(7)
			require.NoError(t, err)
			assert.True(t, flush, rec.Type().String())
			assert.Equal(t, want, clr.Type())
			next, _ := clr.UndoNextLSN()
			assert.Equal(t, int64(2), next)
		}
	})

	t.Run("不可撤销", func(t *testing.T) {
		for _, rec := range []*LogRecord{
			NewUpdatePageRecord(1, page, 0, 0, nil, []byte("redo only")),
			NewUndoAllocPageRecord(1, page, 3, 0),
			NewCommitTransactionRecord(1, 4),
			NewMasterRecord(0),
		} {
			assert.False(t, rec.IsUndoable(), rec.String())
			_, _, err := rec.Undo(10)
			assert.Equal(t, ErrRecordNotUndoable, errors.Cause(err))
		}
	})
}

func TestEndCheckpointSize(t *testing.T) {
	rec := NewEndCheckpointRecord(
		map[int64]int64{1: 5, 2: 6},
		map[int64]TransactionSnapshot{7: {Status: basic.TRX_STATE_RUNNING, LastLSN: 6}},
		map[int64][]int64{7: {1, 2, 3}},
	)
	assert.Equal(t, 7+2*16+17+10+3*8, EndCheckpointSize(2, 1, 1, 3))
	assert.Len(t, encodeRecord(t, rec), EndCheckpointSize(2, 1, 1, 3))

	assert.True(t, EndCheckpointFits(2, 1, 1, 3, 90))
	assert.False(t, EndCheckpointFits(2, 1, 1, 3, 89))
}

func TestLogRecordMarshalJSON(t *testing.T) {
	rec := NewUndoUpdatePageRecord(2, 10000000007, 8, 4, 16, []byte{1, 2}).WithLSN(9)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "UNDO_UPDATE_PAGE", out["type"])
	assert.EqualValues(t, 9, out["lsn"])
	assert.EqualValues(t, 10000000007, out["pageNum"])
	assert.EqualValues(t, 4, out["undoNextLSN"])
	assert.NotContains(t, out, "partNum")

	assert.Equal(t, "LSN 9 UNDO_UPDATE_PAGE T2 prev=8 page=10000000007 undoNext=4", rec.String())
}
