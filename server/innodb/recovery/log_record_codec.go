package recovery

import (
	"sort"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/util"
)

// 结束检查点记录各部分的编码长度
const (
	endCheckpointHeaderSize  = 1 + 2 + 2 + 2
	dptEntrySize             = 8 + 8
	txnTableEntrySize        = 8 + 1 + 8
	touchedPagesHeaderSize   = 8 + 2
	touchedPageEntrySize     = 8
	maxCheckpointTableLength = 1<<16 - 1
)

// EndCheckpointSize 给定各部分条目数时结束检查点记录的编码长度
func EndCheckpointSize(numDPT, numTxns, numTouchedTxns, numTouchedPages int) int {
	return endCheckpointHeaderSize +
		numDPT*dptEntrySize +
		numTxns*txnTableEntrySize +
		numTouchedTxns*touchedPagesHeaderSize +
		numTouchedPages*touchedPageEntrySize
}

// EndCheckpointFits 结束检查点记录能否放进一页
func EndCheckpointFits(numDPT, numTxns, numTouchedTxns, numTouchedPages, effectivePageSize int) bool {
	return EndCheckpointSize(numDPT, numTxns, numTouchedTxns, numTouchedPages) <= effectivePageSize
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Encode 记录的二进制形式，不包含 LSN。
// 前后像超过 2 字节长度前缀能表示的范围时返回 NotValid 错误。
func (r *LogRecord) Encode() ([]byte, error) {
	var err error
	buf := make([]byte, 0, 64)
	buf = util.WriteByte(buf, byte(r.logType))

	switch t := r.logType; {
	case t == LOG_TYPE_MASTER:
		buf = util.WriteUB8(buf, uint64(r.lastCheckpointLSN))
	case t == LOG_TYPE_BEGIN_CHECKPOINT:
		buf = util.WriteUB8(buf, uint64(r.maxTransNum))
	case t == LOG_TYPE_END_CHECKPOINT:
		buf = r.encodeEndCheckpoint(buf)
	case t.isPartScoped():
		buf = util.WriteUB8(buf, uint64(r.transNum))
		buf = util.WriteUB4(buf, uint32(r.partNum))
		buf = util.WriteUB8(buf, uint64(r.prevLSN))
		if t.isCompensation() {
			buf = util.WriteUB8(buf, uint64(r.undoNextLSN))
		}
	case t == LOG_TYPE_UPDATE_PAGE:
		buf = util.WriteUB8(buf, uint64(r.transNum))
		buf = util.WriteUB8(buf, uint64(r.pageNum))
		buf = util.WriteUB8(buf, uint64(r.prevLSN))
		buf = util.WriteUB2(buf, uint16(r.offset))
		if buf, err = util.WriteWithLength(buf, r.before); err != nil {
			return nil, errors.Annotatef(err, "before image of page %d", r.pageNum)
		}
		if buf, err = util.WriteWithLength(buf, r.after); err != nil {
			return nil, errors.Annotatef(err, "after image of page %d", r.pageNum)
		}
	case t == LOG_TYPE_UNDO_UPDATE_PAGE:
		buf = util.WriteUB8(buf, uint64(r.transNum))
		buf = util.WriteUB8(buf, uint64(r.pageNum))
		buf = util.WriteUB8(buf, uint64(r.prevLSN))
		buf = util.WriteUB8(buf, uint64(r.undoNextLSN))
		buf = util.WriteUB2(buf, uint16(r.offset))
		if buf, err = util.WriteWithLength(buf, r.after); err != nil {
			return nil, errors.Annotatef(err, "after image of page %d", r.pageNum)
		}
	case t.isPageScoped():
		buf = util.WriteUB8(buf, uint64(r.transNum))
		buf = util.WriteUB8(buf, uint64(r.pageNum))
		buf = util.WriteUB8(buf, uint64(r.prevLSN))
		if t.isCompensation() {
			buf = util.WriteUB8(buf, uint64(r.undoNextLSN))
		}
	default: // 事务状态记录
		buf = util.WriteUB8(buf, uint64(r.transNum))
		buf = util.WriteUB8(buf, uint64(r.prevLSN))
	}
	return buf, nil
}

func (r *LogRecord) encodeEndCheckpoint(buf []byte) []byte {
	numTouchedPages := 0
	for _, pages := range r.touchedPages {
		numTouchedPages += len(pages)
	}
	buf = util.WriteUB2(buf, uint16(len(r.dirtyPageTable)))
	buf = util.WriteUB2(buf, uint16(len(r.transactionTable)))
	buf = util.WriteUB2(buf, uint16(len(r.touchedPages)))

	for _, pageNum := range sortedKeys(r.dirtyPageTable) {
		buf = util.WriteUB8(buf, uint64(pageNum))
		buf = util.WriteUB8(buf, uint64(r.dirtyPageTable[pageNum]))
	}
	for _, transNum := range sortedKeys(r.transactionTable) {
		entry := r.transactionTable[transNum]
		buf = util.WriteUB8(buf, uint64(transNum))
		buf = util.WriteByte(buf, byte(entry.Status))
		buf = util.WriteUB8(buf, uint64(entry.LastLSN))
	}
	for _, transNum := range sortedKeys(r.touchedPages) {
		pages := r.touchedPages[transNum]
		buf = util.WriteUB8(buf, uint64(transNum))
		buf = util.WriteUB2(buf, uint16(len(pages)))
		for _, pageNum := range pages {
			buf = util.WriteUB8(buf, uint64(pageNum))
		}
	}
	return buf
}

// DecodeLogRecord 解析 Encode 的结果，返回的记录没有 LSN
func DecodeLogRecord(data []byte) (*LogRecord, error) {
	if len(data) == 0 {
		return nil, errors.Annotatef(ErrMalformedLog, "empty record")
	}
	rd := util.NewBufferReader(data)
	t := LogType(rd.ReadUB1())
	if !t.valid() {
		return nil, errors.Annotatef(ErrMalformedLog, "unknown log type %d", byte(t))
	}
	r := newRecord(t)

	switch {
	case t == LOG_TYPE_MASTER:
		r.lastCheckpointLSN = int64(rd.ReadUB8())
	case t == LOG_TYPE_BEGIN_CHECKPOINT:
		r.maxTransNum = int64(rd.ReadUB8())
	case t == LOG_TYPE_END_CHECKPOINT:
		if err := r.decodeEndCheckpoint(rd); err != nil {
			return nil, err
		}
	case t.isPartScoped():
		r.transNum = int64(rd.ReadUB8())
		r.partNum = int32(rd.ReadUB4())
		r.prevLSN = int64(rd.ReadUB8())
		if t.isCompensation() {
			r.undoNextLSN = int64(rd.ReadUB8())
		}
	case t == LOG_TYPE_UPDATE_PAGE:
		r.transNum = int64(rd.ReadUB8())
		r.pageNum = int64(rd.ReadUB8())
		r.prevLSN = int64(rd.ReadUB8())
		r.offset = int16(rd.ReadUB2())
		r.before = emptyToNil(rd.ReadWithLength())
		r.after = emptyToNil(rd.ReadWithLength())
	case t == LOG_TYPE_UNDO_UPDATE_PAGE:
		r.transNum = int64(rd.ReadUB8())
		r.pageNum = int64(rd.ReadUB8())
		r.prevLSN = int64(rd.ReadUB8())
		r.undoNextLSN = int64(rd.ReadUB8())
		r.offset = int16(rd.ReadUB2())
		r.after = emptyToNil(rd.ReadWithLength())
	case t.isPageScoped():
		r.transNum = int64(rd.ReadUB8())
		r.pageNum = int64(rd.ReadUB8())
		r.prevLSN = int64(rd.ReadUB8())
		if t.isCompensation() {
			r.undoNextLSN = int64(rd.ReadUB8())
		}
	default:
		r.transNum = int64(rd.ReadUB8())
		r.prevLSN = int64(rd.ReadUB8())
	}

	if err := rd.Err(); err != nil {
		return nil, errors.Annotatef(ErrMalformedLog, "decode %s: %v", t, err)
	}
	if rd.Remaining() != 0 {
		return nil, errors.Annotatef(ErrMalformedLog, "decode %s: %d trailing bytes", t, rd.Remaining())
	}
	return r, nil
}

func (r *LogRecord) decodeEndCheckpoint(rd *util.BufferReader) error {
	numDPT := int(rd.ReadUB2())
	numTxns := int(rd.ReadUB2())
	numTouched := int(rd.ReadUB2())

	r.dirtyPageTable = make(map[int64]int64, numDPT)
	for i := 0; i < numDPT && rd.Err() == nil; i++ {
		pageNum := int64(rd.ReadUB8())
		r.dirtyPageTable[pageNum] = int64(rd.ReadUB8())
	}
	r.transactionTable = make(map[int64]TransactionSnapshot, numTxns)
	for i := 0; i < numTxns && rd.Err() == nil; i++ {
		transNum := int64(rd.ReadUB8())
		status, err := basic.TransactionStatusFromByte(rd.ReadUB1())
		if err != nil && rd.Err() == nil {
			return errors.Annotatef(ErrMalformedLog, "end checkpoint: %v", err)
		}
		r.transactionTable[transNum] = TransactionSnapshot{Status: status, LastLSN: int64(rd.ReadUB8())}
	}
	r.touchedPages = make(map[int64][]int64, numTouched)
	for i := 0; i < numTouched && rd.Err() == nil; i++ {
		transNum := int64(rd.ReadUB8())
		n := int(rd.ReadUB2())
		pages := make([]int64, 0, n)
		for j := 0; j < n && rd.Err() == nil; j++ {
			pages = append(pages, int64(rd.ReadUB8()))
		}
		r.touchedPages[transNum] = pages
	}
	return nil
}

func emptyToNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
