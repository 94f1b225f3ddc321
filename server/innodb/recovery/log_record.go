package recovery

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
)

// TransactionSnapshot 检查点中记录的事务状态
type TransactionSnapshot struct {
	Status  basic.TransactionStatus
	LastLSN int64
}

// LogRecord 一条日志记录，创建后不可修改。LSN 由日志管理器在追加时通过 WithLSN 赋予。
type LogRecord struct {
	lsn     int64
	logType LogType

	transNum int64
	prevLSN  int64
	pageNum  int64
	partNum  int32
	offset   int16
	before   []byte
	after    []byte

	undoNextLSN int64

	lastCheckpointLSN int64
	maxTransNum       int64

	dirtyPageTable   map[int64]int64
	transactionTable map[int64]TransactionSnapshot
	touchedPages     map[int64][]int64
}

func newRecord(t LogType) *LogRecord {
	return &LogRecord{lsn: -1, logType: t}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func NewMasterRecord(lastCheckpointLSN int64) *LogRecord {
	r := newRecord(LOG_TYPE_MASTER)
	r.lastCheckpointLSN = lastCheckpointLSN
	return r
}

func newPartRecord(t LogType, transNum int64, partNum int32, prevLSN, undoNextLSN int64) *LogRecord {
	r := newRecord(t)
	r.transNum, r.partNum, r.prevLSN, r.undoNextLSN = transNum, partNum, prevLSN, undoNextLSN
	return r
}

func NewAllocPartRecord(transNum int64, partNum int32, prevLSN int64) *LogRecord {
	return newPartRecord(LOG_TYPE_ALLOC_PART, transNum, partNum, prevLSN, 0)
}

func NewFreePartRecord(transNum int64, partNum int32, prevLSN int64) *LogRecord {
	return newPartRecord(LOG_TYPE_FREE_PART, transNum, partNum, prevLSN, 0)
}

func NewUndoAllocPartRecord(transNum int64, partNum int32, prevLSN, undoNextLSN int64) *LogRecord {
	return newPartRecord(LOG_TYPE_UNDO_ALLOC_PART, transNum, partNum, prevLSN, undoNextLSN)
}

func NewUndoFreePartRecord(transNum int64, partNum int32, prevLSN, undoNextLSN int64) *LogRecord {
	return newPartRecord(LOG_TYPE_UNDO_FREE_PART, transNum, partNum, prevLSN, undoNextLSN)
}

func newPageRecord(t LogType, transNum, pageNum, prevLSN, undoNextLSN int64) *LogRecord {
	r := newRecord(t)
	r.transNum, r.pageNum, r.prevLSN, r.undoNextLSN = transNum, pageNum, prevLSN, undoNextLSN
	return r
}

func NewAllocPageRecord(transNum, pageNum, prevLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_ALLOC_PAGE, transNum, pageNum, prevLSN, 0)
}

func NewFreePageRecord(transNum, pageNum, prevLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_FREE_PAGE, transNum, pageNum, prevLSN, 0)
}

func NewUndoAllocPageRecord(transNum, pageNum, prevLSN, undoNextLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_UNDO_ALLOC_PAGE, transNum, pageNum, prevLSN, undoNextLSN)
}

func NewUndoFreePageRecord(transNum, pageNum, prevLSN, undoNextLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_UNDO_FREE_PAGE, transNum, pageNum, prevLSN, undoNextLSN)
}

// NewUpdatePageRecord 页内 offset 处的字节由 before 变为 after。
// before 为空时只能重做，after 为空时只能撤销。
func NewUpdatePageRecord(transNum, pageNum, prevLSN int64, offset int16, before, after []byte) *LogRecord {
	r := newPageRecord(LOG_TYPE_UPDATE_PAGE, transNum, pageNum, prevLSN, 0)
	r.offset = offset
	r.before = cloneBytes(before)
	r.after = cloneBytes(after)
	return r
}

func NewUndoUpdatePageRecord(transNum, pageNum, prevLSN, undoNextLSN int64, offset int16, after []byte) *LogRecord {
	r := newPageRecord(LOG_TYPE_UNDO_UPDATE_PAGE, transNum, pageNum, prevLSN, undoNextLSN)
	r.offset = offset
	r.after = cloneBytes(after)
	return r
}

func NewBeginCheckpointRecord(maxTransNum int64) *LogRecord {
	r := newRecord(LOG_TYPE_BEGIN_CHECKPOINT)
	r.maxTransNum = maxTransNum
	return r
}

// NewEndCheckpointRecord 参数在记录内部复制
func NewEndCheckpointRecord(dpt map[int64]int64, txnTable map[int64]TransactionSnapshot, touchedPages map[int64][]int64) *LogRecord {
	r := newRecord(LOG_TYPE_END_CHECKPOINT)
	r.dirtyPageTable = make(map[int64]int64, len(dpt))
	for k, v := range dpt {
		r.dirtyPageTable[k] = v
	}
	r.transactionTable = make(map[int64]TransactionSnapshot, len(txnTable))
	for k, v := range txnTable {
		r.transactionTable[k] = v
	}
	r.touchedPages = make(map[int64][]int64, len(touchedPages))
	for k, v := range touchedPages {
		r.touchedPages[k] = append([]int64(nil), v...)
	}
	return r
}

func NewCommitTransactionRecord(transNum, prevLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_COMMIT_TRANSACTION, transNum, 0, prevLSN, 0)
}

func NewAbortTransactionRecord(transNum, prevLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_ABORT_TRANSACTION, transNum, 0, prevLSN, 0)
}

func NewEndTransactionRecord(transNum, prevLSN int64) *LogRecord {
	return newPageRecord(LOG_TYPE_END_TRANSACTION, transNum, 0, prevLSN, 0)
}

// WithLSN 返回带有 LSN 的副本
func (r *LogRecord) WithLSN(lsn int64) *LogRecord {
	cp := *r
	cp.lsn = lsn
	return &cp
}

// LSN 未追加到日志的记录返回 -1
func (r *LogRecord) LSN() int64 {
	return r.lsn
}

func (r *LogRecord) Type() LogType {
	return r.logType
}

func (r *LogRecord) TransNum() (int64, bool) {
	return r.transNum, r.logType.hasTransaction()
}

func (r *LogRecord) PrevLSN() (int64, bool) {
	return r.prevLSN, r.logType.hasTransaction()
}

func (r *LogRecord) PageNum() (int64, bool) {
	return r.pageNum, r.logType.isPageScoped()
}

func (r *LogRecord) PartNum() (int32, bool) {
	return r.partNum, r.logType.isPartScoped()
}

func (r *LogRecord) UndoNextLSN() (int64, bool) {
	return r.undoNextLSN, r.logType.isCompensation()
}

func (r *LogRecord) Offset() int16 {
	return r.offset
}

func (r *LogRecord) Before() []byte {
	return r.before
}

func (r *LogRecord) After() []byte {
	return r.after
}

func (r *LogRecord) LastCheckpointLSN() int64 {
	return r.lastCheckpointLSN
}

func (r *LogRecord) MaxTransNum() (int64, bool) {
	return r.maxTransNum, r.logType == LOG_TYPE_BEGIN_CHECKPOINT
}

func (r *LogRecord) DirtyPageTable() map[int64]int64 {
	return r.dirtyPageTable
}

func (r *LogRecord) TransactionTable() map[int64]TransactionSnapshot {
	return r.transactionTable
}

func (r *LogRecord) TouchedPages() map[int64][]int64 {
	return r.touchedPages
}

func (r *LogRecord) IsUndoable() bool {
	switch r.logType {
	case LOG_TYPE_UPDATE_PAGE:
		return len(r.before) > 0
	case LOG_TYPE_ALLOC_PART, LOG_TYPE_FREE_PART, LOG_TYPE_ALLOC_PAGE, LOG_TYPE_FREE_PAGE:
		return true
	}
	return false
}

func (r *LogRecord) IsRedoable() bool {
	switch r.logType {
	case LOG_TYPE_UPDATE_PAGE:
		return len(r.after) > 0
	case LOG_TYPE_UNDO_UPDATE_PAGE,
		LOG_TYPE_ALLOC_PART, LOG_TYPE_UNDO_ALLOC_PART, LOG_TYPE_FREE_PART, LOG_TYPE_UNDO_FREE_PART,
		LOG_TYPE_ALLOC_PAGE, LOG_TYPE_UNDO_ALLOC_PAGE, LOG_TYPE_FREE_PAGE, LOG_TYPE_UNDO_FREE_PAGE:
		return true
	}
	return false
}

// Undo 生成撤销本记录的补偿日志，lastLSN 为事务当前最后一条日志。
// 第二个返回值表示追加补偿日志后是否必须立即刷盘。
func (r *LogRecord) Undo(lastLSN int64) (*LogRecord, bool, error) {
	if !r.IsUndoable() {
		return nil, false, errors.Annotatef(ErrRecordNotUndoable, "%s", r)
	}
	switch r.logType {
	case LOG_TYPE_UPDATE_PAGE:
		return NewUndoUpdatePageRecord(r.transNum, r.pageNum, lastLSN, r.prevLSN, r.offset, r.before), false, nil
	case LOG_TYPE_ALLOC_PAGE:
		return NewUndoAllocPageRecord(r.transNum, r.pageNum, lastLSN, r.prevLSN), true, nil
	case LOG_TYPE_FREE_PAGE:
		return NewUndoFreePageRecord(r.transNum, r.pageNum, lastLSN, r.prevLSN), true, nil
	case LOG_TYPE_ALLOC_PART:
		return NewUndoAllocPartRecord(r.transNum, r.partNum, lastLSN, r.prevLSN), true, nil
	default: // LOG_TYPE_FREE_PART
		return NewUndoFreePartRecord(r.transNum, r.partNum, lastLSN, r.prevLSN), true, nil
	}
}

// Redo 重新执行本记录的修改。分配/释放已生效时视为成功。
func (r *LogRecord) Redo(dbContext *concurrency.LockContext, dsm DiskSpaceManager, bm BufferManager) error {
	switch r.logType {
	case LOG_TYPE_ALLOC_PART, LOG_TYPE_UNDO_FREE_PART:
		return ignoreCause(dsm.AllocPart(r.partNum), basic.ErrPartAlreadyAllocated)
	case LOG_TYPE_FREE_PART, LOG_TYPE_UNDO_ALLOC_PART:
		return ignoreCause(dsm.FreePart(r.partNum), basic.ErrPartNotAllocated)
	case LOG_TYPE_ALLOC_PAGE, LOG_TYPE_UNDO_FREE_PAGE:
		return ignoreCause(dsm.AllocPage(r.pageNum), basic.ErrPageAlreadyAllocated)
	case LOG_TYPE_FREE_PAGE, LOG_TYPE_UNDO_ALLOC_PAGE:
		return ignoreCause(dsm.FreePage(r.pageNum), basic.ErrPageNotAllocated, basic.ErrPartNotAllocated)
	case LOG_TYPE_UPDATE_PAGE, LOG_TYPE_UNDO_UPDATE_PAGE:
		if len(r.after) == 0 {
			return nil
		}
		page, err := bm.FetchPage(PartitionContext(dbContext, basic.PartNum(r.pageNum)), r.pageNum, true)
		if err != nil {
			return errors.Annotatef(err, "redo %s", r)
		}
		defer page.Unpin()
		if err := page.WriteBytes(r.offset, r.after); err != nil {
			return errors.Annotatef(err, "redo %s", r)
		}
		page.SetPageLSN(r.lsn)
		return nil
	}
	return errors.Annotatef(ErrMalformedLog, "%s is not redoable", r)
}

func ignoreCause(err error, expected ...error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	for _, e := range expected {
		if cause == e {
			return nil
		}
	}
	return errors.Trace(err)
}

func (r *LogRecord) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LSN %d %s", r.lsn, r.logType)
	if r.logType.hasTransaction() {
		fmt.Fprintf(&b, " T%d prev=%d", r.transNum, r.prevLSN)
	}
	if r.logType.isPageScoped() {
		fmt.Fprintf(&b, " page=%d", r.pageNum)
	}
	if r.logType.isPartScoped() {
		fmt.Fprintf(&b, " part=%d", r.partNum)
	}
	if r.logType.isCompensation() {
		fmt.Fprintf(&b, " undoNext=%d", r.undoNextLSN)
	}
	switch r.logType {
	case LOG_TYPE_MASTER:
		fmt.Fprintf(&b, " checkpoint=%d", r.lastCheckpointLSN)
	case LOG_TYPE_BEGIN_CHECKPOINT:
		fmt.Fprintf(&b, " maxTrans=%d", r.maxTransNum)
	case LOG_TYPE_END_CHECKPOINT:
		fmt.Fprintf(&b, " dpt=%d txns=%d touched=%d", len(r.dirtyPageTable), len(r.transactionTable), len(r.touchedPages))
	}
	return b.String()
}

type logRecordJSON struct {
	LSN               int64                          `json:"lsn"`
	Type              string                         `json:"type"`
	TransNum          *int64                         `json:"transNum,omitempty"`
	PrevLSN           *int64                         `json:"prevLSN,omitempty"`
	PageNum           *int64                         `json:"pageNum,omitempty"`
	PartNum           *int32                         `json:"partNum,omitempty"`
	UndoNextLSN       *int64                         `json:"undoNextLSN,omitempty"`
	Offset            *int16                         `json:"offset,omitempty"`
	Before            []byte                         `json:"before,omitempty"`
	After             []byte                         `json:"after,omitempty"`
	LastCheckpointLSN *int64                         `json:"lastCheckpointLSN,omitempty"`
	MaxTransNum       *int64                         `json:"maxTransNum,omitempty"`
	DirtyPageTable    map[int64]int64                `json:"dirtyPageTable,omitempty"`
	TransactionTable  map[int64]transactionEntryJSON `json:"transactionTable,omitempty"`
	TouchedPages      map[int64][]int64              `json:"touchedPages,omitempty"`
}

type transactionEntryJSON struct {
	Status  string `json:"status"`
	LastLSN int64  `json:"lastLSN"`
}

// MarshalJSON 日志检查工具使用的 JSON 形式
func (r *LogRecord) MarshalJSON() ([]byte, error) {
	out := logRecordJSON{LSN: r.lsn, Type: r.logType.String()}
	if v, ok := r.TransNum(); ok {
		out.TransNum = &v
	}
	if v, ok := r.PrevLSN(); ok {
		out.PrevLSN = &v
	}
	if v, ok := r.PageNum(); ok {
		out.PageNum = &v
	}
	if v, ok := r.PartNum(); ok {
		out.PartNum = &v
	}
	if v, ok := r.UndoNextLSN(); ok {
		out.UndoNextLSN = &v
	}
	switch r.logType {
	case LOG_TYPE_UPDATE_PAGE, LOG_TYPE_UNDO_UPDATE_PAGE:
		offset := r.offset
		out.Offset = &offset
		out.Before, out.After = r.before, r.after
	case LOG_TYPE_MASTER:
		v := r.lastCheckpointLSN
		out.LastCheckpointLSN = &v
	case LOG_TYPE_BEGIN_CHECKPOINT:
		v := r.maxTransNum
		out.MaxTransNum = &v
	case LOG_TYPE_END_CHECKPOINT:
		out.DirtyPageTable = r.dirtyPageTable
		out.TouchedPages = r.touchedPages
		out.TransactionTable = make(map[int64]transactionEntryJSON, len(r.transactionTable))
		for k, v := range r.transactionTable {
			out.TransactionTable[k] = transactionEntryJSON{Status: v.Status.String(), LastLSN: v.LastLSN}
		}
	}
	return json.Marshal(out)
}
