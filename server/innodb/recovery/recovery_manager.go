package recovery

import (
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
)

// TransactionCounter 全局事务号计数器，重启时用检查点中的最大事务号推进
type TransactionCounter interface {
	Get() int64
	// Update 将计数器推进到至少 transNum
	Update(transNum int64)
}

// Options 恢复管理器配置
type Options struct {
	// EffectivePageSize 页内可用字节数，决定页写日志的拆分和检查点记录的大小
	EffectivePageSize int
	// DisableLocking 恢复期间只记录锁请求而不真正加锁
	DisableLocking bool
	// CheckpointOnClose Close 时先做一次检查点
	CheckpointOnClose bool
}

func DefaultOptions() Options {
	return Options{EffectivePageSize: basic.EFFECTIVE_PAGE_SIZE, CheckpointOnClose: true}
}

// ARIESRecoveryManager 基于 ARIES 的恢复管理器。正常运行时记录日志并维护
// 事务表与脏页表，重启时依次执行分析、重做、撤销。
type ARIESRecoveryManager struct {
	dbContext      *concurrency.LockContext
	newTransaction func(transNum int64) basic.Transaction
	txnCounter     TransactionCounter
	opts           Options

	diskSpaceManager DiskSpaceManager
	bufferManager    BufferManager
	logManager       LogManager

	dirtyPages   *dirtyPageTable
	transactions *transactionTable

	// checkpointMu 保证同一时刻只有一个检查点
	checkpointMu sync.Mutex

	lockRequestsMu sync.Mutex
	lockRequests   []string
}

func NewARIESRecoveryManager(dbContext *concurrency.LockContext, newTransaction func(int64) basic.Transaction,
	counter TransactionCounter, opts Options) *ARIESRecoveryManager {
	if opts.EffectivePageSize <= 0 {
		opts.EffectivePageSize = basic.EFFECTIVE_PAGE_SIZE
	}
	return &ARIESRecoveryManager{
		dbContext:      dbContext,
		newTransaction: newTransaction,
		txnCounter:     counter,
		opts:           opts,
		dirtyPages:     newDirtyPageTable(),
		transactions:   newTransactionTable(),
	}
}

// SetManagers 缓冲池与恢复管理器相互依赖，因此在构造之后注入
func (rm *ARIESRecoveryManager) SetManagers(dsm DiskSpaceManager, bm BufferManager, lm LogManager) {
	rm.diskSpaceManager = dsm
	rm.bufferManager = bm
	rm.logManager = lm
}

// Initialize 仅在数据库首次创建时调用：写入主记录并做一次检查点
func (rm *ARIESRecoveryManager) Initialize() error {
	if _, err := rm.logManager.AppendToLog(NewMasterRecord(0)); err != nil {
		return errors.Trace(err)
	}
	return rm.Checkpoint()
}

// StartTransaction 将新事务加入事务表
func (rm *ARIESRecoveryManager) StartTransaction(txn basic.Transaction) {
	rm.transactions.put(txn.TransNum(), newTransactionTableEntry(txn))
}

func (rm *ARIESRecoveryManager) entry(transNum int64) (*TransactionTableEntry, error) {
	e, ok := rm.transactions.get(transNum)
	if !ok {
		return nil, errors.Annotatef(ErrTransactionNotFound, "T%d", transNum)
	}
	return e, nil
}

// appendFor 追加事务的日志并推进其 lastLSN，返回带 LSN 的记录
func (rm *ARIESRecoveryManager) appendFor(e *TransactionTableEntry, rec *LogRecord) (*LogRecord, error) {
	lsn, err := rm.logManager.AppendToLog(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.setLastLSN(lsn)
	return rec.WithLSN(lsn), nil
}

// Commit 写入提交记录并刷盘，事务进入 COMMITTING
func (rm *ARIESRecoveryManager) Commit(transNum int64) (int64, error) {
	e, err := rm.entry(transNum)
	if err != nil {
		return 0, err
	}
	rec, err := rm.appendFor(e, NewCommitTransactionRecord(transNum, e.LastLSN()))
	if err != nil {
		return 0, err
	}
	if err := rm.logManager.FlushToLSN(rec.LSN()); err != nil {
		return 0, errors.Trace(err)
	}
	e.Transaction.SetStatus(basic.TRX_STATE_COMMITTING)
	return rec.LSN(), nil
}

// Abort 写入中止记录，事务进入 ABORTING，真正的回滚在 End 中进行
func (rm *ARIESRecoveryManager) Abort(transNum int64) (int64, error) {
	e, err := rm.entry(transNum)
	if err != nil {
		return 0, err
	}
	rec, err := rm.appendFor(e, NewAbortTransactionRecord(transNum, e.LastLSN()))
	if err != nil {
		return 0, err
	}
	e.Transaction.SetStatus(basic.TRX_STATE_ABORTING)
	return rec.LSN(), nil
}

// End 结束事务。ABORTING 的事务先回滚全部修改。
func (rm *ARIESRecoveryManager) End(transNum int64) (int64, error) {
	e, err := rm.entry(transNum)
	if err != nil {
		return 0, err
	}
	if e.Transaction.Status() == basic.TRX_STATE_ABORTING {
		if err := rm.rollbackToLSN(e, 0); err != nil {
			return 0, err
		}
	}
	rec, err := rm.appendFor(e, NewEndTransactionRecord(transNum, e.LastLSN()))
	if err != nil {
		return 0, err
	}
	rm.transactions.remove(transNum)
	e.Transaction.SetStatus(basic.TRX_STATE_COMPLETE)
	return rec.LSN(), nil
}

// rollbackToLSN 撤销事务在 lsn 之后的全部修改，每撤销一条写一条补偿日志
func (rm *ARIESRecoveryManager) rollbackToLSN(e *TransactionTableEntry, lsn int64) error {
	cursor := e.LastLSN()
	for cursor > lsn {
		rec, err := rm.logManager.FetchLogRecord(cursor)
		if err != nil {
			return errors.Annotatef(err, "rollback T%d", e.Transaction.TransNum())
		}
		if rec.IsUndoable() {
			if err := rm.undoRecord(e, rec); err != nil {
				return err
			}
		}
		cursor = nextUndoLSN(rec)
	}
	return nil
}

// undoRecord 为 rec 写补偿日志并执行
func (rm *ARIESRecoveryManager) undoRecord(e *TransactionTableEntry, rec *LogRecord) error {
	clr, flush, err := rec.Undo(e.LastLSN())
	if err != nil {
		return errors.Trace(err)
	}
	clr, err = rm.appendFor(e, clr)
	if err != nil {
		return err
	}
	if flush {
		if err := rm.logManager.FlushToLSN(clr.LSN()); err != nil {
			return errors.Trace(err)
		}
	}
	rm.trackPageRecord(e, clr)
	return errors.Trace(clr.Redo(rm.dbContext, rm.diskSpaceManager, rm.bufferManager))
}

// nextUndoLSN 补偿日志跳到 undoNextLSN，其余沿 prevLSN
func nextUndoLSN(rec *LogRecord) int64 {
	if next, ok := rec.UndoNextLSN(); ok {
		return next
	}
	prev, _ := rec.PrevLSN()
	return prev
}

// trackPageRecord 按页记录维护 touchedPages 与脏页表
func (rm *ARIESRecoveryManager) trackPageRecord(e *TransactionTableEntry, rec *LogRecord) {
	if partNum, ok := rec.PartNum(); ok && rec.Type().freesPartition() {
		rm.dirtyPages.removePartition(partNum)
		return
	}
	pageNum, ok := rec.PageNum()
	if !ok {
		return
	}
	e.touchPage(pageNum)
	if rec.Type().allocatesOrFrees() {
		rm.dirtyPages.remove(pageNum)
	} else {
		rm.dirtyPages.putIfAbsent(pageNum, rec.LSN())
	}
}

// PageFlushHook 页写回磁盘前调用，保证日志先于数据落盘
func (rm *ARIESRecoveryManager) PageFlushHook(pageLSN int64) error {
	return errors.Trace(rm.logManager.FlushToLSN(pageLSN))
}

// DiskIOHook 页写回磁盘后调用，页不再是脏页
func (rm *ARIESRecoveryManager) DiskIOHook(pageNum int64) {
	rm.dirtyPages.remove(pageNum)
}

// LogPageWrite 记录页内修改，返回最后一条日志的 LSN。
// after 超过半页时拆成只撤销和只重做两条记录。
func (rm *ARIESRecoveryManager) LogPageWrite(transNum, pageNum int64, offset int16, before, after []byte) (int64, error) {
	e, err := rm.entry(transNum)
	if err != nil {
		return 0, err
	}
	var rec *LogRecord
	if len(after) > rm.opts.EffectivePageSize/2 {
		undoOnly, err := rm.appendFor(e, NewUpdatePageRecord(transNum, pageNum, e.LastLSN(), offset, before, nil))
		if err != nil {
			return 0, err
		}
		rec, err = rm.appendFor(e, NewUpdatePageRecord(transNum, pageNum, undoOnly.LSN(), offset, nil, after))
		if err != nil {
			return 0, err
		}
	} else {
		rec, err = rm.appendFor(e, NewUpdatePageRecord(transNum, pageNum, e.LastLSN(), offset, before, after))
		if err != nil {
			return 0, err
		}
	}
	rm.trackPageRecord(e, rec)
	return rec.LSN(), nil
}

// LogAllocPart 记录分区分配并刷盘，日志分区返回 -1
func (rm *ARIESRecoveryManager) LogAllocPart(transNum int64, partNum int32) (int64, error) {
	if partNum == basic.LOG_PARTITION {
		return -1, nil
	}
	return rm.logAndFlush(transNum, func(prevLSN int64) *LogRecord {
		return NewAllocPartRecord(transNum, partNum, prevLSN)
	})
}

// LogFreePart 记录分区释放并刷盘，分区内的页移出脏页表，日志分区返回 -1
func (rm *ARIESRecoveryManager) LogFreePart(transNum int64, partNum int32) (int64, error) {
	if partNum == basic.LOG_PARTITION {
		return -1, nil
	}
	return rm.logAndFlush(transNum, func(prevLSN int64) *LogRecord {
		return NewFreePartRecord(transNum, partNum, prevLSN)
	})
}

// LogAllocPage 记录页分配并刷盘，日志分区中的页返回 -1
func (rm *ARIESRecoveryManager) LogAllocPage(transNum, pageNum int64) (int64, error) {
	if basic.PartNum(pageNum) == basic.LOG_PARTITION {
		return -1, nil
	}
	return rm.logAndFlush(transNum, func(prevLSN int64) *LogRecord {
		return NewAllocPageRecord(transNum, pageNum, prevLSN)
	})
}

// LogFreePage 记录页释放并刷盘，同时移出脏页表
func (rm *ARIESRecoveryManager) LogFreePage(transNum, pageNum int64) (int64, error) {
	if basic.PartNum(pageNum) == basic.LOG_PARTITION {
		return -1, nil
	}
	return rm.logAndFlush(transNum, func(prevLSN int64) *LogRecord {
		return NewFreePageRecord(transNum, pageNum, prevLSN)
	})
}

func (rm *ARIESRecoveryManager) logAndFlush(transNum int64, build func(prevLSN int64) *LogRecord) (int64, error) {
	e, err := rm.entry(transNum)
	if err != nil {
		return 0, err
	}
	rec, err := rm.appendFor(e, build(e.LastLSN()))
	if err != nil {
		return 0, err
	}
	if err := rm.logManager.FlushToLSN(rec.LSN()); err != nil {
		return 0, errors.Trace(err)
	}
	rm.trackPageRecord(e, rec)
	return rec.LSN(), nil
}

// Savepoint 以事务当前的 lastLSN 创建保存点，同名覆盖
func (rm *ARIESRecoveryManager) Savepoint(transNum int64, name string) error {
	e, err := rm.entry(transNum)
	if err != nil {
		return err
	}
	e.addSavepoint(name)
	return nil
}

func (rm *ARIESRecoveryManager) ReleaseSavepoint(transNum int64, name string) error {
	e, err := rm.entry(transNum)
	if err != nil {
		return err
	}
	if !e.deleteSavepoint(name) {
		return errors.Annotatef(ErrSavepointNotFound, "T%d %q", transNum, name)
	}
	return nil
}

// RollbackToSavepoint 撤销保存点之后的全部修改，事务状态不变
func (rm *ARIESRecoveryManager) RollbackToSavepoint(transNum int64, name string) error {
	e, err := rm.entry(transNum)
	if err != nil {
		return err
	}
	lsn, ok := e.savepoint(name)
	if !ok {
		return errors.Annotatef(ErrSavepointNotFound, "T%d %q", transNum, name)
	}
	return rm.rollbackToLSN(e, lsn)
}

// Close 关闭日志，按配置先做最后一次检查点
func (rm *ARIESRecoveryManager) Close() error {
	if rm.opts.CheckpointOnClose {
		if err := rm.Checkpoint(); err != nil {
			return err
		}
	}
	return errors.Trace(rm.logManager.Close())
}

// DirtyPageTable 脏页表快照
func (rm *ARIESRecoveryManager) DirtyPageTable() map[int64]int64 {
	return rm.dirtyPages.snapshot()
}

// TransactionTableEntry 返回事务表项
func (rm *ARIESRecoveryManager) TransactionTableEntry(transNum int64) (*TransactionTableEntry, bool) {
	return rm.transactions.get(transNum)
}

// ActiveTransactions 事务表中的事务号，升序
func (rm *ARIESRecoveryManager) ActiveTransactions() []int64 {
	entries := rm.transactions.snapshot()
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Transaction.TransNum())
	}
	return out
}

// LockRequests 关闭加锁时恢复过程中记录的锁请求
func (rm *ARIESRecoveryManager) LockRequests() []string {
	rm.lockRequestsMu.Lock()
	defer rm.lockRequestsMu.Unlock()
	return append([]string(nil), rm.lockRequests...)
}

// PartitionContext 分区的锁上下文
func PartitionContext(dbContext *concurrency.LockContext, partNum int32) *concurrency.LockContext {
	return dbContext.ChildContext("partition", int64(partNum))
}

// PageContext 页的锁上下文，位于其所在分区之下
func PageContext(dbContext *concurrency.LockContext, pageNum int64) *concurrency.LockContext {
	return PartitionContext(dbContext, basic.PartNum(pageNum)).ChildContext("page", pageNum)
}

// acquireTransactionLock 为事务加锁，必要时补齐祖先上的意向锁
func (rm *ARIESRecoveryManager) acquireTransactionLock(txn basic.Transaction, ctx *concurrency.LockContext, lockType concurrency.LockType) error {
	if rm.opts.DisableLocking {
		rm.lockRequestsMu.Lock()
		rm.lockRequests = append(rm.lockRequests,
			fmt.Sprintf("request %d %s(%s)", txn.TransNum(), lockType, ctx.ResourceName()))
		rm.lockRequestsMu.Unlock()
		return nil
	}
	if err := concurrency.EnsureSufficientLockHeld(txn, ctx, lockType); err != nil {
		logger.Warnf("recovery: lock %s on %s for T%d: %v", lockType, ctx.ResourceName(), txn.TransNum(), err)
		return errors.Trace(err)
	}
	return nil
}
