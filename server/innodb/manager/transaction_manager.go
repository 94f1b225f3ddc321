package manager

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

// TransactionCounter 全局事务号，单调递增
type TransactionCounter struct {
	n atomic.Int64
}

func (c *TransactionCounter) Get() int64 {
	return c.n.Load()
}

// Update 推进到至少 transNum
func (c *TransactionCounter) Update(transNum int64) {
	for {
		cur := c.n.Load()
		if transNum <= cur || c.n.CompareAndSwap(cur, transNum) {
			return
		}
	}
}

// Next 分配下一个事务号
func (c *TransactionCounter) Next() int64 {
	return c.n.Add(1)
}

// TransactionManager 事务管理器：事务的开始与结束，加锁后经恢复管理器记日志再修改页
type TransactionManager struct {
	mu                 sync.RWMutex
	activeTransactions map[int64]*Transaction // 活跃事务

	lockManager *concurrency.LockManager
	dbContext   *concurrency.LockContext
	recovery    *recovery.ARIESRecoveryManager
	bufferPool  *BufferPoolManager
	counter     *TransactionCounter
}

// NewTransactionManager 组装恢复管理器并注册为缓冲池的回调
func NewTransactionManager(lm *concurrency.LockManager, bpm *BufferPoolManager, logManager recovery.LogManager, opts recovery.Options) *TransactionManager {
	tm := &TransactionManager{
		activeTransactions: make(map[int64]*Transaction),
		lockManager:        lm,
		dbContext:          lm.Context("database", 0),
		bufferPool:         bpm,
		counter:            &TransactionCounter{},
	}
	tm.recovery = recovery.NewARIESRecoveryManager(tm.dbContext, tm.NewTransaction, tm.counter, opts)
	tm.recovery.SetManagers(bpm, bpm, logManager)
	bpm.SetRecoveryHooks(tm.recovery)
	return tm
}

func (tm *TransactionManager) Recovery() *recovery.ARIESRecoveryManager {
	return tm.recovery
}

func (tm *TransactionManager) DatabaseContext() *concurrency.LockContext {
	return tm.dbContext
}

func (tm *TransactionManager) Counter() *TransactionCounter {
	return tm.counter
}

// NewTransaction 恢复时重建日志中出现的事务，直到恢复结束前都是活跃事务
func (tm *TransactionManager) NewTransaction(transNum int64) basic.Transaction {
	trx := &Transaction{ID: transNum, tm: tm, status: basic.TRX_STATE_RUNNING}
	tm.mu.Lock()
	tm.activeTransactions[transNum] = trx
	tm.mu.Unlock()
	return trx
}

// Begin 开始新事务
func (tm *TransactionManager) Begin() *Transaction {
	trx := &Transaction{ID: tm.counter.Next(), tm: tm, status: basic.TRX_STATE_RUNNING}
	tm.recovery.StartTransaction(trx)

	tm.mu.Lock()
	tm.activeTransactions[trx.ID] = trx
	tm.mu.Unlock()
	return trx
}

// GetTransaction 获取活跃事务
func (tm *TransactionManager) GetTransaction(trxID int64) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTransactions[trxID]
}

func (tm *TransactionManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeTransactions)
}

func (tm *TransactionManager) forget(trxID int64) {
	tm.mu.Lock()
	delete(tm.activeTransactions, trxID)
	tm.mu.Unlock()
}

// Close 关闭恢复管理器及日志
func (tm *TransactionManager) Close() error {
	return tm.recovery.Close()
}

// Transaction 一个事务。页读写前按需加锁，锁在事务结束时统一释放。
type Transaction struct {
	ID int64
	tm *TransactionManager

	mu     sync.Mutex
	status basic.TransactionStatus
}

func (trx *Transaction) TransNum() int64 {
	return trx.ID
}

func (trx *Transaction) Status() basic.TransactionStatus {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.status
}

func (trx *Transaction) SetStatus(status basic.TransactionStatus) {
	trx.mu.Lock()
	trx.status = status
	trx.mu.Unlock()
}

// Cleanup 释放事务持有的全部锁
func (trx *Transaction) Cleanup() {
	if err := concurrency.ReleaseAll(trx.tm.lockManager, trx); err != nil {
		logger.Errorf("release locks of T%d: %v", trx.ID, err)
	}
	trx.tm.forget(trx.ID)
}

func (trx *Transaction) checkRunning() error {
	if s := trx.Status(); s != basic.TRX_STATE_RUNNING {
		return errors.Annotatef(ErrInvalidTrxState, "T%d is %s", trx.ID, s)
	}
	return nil
}

func (trx *Transaction) lockPage(pageNum int64, lockType concurrency.LockType) error {
	return concurrency.EnsureSufficientLockHeld(trx, recovery.PageContext(trx.tm.dbContext, pageNum), lockType)
}

func (trx *Transaction) fetchPage(pageNum int64, markDirty bool) (recovery.Page, error) {
	parent := recovery.PartitionContext(trx.tm.dbContext, basic.PartNum(pageNum))
	return trx.tm.bufferPool.FetchPage(parent, pageNum, markDirty)
}

// Read 在 S 锁下读取页内容
func (trx *Transaction) Read(pageNum int64, offset int16, n int) ([]byte, error) {
	if err := trx.checkRunning(); err != nil {
		return nil, err
	}
	if err := trx.lockPage(pageNum, concurrency.S); err != nil {
		return nil, errors.Trace(err)
	}
	page, err := trx.fetchPage(pageNum, false)
	if err != nil {
		return nil, err
	}
	defer page.Unpin()
	return page.ReadBytes(offset, n)
}

// Write 在 X 锁下先记日志再修改页
func (trx *Transaction) Write(pageNum int64, offset int16, data []byte) error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	if err := trx.lockPage(pageNum, concurrency.X); err != nil {
		return errors.Trace(err)
	}
	page, err := trx.fetchPage(pageNum, true)
	if err != nil {
		return err
	}
	defer page.Unpin()

	before, err := page.ReadBytes(offset, len(data))
	if err != nil {
		return err
	}
	lsn, err := trx.tm.recovery.LogPageWrite(trx.ID, pageNum, offset, before, data)
	if err != nil {
		return err
	}
	if err := page.WriteBytes(offset, data); err != nil {
		return err
	}
	page.SetPageLSN(lsn)
	return nil
}

// AllocPart 分配分区，需要分区上的 X 锁
func (trx *Transaction) AllocPart(partNum int32) error {
	if err := trx.lockPart(partNum); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.LogAllocPart(trx.ID, partNum); err != nil {
		return err
	}
	return trx.tm.bufferPool.AllocPart(partNum)
}

func (trx *Transaction) FreePart(partNum int32) error {
	if err := trx.lockPart(partNum); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.LogFreePart(trx.ID, partNum); err != nil {
		return err
	}
	return trx.tm.bufferPool.FreePart(partNum)
}

func (trx *Transaction) lockPart(partNum int32) error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	ctx := recovery.PartitionContext(trx.tm.dbContext, partNum)
	return errors.Trace(concurrency.EnsureSufficientLockHeld(trx, ctx, concurrency.X))
}

// AllocPage 分配页，需要页上的 X 锁
func (trx *Transaction) AllocPage(pageNum int64) error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	if err := trx.lockPage(pageNum, concurrency.X); err != nil {
		return errors.Trace(err)
	}
	if _, err := trx.tm.recovery.LogAllocPage(trx.ID, pageNum); err != nil {
		return err
	}
	return trx.tm.bufferPool.AllocPage(pageNum)
}

func (trx *Transaction) FreePage(pageNum int64) error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	if err := trx.lockPage(pageNum, concurrency.X); err != nil {
		return errors.Trace(err)
	}
	if _, err := trx.tm.recovery.LogFreePage(trx.ID, pageNum); err != nil {
		return err
	}
	return trx.tm.bufferPool.FreePage(pageNum)
}

func (trx *Transaction) Savepoint(name string) error {
	return trx.tm.recovery.Savepoint(trx.ID, name)
}

func (trx *Transaction) ReleaseSavepoint(name string) error {
	return trx.tm.recovery.ReleaseSavepoint(trx.ID, name)
}

// RollbackToSavepoint 撤销保存点之后的修改，已获得的锁保留
func (trx *Transaction) RollbackToSavepoint(name string) error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	return trx.tm.recovery.RollbackToSavepoint(trx.ID, name)
}

// Commit 提交并结束事务
func (trx *Transaction) Commit() error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.Commit(trx.ID); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.End(trx.ID); err != nil {
		return err
	}
	trx.Cleanup()
	return nil
}

// Rollback 中止事务，撤销全部修改后结束
func (trx *Transaction) Rollback() error {
	if err := trx.checkRunning(); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.Abort(trx.ID); err != nil {
		return err
	}
	if _, err := trx.tm.recovery.End(trx.ID); err != nil {
		return err
	}
	trx.Cleanup()
	return nil
}
