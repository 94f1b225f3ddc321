package recovery

import (
	"container/heap"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
)

// Restart 崩溃后重启：同步执行分析与重做，返回的函数执行撤销并做检查点。
// 撤销完成前不应开始新事务对已加锁页的访问。
func (rm *ARIESRecoveryManager) Restart() (func() error, error) {
	if err := rm.restartAnalysis(); err != nil {
		return nil, errors.Annotate(err, "analysis")
	}
	if err := rm.restartRedo(); err != nil {
		return nil, errors.Annotate(err, "redo")
	}
	rm.bufferManager.IterPageNums(func(pageNum int64, dirty bool) {
		if !dirty {
			rm.dirtyPages.remove(pageNum)
		}
	})
	logger.Infof("recovery: analysis and redo done, %d dirty pages, %d transactions to roll back",
		len(rm.dirtyPages.snapshot()), rm.transactions.len())

	return func() error {
		if err := rm.restartUndo(); err != nil {
			return errors.Annotate(err, "undo")
		}
		return rm.Checkpoint()
	}, nil
}

func (rm *ARIESRecoveryManager) restartAnalysis() error {
	master, err := rm.logManager.FetchLogRecord(0)
	if err != nil {
		return errors.Annotatef(ErrMissingMasterRecord, "%v", err)
	}
	if master.Type() != LOG_TYPE_MASTER {
		return errors.Annotatef(ErrMissingMasterRecord, "LSN 0 holds %s", master.Type())
	}

	ended := make(map[int64]struct{})
	it := rm.logManager.ScanFrom(master.LastCheckpointLSN())
	for it.Next() {
		rec := it.Record()
		if transNum, ok := rec.TransNum(); ok {
			if err := rm.analyzeTransactionRecord(transNum, rec, ended); err != nil {
				return err
			}
			continue
		}
		switch rec.Type() {
		case LOG_TYPE_BEGIN_CHECKPOINT:
			if maxTransNum, ok := rec.MaxTransNum(); ok {
				rm.txnCounter.Update(maxTransNum)
			}
		case LOG_TYPE_END_CHECKPOINT:
			if err := rm.analyzeEndCheckpoint(rec, ended); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return errors.Trace(err)
	}

	for _, e := range rm.transactions.snapshot() {
		txn := e.Transaction
		switch txn.Status() {
		case basic.TRX_STATE_COMMITTING:
			if _, err := rm.appendFor(e, NewEndTransactionRecord(txn.TransNum(), e.LastLSN())); err != nil {
				return err
			}
			txn.Cleanup()
			txn.SetStatus(basic.TRX_STATE_COMPLETE)
			rm.transactions.remove(txn.TransNum())
		case basic.TRX_STATE_RUNNING:
			if _, err := rm.appendFor(e, NewAbortTransactionRecord(txn.TransNum(), e.LastLSN())); err != nil {
				return err
			}
			txn.SetStatus(basic.TRX_STATE_RECOVERY_ABORTING)
		case basic.TRX_STATE_COMPLETE:
			txn.Cleanup()
			rm.transactions.remove(txn.TransNum())
		}
	}
	return nil
}

func (rm *ARIESRecoveryManager) analyzeTransactionRecord(transNum int64, rec *LogRecord, ended map[int64]struct{}) error {
	e := rm.transactions.getOrCreate(transNum, rm.newTransaction)
	e.raiseLastLSN(rec.LSN())
	rm.txnCounter.Update(transNum)

	if partNum, ok := rec.PartNum(); ok && rec.Type().freesPartition() {
		rm.dirtyPages.removePartition(partNum)
	}
	if pageNum, ok := rec.PageNum(); ok {
		e.touchPage(pageNum)
		if err := rm.acquireTransactionLock(e.Transaction, PageContext(rm.dbContext, pageNum), concurrency.X); err != nil {
			return err
		}
		if rec.Type().allocatesOrFrees() {
			rm.dirtyPages.remove(pageNum)
		} else {
			rm.dirtyPages.putIfAbsent(pageNum, rec.LSN())
		}
	}

	txn := e.Transaction
	switch rec.Type() {
	case LOG_TYPE_COMMIT_TRANSACTION:
		txn.SetStatus(basic.TRX_STATE_COMMITTING)
	case LOG_TYPE_ABORT_TRANSACTION:
		txn.SetStatus(basic.TRX_STATE_RECOVERY_ABORTING)
	case LOG_TYPE_END_TRANSACTION:
		txn.Cleanup()
		txn.SetStatus(basic.TRX_STATE_COMPLETE)
		rm.transactions.remove(transNum)
		ended[transNum] = struct{}{}
	}
	return nil
}

// analyzeEndCheckpoint 合并检查点快照；已经看到结束记录的事务不再恢复
func (rm *ARIESRecoveryManager) analyzeEndCheckpoint(rec *LogRecord, ended map[int64]struct{}) error {
	for pageNum, recLSN := range rec.DirtyPageTable() {
		rm.dirtyPages.put(pageNum, recLSN)
	}

	txnTable := rec.TransactionTable()
	for _, transNum := range sortedKeys(txnTable) {
		if _, ok := ended[transNum]; ok {
			continue
		}
		snap := txnTable[transNum]
		e := rm.transactions.getOrCreate(transNum, rm.newTransaction)
		e.raiseLastLSN(snap.LastLSN)
		rm.txnCounter.Update(transNum)
		if e.Transaction.Status() == basic.TRX_STATE_RUNNING {
			switch snap.Status {
			case basic.TRX_STATE_COMMITTING:
				e.Transaction.SetStatus(basic.TRX_STATE_COMMITTING)
			case basic.TRX_STATE_ABORTING, basic.TRX_STATE_RECOVERY_ABORTING:
				e.Transaction.SetStatus(basic.TRX_STATE_RECOVERY_ABORTING)
			}
		}
	}

	touched := rec.TouchedPages()
	for _, transNum := range sortedKeys(touched) {
		if _, ok := ended[transNum]; ok {
			continue
		}
		e := rm.transactions.getOrCreate(transNum, rm.newTransaction)
		for _, pageNum := range touched[transNum] {
			e.touchPage(pageNum)
			if e.Transaction.Status() == basic.TRX_STATE_COMPLETE {
				continue
			}
			if err := rm.acquireTransactionLock(e.Transaction, PageContext(rm.dbContext, pageNum), concurrency.X); err != nil {
				return err
			}
		}
	}
	return nil
}

// restartRedo 从最小 recLSN 开始重放。分区记录总是重做，
// 页记录仅当页在脏页表中、LSN 不早于 recLSN 且晚于页上的 pageLSN 时重做；
// 更新类记录所在的页已不存在时跳过。
func (rm *ARIESRecoveryManager) restartRedo() error {
	start, ok := rm.dirtyPages.minRecLSN()
	if !ok {
		return nil
	}
	redone := 0
	it := rm.logManager.ScanFrom(start)
	for it.Next() {
		rec := it.Record()
		if !rec.IsRedoable() {
			continue
		}
		if _, ok := rec.PartNum(); ok {
			if err := rec.Redo(rm.dbContext, rm.diskSpaceManager, rm.bufferManager); err != nil {
				return err
			}
			redone++
			continue
		}
		pageNum, ok := rec.PageNum()
		if !ok {
			continue
		}
		recLSN, ok := rm.dirtyPages.get(pageNum)
		if !ok || rec.LSN() < recLSN {
			continue
		}
		pageLSN := int64(-1)
		if !rec.Type().allocatesOrFrees() {
			if !rm.diskSpaceManager.PageAllocated(pageNum) {
				continue
			}
			page, err := rm.bufferManager.FetchPage(PartitionContext(rm.dbContext, basic.PartNum(pageNum)), pageNum, false)
			if err != nil {
				return errors.Annotatef(err, "redo %s", rec)
			}
			pageLSN = page.PageLSN()
			page.Unpin()
		}
		if pageLSN >= rec.LSN() {
			continue
		}
		if err := rec.Redo(rm.dbContext, rm.diskSpaceManager, rm.bufferManager); err != nil {
			return err
		}
		redone++
	}
	if err := it.Err(); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("recovery: redo from LSN %d applied %d records", start, redone)
	return nil
}

// undoCursor 撤销阶段每个事务一项，cursor 为下一条要检查的日志
type undoCursor struct {
	entry  *TransactionTableEntry
	cursor int64
}

// undoQueue 按 cursor 从大到小出队
type undoQueue []*undoCursor

func (q undoQueue) Len() int            { return len(q) }
func (q undoQueue) Less(i, j int) bool  { return q[i].cursor > q[j].cursor }
func (q undoQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *undoQueue) Push(x interface{}) { *q = append(*q, x.(*undoCursor)) }
func (q *undoQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (rm *ARIESRecoveryManager) restartUndo() error {
	q := &undoQueue{}
	for _, e := range rm.transactions.snapshot() {
		if e.Transaction.Status() == basic.TRX_STATE_RECOVERY_ABORTING {
			*q = append(*q, &undoCursor{entry: e, cursor: e.LastLSN()})
		}
	}
	heap.Init(q)

	for q.Len() > 0 {
		top := (*q)[0]
		if top.cursor > 0 {
			rec, err := rm.logManager.FetchLogRecord(top.cursor)
			if err != nil {
				return errors.Annotatef(err, "undo T%d", top.entry.Transaction.TransNum())
			}
			if rec.IsUndoable() {
				if err := rm.undoRecord(top.entry, rec); err != nil {
					return err
				}
			}
			top.cursor = nextUndoLSN(rec)
		}
		if top.cursor > 0 {
			heap.Fix(q, 0)
			continue
		}

		heap.Pop(q)
		txn := top.entry.Transaction
		if _, err := rm.appendFor(top.entry, NewEndTransactionRecord(txn.TransNum(), top.entry.LastLSN())); err != nil {
			return err
		}
		txn.Cleanup()
		txn.SetStatus(basic.TRX_STATE_COMPLETE)
		rm.transactions.remove(txn.TransNum())
	}
	return nil
}
