package recovery

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
)

// checkpointBuilder 将快照按页大小切分为多条结束检查点记录
type checkpointBuilder struct {
	pageSize int

	dpt          map[int64]int64
	txnTable     map[int64]TransactionSnapshot
	touchedPages map[int64][]int64
	numPages     int

	records []*LogRecord
}

func newCheckpointBuilder(pageSize int) *checkpointBuilder {
	b := &checkpointBuilder{pageSize: pageSize}
	b.reset()
	return b
}

func (b *checkpointBuilder) reset() {
	b.dpt = make(map[int64]int64)
	b.txnTable = make(map[int64]TransactionSnapshot)
	b.touchedPages = make(map[int64][]int64)
	b.numPages = 0
}

func (b *checkpointBuilder) fits(numDPT, numTxns, numTouched, numPages int) bool {
	if numDPT > maxCheckpointTableLength || numTxns > maxCheckpointTableLength || numTouched > maxCheckpointTableLength {
		return false
	}
	return EndCheckpointFits(numDPT, numTxns, numTouched, numPages, b.pageSize)
}

func (b *checkpointBuilder) emit() {
	b.records = append(b.records, NewEndCheckpointRecord(b.dpt, b.txnTable, b.touchedPages))
	b.reset()
}

func (b *checkpointBuilder) addDirtyPage(pageNum, recLSN int64) {
	if !b.fits(len(b.dpt)+1, len(b.txnTable), len(b.touchedPages), b.numPages) {
		b.emit()
	}
	b.dpt[pageNum] = recLSN
}

func (b *checkpointBuilder) addTransaction(transNum int64, snap TransactionSnapshot) {
	if !b.fits(len(b.dpt), len(b.txnTable)+1, len(b.touchedPages), b.numPages) {
		b.emit()
	}
	b.txnTable[transNum] = snap
}

func (b *checkpointBuilder) addTouchedPage(transNum, pageNum int64) {
	pages, ok := b.touchedPages[transNum]
	numTouched := len(b.touchedPages)
	if !ok {
		numTouched++
	}
	if !b.fits(len(b.dpt), len(b.txnTable), numTouched, b.numPages+1) || len(pages) == maxCheckpointTableLength {
		b.emit()
		pages = nil
	}
	b.touchedPages[transNum] = append(pages, pageNum)
	b.numPages++
}

// finish 返回全部结束检查点记录，至少一条
func (b *checkpointBuilder) finish() []*LogRecord {
	b.emit()
	return b.records
}

// Checkpoint 写入开始检查点记录，随后是一条或多条结束检查点记录，
// 刷盘后将主记录指向开始记录。
func (rm *ARIESRecoveryManager) Checkpoint() error {
	rm.checkpointMu.Lock()
	defer rm.checkpointMu.Unlock()

	beginLSN, err := rm.logManager.AppendToLog(NewBeginCheckpointRecord(rm.txnCounter.Get()))
	if err != nil {
		return errors.Trace(err)
	}

	b := newCheckpointBuilder(rm.opts.EffectivePageSize)
	dpt := rm.dirtyPages.snapshot()
	for _, pageNum := range sortedKeys(dpt) {
		b.addDirtyPage(pageNum, dpt[pageNum])
	}
	entries := rm.transactions.snapshot()
	for _, e := range entries {
		b.addTransaction(e.Transaction.TransNum(), TransactionSnapshot{
			Status:  e.Transaction.Status(),
			LastLSN: e.LastLSN(),
		})
	}
	for _, e := range entries {
		for _, pageNum := range e.TouchedPages() {
			b.addTouchedPage(e.Transaction.TransNum(), pageNum)
		}
	}

	var lastLSN int64
	records := b.finish()
	for _, rec := range records {
		if lastLSN, err = rm.logManager.AppendToLog(rec); err != nil {
			return errors.Trace(err)
		}
	}
	if err := rm.logManager.FlushToLSN(lastLSN); err != nil {
		return errors.Trace(err)
	}
	if err := rm.logManager.RewriteMasterRecord(NewMasterRecord(beginLSN)); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("checkpoint at LSN %d: %d dirty pages, %d transactions, %d end records",
		beginLSN, len(dpt), len(entries), len(records))
	return nil
}
