package recovery

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
)

// TransactionTableEntry 活跃事务的恢复信息。lastLSN 只由事务自身修改，
// 但检查点会并发读取，因此由 mu 保护。
type TransactionTableEntry struct {
	Transaction basic.Transaction

	mu         sync.Mutex
	lastLSN    int64
	savepoints map[string]int64
	// touchedPages 元素为 int64 页号
	touchedPages mapset.Set
}

func newTransactionTableEntry(txn basic.Transaction) *TransactionTableEntry {
	return &TransactionTableEntry{
		Transaction:  txn,
		savepoints:   make(map[string]int64),
		touchedPages: mapset.NewSet(),
	}
}

func (e *TransactionTableEntry) LastLSN() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLSN
}

func (e *TransactionTableEntry) setLastLSN(lsn int64) {
	e.mu.Lock()
	e.lastLSN = lsn
	e.mu.Unlock()
}

// raiseLastLSN 仅当 lsn 更大时更新
func (e *TransactionTableEntry) raiseLastLSN(lsn int64) {
	e.mu.Lock()
	if lsn > e.lastLSN {
		e.lastLSN = lsn
	}
	e.mu.Unlock()
}

func (e *TransactionTableEntry) addSavepoint(name string) {
	e.mu.Lock()
	e.savepoints[name] = e.lastLSN
	e.mu.Unlock()
}

func (e *TransactionTableEntry) savepoint(name string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lsn, ok := e.savepoints[name]
	return lsn, ok
}

func (e *TransactionTableEntry) deleteSavepoint(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.savepoints[name]
	delete(e.savepoints, name)
	return ok
}

func (e *TransactionTableEntry) touchPage(pageNum int64) {
	e.touchedPages.Add(pageNum)
}

// TouchedPages 按页号排序
func (e *TransactionTableEntry) TouchedPages() []int64 {
	out := make([]int64, 0, e.touchedPages.Cardinality())
	e.touchedPages.Each(func(v interface{}) bool {
		out = append(out, v.(int64))
		return false
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transactionTable 事务号 -> 表项
type transactionTable struct {
	mu      sync.RWMutex
	entries map[int64]*TransactionTableEntry
}

func newTransactionTable() *transactionTable {
	return &transactionTable{entries: make(map[int64]*TransactionTableEntry)}
}

func (t *transactionTable) get(transNum int64) (*TransactionTableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[transNum]
	return e, ok
}

// getOrCreate 不存在时用 create 构造事务并插入
func (t *transactionTable) getOrCreate(transNum int64, create func(int64) basic.Transaction) *TransactionTableEntry {
	if e, ok := t.get(transNum); ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[transNum]; ok {
		return e
	}
	e := newTransactionTableEntry(create(transNum))
	t.entries[transNum] = e
	return e
}

func (t *transactionTable) put(transNum int64, e *TransactionTableEntry) {
	t.mu.Lock()
	t.entries[transNum] = e
	t.mu.Unlock()
}

func (t *transactionTable) remove(transNum int64) {
	t.mu.Lock()
	delete(t.entries, transNum)
	t.mu.Unlock()
}

func (t *transactionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// snapshot 按事务号排序的表项
func (t *transactionTable) snapshot() []*TransactionTableEntry {
	t.mu.RLock()
	out := make([]*TransactionTableEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Transaction.TransNum() < out[j].Transaction.TransNum()
	})
	return out
}

// dirtyPageTable 页号 -> recLSN
type dirtyPageTable struct {
	mu    sync.RWMutex
	pages map[int64]int64
}

func newDirtyPageTable() *dirtyPageTable {
	return &dirtyPageTable{pages: make(map[int64]int64)}
}

// putIfAbsent 只记录最早使页变脏的 LSN
func (d *dirtyPageTable) putIfAbsent(pageNum, recLSN int64) {
	d.mu.Lock()
	if _, ok := d.pages[pageNum]; !ok {
		d.pages[pageNum] = recLSN
	}
	d.mu.Unlock()
}

func (d *dirtyPageTable) put(pageNum, recLSN int64) {
	d.mu.Lock()
	d.pages[pageNum] = recLSN
	d.mu.Unlock()
}

func (d *dirtyPageTable) get(pageNum int64) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lsn, ok := d.pages[pageNum]
	return lsn, ok
}

func (d *dirtyPageTable) remove(pageNum int64) {
	d.mu.Lock()
	delete(d.pages, pageNum)
	d.mu.Unlock()
}

// removePartition 移除分区内的所有页，分区被释放时调用
func (d *dirtyPageTable) removePartition(partNum int32) {
	d.mu.Lock()
	for pageNum := range d.pages {
		if basic.PartNum(pageNum) == partNum {
			delete(d.pages, pageNum)
		}
	}
	d.mu.Unlock()
}

// minRecLSN 脏页表为空时返回 false
func (d *dirtyPageTable) minRecLSN() (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	first := true
	var lowest int64
	for _, lsn := range d.pages {
		if first || lsn < lowest {
			lowest, first = lsn, false
		}
	}
	return lowest, !first
}

func (d *dirtyPageTable) snapshot() map[int64]int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int64]int64, len(d.pages))
	for k, v := range d.pages {
		out[k] = v
	}
	return out
}
