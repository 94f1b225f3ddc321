package manager

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

// MemoryLogManager 内存中的日志，记录以编码形式保存，下标即 LSN。
// Crash 丢弃未刷盘的记录，用于模拟崩溃。
type MemoryLogManager struct {
	mu         sync.RWMutex
	records    [][]byte
	flushedLSN int64
	closed     bool
}

func NewMemoryLogManager() *MemoryLogManager {
	return &MemoryLogManager{flushedLSN: -1}
}

func (m *MemoryLogManager) AppendToLog(rec *recovery.LogRecord) (int64, error) {
	data, err := rec.Encode()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.Trace(ErrLogClosed)
	}
	// 0 号位置只保存主记录
	if len(m.records) == 0 && rec.Type() != recovery.LOG_TYPE_MASTER {
		master, err := recovery.NewMasterRecord(0).Encode()
		if err != nil {
			return 0, err
		}
		m.records = append(m.records, master)
	}
	m.records = append(m.records, data)
	return int64(len(m.records) - 1), nil
}

func (m *MemoryLogManager) FlushToLSN(lsn int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Trace(ErrLogClosed)
	}
	if tail := int64(len(m.records) - 1); lsn > tail {
		lsn = tail
	}
	if lsn > m.flushedLSN {
		m.flushedLSN = lsn
	}
	return nil
}

func (m *MemoryLogManager) FlushedLSN() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushedLSN
}

func (m *MemoryLogManager) FetchLogRecord(lsn int64) (*recovery.LogRecord, error) {
	m.mu.RLock()
	if lsn < 0 || lsn >= int64(len(m.records)) {
		m.mu.RUnlock()
		return nil, errors.Annotatef(ErrLogRecordNotFound, "LSN %d", lsn)
	}
	data := m.records[lsn]
	m.mu.RUnlock()

	rec, err := recovery.DecodeLogRecord(data)
	if err != nil {
		return nil, errors.Annotatef(err, "LSN %d", lsn)
	}
	return rec.WithLSN(lsn), nil
}

// ScanFrom 逐条读取，直到遍历时的日志末尾
func (m *MemoryLogManager) ScanFrom(lsn int64) recovery.LogIterator {
	if lsn < 0 {
		lsn = 0
	}
	return &logIterator{next: lsn, fetch: m.fetchForScan}
}

func (m *MemoryLogManager) fetchForScan(lsn int64) (*recovery.LogRecord, bool, error) {
	m.mu.RLock()
	end := lsn >= int64(len(m.records))
	m.mu.RUnlock()
	if end {
		return nil, false, nil
	}
	rec, err := m.FetchLogRecord(lsn)
	return rec, err == nil, err
}

func (m *MemoryLogManager) RewriteMasterRecord(rec *recovery.LogRecord) error {
	if rec.Type() != recovery.LOG_TYPE_MASTER {
		return errors.NotValidf("master record of type %s", rec.Type())
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Trace(ErrLogClosed)
	}
	if len(m.records) == 0 {
		m.records = append(m.records, nil)
	}
	m.records[0] = data
	if m.flushedLSN < 0 {
		m.flushedLSN = 0
	}
	return nil
}

func (m *MemoryLogManager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Crash 丢弃 flushedLSN 之后的记录并重新打开。主记录总是保留。
func (m *MemoryLogManager) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.flushedLSN + 1
	if keep < 1 && len(m.records) > 0 {
		keep = 1
	}
	if keep < int64(len(m.records)) {
		m.records = m.records[:keep]
	}
	m.closed = false
}

// logIterator 按 LSN 递增遍历，fetch 返回 false 表示到达末尾
type logIterator struct {
	next  int64
	fetch func(lsn int64) (*recovery.LogRecord, bool, error)
	rec   *recovery.LogRecord
	err   error
}

func (it *logIterator) Next() bool {
	if it.err != nil {
		return false
	}
	rec, ok, err := it.fetch(it.next)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.rec = rec
	it.next++
	return true
}

func (it *logIterator) Record() *recovery.LogRecord {
	return it.rec
}

func (it *logIterator) Err() error {
	return it.err
}
