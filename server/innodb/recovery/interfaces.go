package recovery

import (
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
)

// DiskSpaceManager 分区与页的分配。重复分配/释放返回 basic 包中的对应错误。
type DiskSpaceManager interface {
	AllocPart(partNum int32) error
	FreePart(partNum int32) error
	AllocPage(pageNum int64) error
	FreePage(pageNum int64) error
	// PageAllocated 页及其所在分区都已分配时返回 true
	PageAllocated(pageNum int64) bool
}

// Page 已固定 (pinned) 在缓冲池中的页，使用完毕后必须 Unpin
type Page interface {
	PageNum() int64
	PageLSN() int64
	SetPageLSN(lsn int64)
	// WriteBytes 与 ReadBytes 越出页内可用区域时返回 NotValid 错误
	WriteBytes(offset int16, data []byte) error
	ReadBytes(offset int16, n int) ([]byte, error)
	Unpin()
}

// BufferManager 页缓存
type BufferManager interface {
	// FetchPage 取得并固定页，parent 为页所在分区的锁上下文
	FetchPage(parent *concurrency.LockContext, pageNum int64, markDirty bool) (Page, error)
	// IterPageNums 遍历缓冲池中的每一页及其是否为脏页
	IterPageNums(fn func(pageNum int64, dirty bool))
}

// LogIterator 日志正向遍历
//
//	it := lm.ScanFrom(lsn)
//	for it.Next() {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil {...}
type LogIterator interface {
	Next() bool
	Record() *LogRecord
	Err() error
}

// LogManager 预写日志存储。LSN 单调递增，0 号位置保存主记录。
type LogManager interface {
	// AppendToLog 追加记录并返回分配的 LSN
	AppendToLog(rec *LogRecord) (int64, error)
	// FlushToLSN 返回时 lsn 及之前的记录都已持久化
	FlushToLSN(lsn int64) error
	FlushedLSN() int64
	FetchLogRecord(lsn int64) (*LogRecord, error)
	ScanFrom(lsn int64) LogIterator
	RewriteMasterRecord(rec *LogRecord) error
	Close() error
}
