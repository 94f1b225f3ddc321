package manager

import (
	"container/list"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/concurrency"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
	"github.com/zhukovaskychina/xmysql-txn/util"
)

const (
	DEFAULT_BUFFER_POOL_SIZE = 1024 // 默认缓冲池大小（页数）
	// pageLSN 保存在页头保留区的前 8 字节
	pageLSNOffset = 0
)

// RecoveryHooks 页写回磁盘前后的回调，由恢复管理器实现
type RecoveryHooks interface {
	// PageFlushHook 写页之前调用，保证日志已刷到 pageLSN
	PageFlushHook(pageLSN int64) error
	// DiskIOHook 写页之后调用
	DiskIOHook(pageNum int64)
}

type bufferFrame struct {
	pageNum  int64
	data     []byte
	dirty    bool
	pinCount int
	elem     *list.Element
}

func (f *bufferFrame) pageLSN() int64 {
	return int64(util.NewBufferReader(f.data[pageLSNOffset:]).ReadUB8())
}

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	Hits      uint64 // 缓存命中次数
	Misses    uint64 // 缓存未命中次数
	Evictions uint64 // 页面驱逐次数
	Flushes   uint64 // 页面刷新次数
}

// BufferPoolManager 缓冲池管理器。页按 LRU 驱逐，被固定的页不会被驱逐。
// 同时实现 recovery.DiskSpaceManager，释放页时丢弃对应的缓存。
type BufferPoolManager struct {
	mu       sync.Mutex
	disk     *MemoryDiskSpaceManager
	hooks    RecoveryHooks
	capacity int
	frames   map[int64]*bufferFrame
	lru      *list.List // 队首为最近使用
	stats    BufferPoolStats
}

func NewBufferPoolManager(disk *MemoryDiskSpaceManager, capacity int) *BufferPoolManager {
	if capacity <= 0 {
		capacity = DEFAULT_BUFFER_POOL_SIZE
	}
	return &BufferPoolManager{
		disk:     disk,
		capacity: capacity,
		frames:   make(map[int64]*bufferFrame),
		lru:      list.New(),
	}
}

// SetRecoveryHooks 恢复管理器创建后注入
func (bpm *BufferPoolManager) SetRecoveryHooks(hooks RecoveryHooks) {
	bpm.mu.Lock()
	bpm.hooks = hooks
	bpm.mu.Unlock()
}

// FetchPage 取得并固定页，parent 为页所在分区的锁上下文
func (bpm *BufferPoolManager) FetchPage(parent *concurrency.LockContext, pageNum int64, markDirty bool) (recovery.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	f, ok := bpm.frames[pageNum]
	if ok {
		bpm.stats.Hits++
		bpm.lru.MoveToFront(f.elem)
	} else {
		bpm.stats.Misses++
		if len(bpm.frames) >= bpm.capacity {
			if err := bpm.evictLocked(); err != nil {
				return nil, err
			}
		}
		data, err := bpm.disk.ReadPage(pageNum)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f = &bufferFrame{pageNum: pageNum, data: data}
		f.elem = bpm.lru.PushFront(f)
		bpm.frames[pageNum] = f
	}
	f.pinCount++
	if markDirty {
		f.dirty = true
	}

	page := &BufferPage{bpm: bpm, frame: f}
	if parent != nil {
		page.ctx = parent.ChildContext("page", pageNum)
	}
	return page, nil
}

// evictLocked 从 LRU 队尾驱逐一个未被固定的页
func (bpm *BufferPoolManager) evictLocked() error {
	for e := bpm.lru.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*bufferFrame)
		if f.pinCount > 0 {
			continue
		}
		if err := bpm.flushLocked(f); err != nil {
			return err
		}
		bpm.dropLocked(f.pageNum)
		bpm.stats.Evictions++
		return nil
	}
	return errors.Annotatef(ErrBufferPoolFull, "all %d frames pinned", bpm.capacity)
}

func (bpm *BufferPoolManager) flushLocked(f *bufferFrame) error {
	if !f.dirty {
		return nil
	}
	if bpm.hooks != nil {
		if err := bpm.hooks.PageFlushHook(f.pageLSN()); err != nil {
			return errors.Annotatef(err, "flush page %d", f.pageNum)
		}
	}
	if err := bpm.disk.WritePage(f.pageNum, f.data); err != nil {
		return errors.Trace(err)
	}
	f.dirty = false
	bpm.stats.Flushes++
	if bpm.hooks != nil {
		bpm.hooks.DiskIOHook(f.pageNum)
	}
	return nil
}

func (bpm *BufferPoolManager) dropLocked(pageNum int64) {
	if f, ok := bpm.frames[pageNum]; ok {
		bpm.lru.Remove(f.elem)
		delete(bpm.frames, pageNum)
	}
}

// FlushPage 脏页写回磁盘
func (bpm *BufferPoolManager) FlushPage(pageNum int64) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	f, ok := bpm.frames[pageNum]
	if !ok {
		return nil
	}
	return bpm.flushLocked(f)
}

// FlushAll 写回所有脏页
func (bpm *BufferPoolManager) FlushAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for e := bpm.lru.Back(); e != nil; e = e.Prev() {
		if err := bpm.flushLocked(e.Value.(*bufferFrame)); err != nil {
			return err
		}
	}
	return nil
}

// IterPageNums 遍历缓存中的页
func (bpm *BufferPoolManager) IterPageNums(fn func(pageNum int64, dirty bool)) {
	type entry struct {
		pageNum int64
		dirty   bool
	}
	bpm.mu.Lock()
	entries := make([]entry, 0, len(bpm.frames))
	for e := bpm.lru.Front(); e != nil; e = e.Next() {
		f := e.Value.(*bufferFrame)
		entries = append(entries, entry{f.pageNum, f.dirty})
	}
	bpm.mu.Unlock()
	for _, e := range entries {
		fn(e.pageNum, e.dirty)
	}
}

// Crash 丢弃全部缓存而不写回
func (bpm *BufferPoolManager) Crash() {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	n := len(bpm.frames)
	bpm.frames = make(map[int64]*bufferFrame)
	bpm.lru.Init()
	logger.Debugf("buffer pool crashed, %d frames discarded", n)
}

func (bpm *BufferPoolManager) Stats() BufferPoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.stats
}

func (bpm *BufferPoolManager) PageAllocated(pageNum int64) bool {
	return bpm.disk.PageAllocated(pageNum)
}

func (bpm *BufferPoolManager) AllocPart(partNum int32) error {
	return bpm.disk.AllocPart(partNum)
}

func (bpm *BufferPoolManager) FreePart(partNum int32) error {
	if err := bpm.disk.FreePart(partNum); err != nil {
		return err
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for pageNum := range bpm.frames {
		if basic.PartNum(pageNum) == partNum {
			bpm.dropLocked(pageNum)
		}
	}
	return nil
}

func (bpm *BufferPoolManager) AllocPage(pageNum int64) error {
	if err := bpm.disk.AllocPage(pageNum); err != nil {
		return err
	}
	bpm.mu.Lock()
	bpm.dropLocked(pageNum)
	bpm.mu.Unlock()
	return nil
}

func (bpm *BufferPoolManager) FreePage(pageNum int64) error {
	if err := bpm.disk.FreePage(pageNum); err != nil {
		return err
	}
	bpm.mu.Lock()
	bpm.dropLocked(pageNum)
	bpm.mu.Unlock()
	return nil
}

// BufferPage 已固定的页。数据区从页头保留区之后开始。
type BufferPage struct {
	bpm   *BufferPoolManager
	frame *bufferFrame
	ctx   *concurrency.LockContext
}

func (p *BufferPage) PageNum() int64 {
	return p.frame.pageNum
}

// LockContext 页的锁上下文
func (p *BufferPage) LockContext() *concurrency.LockContext {
	return p.ctx
}

func (p *BufferPage) PageLSN() int64 {
	p.bpm.mu.Lock()
	defer p.bpm.mu.Unlock()
	return p.frame.pageLSN()
}

func (p *BufferPage) SetPageLSN(lsn int64) {
	p.bpm.mu.Lock()
	defer p.bpm.mu.Unlock()
	copy(p.frame.data[pageLSNOffset:], util.WriteUB8(nil, uint64(lsn)))
	p.frame.dirty = true
}

func (p *BufferPage) WriteBytes(offset int16, data []byte) error {
	start, err := checkPageRange(offset, len(data))
	if err != nil {
		return err
	}
	p.bpm.mu.Lock()
	defer p.bpm.mu.Unlock()
	copy(p.frame.data[start:], data)
	p.frame.dirty = true
	return nil
}

func (p *BufferPage) ReadBytes(offset int16, n int) ([]byte, error) {
	start, err := checkPageRange(offset, n)
	if err != nil {
		return nil, err
	}
	p.bpm.mu.Lock()
	defer p.bpm.mu.Unlock()
	out := make([]byte, n)
	copy(out, p.frame.data[start:start+n])
	return out, nil
}

func (p *BufferPage) Unpin() {
	p.bpm.mu.Lock()
	defer p.bpm.mu.Unlock()
	if p.frame.pinCount > 0 {
		p.frame.pinCount--
	}
}

// checkPageRange 返回数据区内的起始下标
func checkPageRange(offset int16, n int) (int, error) {
	if offset < 0 || n < 0 || int(offset)+n > basic.EFFECTIVE_PAGE_SIZE {
		return 0, errors.NotValidf("page access [%d, %d) outside %d usable bytes", offset, int(offset)+n, basic.EFFECTIVE_PAGE_SIZE)
	}
	return basic.RESERVED_SPACE + int(offset), nil
}
