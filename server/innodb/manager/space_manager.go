package manager

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/latch"
)

// MemoryDiskSpaceManager 内存中的"磁盘"：分区与页的分配，以及页的读写。
// 写入即持久，不受 Crash 影响。
type MemoryDiskSpaceManager struct {
	latch *latch.Latch
	parts map[int32]map[int64][]byte
}

func NewMemoryDiskSpaceManager() *MemoryDiskSpaceManager {
	return &MemoryDiskSpaceManager{latch: latch.NewLatch(), parts: make(map[int32]map[int64][]byte)}
}

func (sm *MemoryDiskSpaceManager) AllocPart(partNum int32) error {
	sm.latch.Lock()
	defer sm.latch.Unlock()
	if _, ok := sm.parts[partNum]; ok {
		return errors.Annotatef(basic.ErrPartAlreadyAllocated, "partition %d", partNum)
	}
	sm.parts[partNum] = make(map[int64][]byte)
	return nil
}

// FreePart 释放分区及其中所有页
func (sm *MemoryDiskSpaceManager) FreePart(partNum int32) error {
	sm.latch.Lock()
	defer sm.latch.Unlock()
	if _, ok := sm.parts[partNum]; !ok {
		return errors.Annotatef(basic.ErrPartNotAllocated, "partition %d", partNum)
	}
	delete(sm.parts, partNum)
	return nil
}

func (sm *MemoryDiskSpaceManager) AllocPage(pageNum int64) error {
	sm.latch.Lock()
	defer sm.latch.Unlock()
	part, ok := sm.parts[basic.PartNum(pageNum)]
	if !ok {
		return errors.Annotatef(basic.ErrPartNotAllocated, "page %d", pageNum)
	}
	if _, ok := part[pageNum]; ok {
		return errors.Annotatef(basic.ErrPageAlreadyAllocated, "page %d", pageNum)
	}
	part[pageNum] = make([]byte, basic.PAGE_SIZE)
	return nil
}

func (sm *MemoryDiskSpaceManager) FreePage(pageNum int64) error {
	sm.latch.Lock()
	defer sm.latch.Unlock()
	part, ok := sm.parts[basic.PartNum(pageNum)]
	if !ok {
		return errors.Annotatef(basic.ErrPartNotAllocated, "page %d", pageNum)
	}
	if _, ok := part[pageNum]; !ok {
		return errors.Annotatef(basic.ErrPageNotAllocated, "page %d", pageNum)
	}
	delete(part, pageNum)
	return nil
}

func (sm *MemoryDiskSpaceManager) PageAllocated(pageNum int64) bool {
	sm.latch.RLock()
	defer sm.latch.RUnlock()
	part, ok := sm.parts[basic.PartNum(pageNum)]
	if !ok {
		return false
	}
	_, ok = part[pageNum]
	return ok
}

// ReadPage 返回整页内容的副本
func (sm *MemoryDiskSpaceManager) ReadPage(pageNum int64) ([]byte, error) {
	sm.latch.RLock()
	defer sm.latch.RUnlock()
	data, err := sm.pageLocked(pageNum)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (sm *MemoryDiskSpaceManager) WritePage(pageNum int64, data []byte) error {
	if len(data) != basic.PAGE_SIZE {
		return errors.NotValidf("page of %d bytes", len(data))
	}
	sm.latch.Lock()
	defer sm.latch.Unlock()
	dst, err := sm.pageLocked(pageNum)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (sm *MemoryDiskSpaceManager) pageLocked(pageNum int64) ([]byte, error) {
	part, ok := sm.parts[basic.PartNum(pageNum)]
	if !ok {
		return nil, errors.Annotatef(basic.ErrPartNotAllocated, "page %d", pageNum)
	}
	data, ok := part[pageNum]
	if !ok {
		return nil, errors.Annotatef(basic.ErrPageNotAllocated, "page %d", pageNum)
	}
	return data, nil
}
