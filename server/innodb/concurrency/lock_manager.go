package concurrency

import (
	"container/list"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"
	golock "github.com/viney-shih/go-lock"

	"github.com/zhukovaskychina/xmysql-txn/logger"
)

// Transaction 锁管理器只关心事务号
type Transaction interface {
	TransNum() int64
}

// Lock 事务在资源上持有的锁
type Lock struct {
	Name     ResourceName
	TransNum int64
	LockType LockType
}

func (l Lock) String() string {
	return fmt.Sprintf("T%d: %s(%s)", l.TransNum, l.LockType, l.Name)
}

// RequestOp 锁管理器的变更操作
type RequestOp string

const (
	OpAcquire           RequestOp = "acquire"
	OpRelease           RequestOp = "release"
	OpPromote           RequestOp = "promote"
	OpAcquireAndRelease RequestOp = "acquire-and-release"
)

// Request 一次变更调用，交给观察者
type Request struct {
	Op       RequestOp
	TransNum int64
	Name     ResourceName
	LockType LockType
	Releases []ResourceName
}

func (r Request) String() string {
	switch r.Op {
	case OpRelease:
		return fmt.Sprintf("%s %d %s", r.Op, r.TransNum, r.Name)
	case OpAcquireAndRelease:
		return fmt.Sprintf("%s %d %s %s %v", r.Op, r.TransNum, r.Name, r.LockType, r.Releases)
	default:
		return fmt.Sprintf("%s %d %s %s", r.Op, r.TransNum, r.Name, r.LockType)
	}
}

// lockRequest 等待队列中的请求，授予时关闭 granted
type lockRequest struct {
	lock     Lock
	releases []ResourceName
	granted  chan struct{}
}

// resourceEntry 单个资源上已授予的锁和 FIFO 等待队列
type resourceEntry struct {
	locks     []Lock
	waitQueue *list.List
}

// LockStats 锁统计
type LockStats struct {
	Granted  int64
	Released int64
	Waited   int64
}

// LockManager 管理所有资源上的锁。等待中的请求不持有 latch，
// 由释放方在 latch 内按队列顺序授予后唤醒。
type LockManager struct {
	latch     golock.Mutex
	resources map[string]*resourceEntry
	txnLocks  map[int64][]Lock
	observers []func(Request)

	contexts *contextArena

	granted  atomic.Int64
	released atomic.Int64
	waited   atomic.Int64
}

func NewLockManager() *LockManager {
	return &LockManager{
		latch:     golock.NewCASMutex(),
		resources: make(map[string]*resourceEntry),
		txnLocks:  make(map[int64][]Lock),
		contexts:  newContextArena(),
	}
}

// OnRequest 注册观察者，每次变更调用前同步回调。须在使用前注册。
func (lm *LockManager) OnRequest(fn func(Request)) {
	lm.observers = append(lm.observers, fn)
}

func (lm *LockManager) notify(req Request) {
	for _, fn := range lm.observers {
		fn(req)
	}
	logger.Debugf("lock manager: %s", req)
}

// Context 返回顶层资源的锁上下文
func (lm *LockManager) Context(label string, id int64) *LockContext {
	return lm.contexts.root(lm, NewResourceName(label, id))
}

// Acquire 为事务获取资源上的锁，不兼容或队列非空时阻塞
func (lm *LockManager) Acquire(txn Transaction, name ResourceName, lockType LockType) error {
	transNum := txn.TransNum()
	lm.notify(Request{Op: OpAcquire, TransNum: transNum, Name: name, LockType: lockType})

	lm.latch.Lock()
	if lockType == NL {
		lm.latch.Unlock()
		return errors.Annotatef(ErrInvalidLock, "cannot acquire NL on %s", name)
	}
	if held, ok := lm.heldLock(transNum, name); ok {
		lm.latch.Unlock()
		if held.LockType == lockType {
			return errors.Annotatef(ErrDuplicateLockRequest, "T%d already holds %s on %s", transNum, lockType, name)
		}
		return errors.Annotatef(ErrInvalidLock, "T%d holds %s on %s, use promote", transNum, held.LockType, name)
	}

	entry := lm.entry(name)
	l := Lock{Name: name, TransNum: transNum, LockType: lockType}
	if entry.waitQueue.Len() == 0 && lm.compatibleWithOthers(entry, transNum, lockType) {
		lm.grant(entry, l)
		lm.latch.Unlock()
		return nil
	}
	req := &lockRequest{lock: l, granted: make(chan struct{})}
	entry.waitQueue.PushBack(req)
	lm.latch.Unlock()

	lm.wait(req)
	return nil
}

// Release 释放事务在资源上的锁并处理该资源的等待队列
func (lm *LockManager) Release(txn Transaction, name ResourceName) error {
	transNum := txn.TransNum()
	lm.notify(Request{Op: OpRelease, TransNum: transNum, Name: name})

	lm.latch.Lock()
	defer lm.latch.Unlock()
	if _, ok := lm.heldLock(transNum, name); !ok {
		return errors.Annotatef(ErrNoLockHeld, "T%d holds no lock on %s", transNum, name)
	}
	lm.release(transNum, name)
	return nil
}

// Promote 将已持有的锁升级为更强的锁，新锁必须可替代旧锁。
// 不兼容时插入队首等待。
func (lm *LockManager) Promote(txn Transaction, name ResourceName, newType LockType) error {
	transNum := txn.TransNum()
	lm.notify(Request{Op: OpPromote, TransNum: transNum, Name: name, LockType: newType})

	lm.latch.Lock()
	held, ok := lm.heldLock(transNum, name)
	switch {
	case !ok:
		lm.latch.Unlock()
		return errors.Annotatef(ErrNoLockHeld, "T%d holds no lock on %s", transNum, name)
	case held.LockType == newType:
		lm.latch.Unlock()
		return errors.Annotatef(ErrDuplicateLockRequest, "T%d already holds %s on %s", transNum, newType, name)
	case !Substitutable(newType, held.LockType):
		lm.latch.Unlock()
		return errors.Annotatef(ErrInvalidLock, "cannot promote %s to %s on %s", held.LockType, newType, name)
	}

	entry := lm.entry(name)
	l := Lock{Name: name, TransNum: transNum, LockType: newType}
	if lm.compatibleWithOthers(entry, transNum, newType) {
		lm.grant(entry, l)
		lm.latch.Unlock()
		return nil
	}
	req := &lockRequest{lock: l, granted: make(chan struct{})}
	entry.waitQueue.PushFront(req)
	lm.latch.Unlock()

	lm.wait(req)
	return nil
}

// AcquireAndRelease 原子地获取 name 上的锁并释放 releaseNames 中的锁。
// name 可以出现在 releaseNames 中，此时相当于替换该资源上的锁。
// 被阻塞时旧锁保持不变，直到新锁授予。
func (lm *LockManager) AcquireAndRelease(txn Transaction, name ResourceName, newType LockType, releaseNames []ResourceName) error {
	transNum := txn.TransNum()
	lm.notify(Request{Op: OpAcquireAndRelease, TransNum: transNum, Name: name, LockType: newType, Releases: releaseNames})

	lm.latch.Lock()
	releasingSelf := false
	for _, r := range releaseNames {
		if r.Equal(name) {
			releasingSelf = true
		}
		if _, ok := lm.heldLock(transNum, r); !ok {
			lm.latch.Unlock()
			return errors.Annotatef(ErrNoLockHeld, "T%d holds no lock on %s", transNum, r)
		}
	}
	if held, ok := lm.heldLock(transNum, name); ok && !releasingSelf {
		lm.latch.Unlock()
		return errors.Annotatef(ErrDuplicateLockRequest, "T%d already holds %s on %s", transNum, held.LockType, name)
	}

	entry := lm.entry(name)
	req := &lockRequest{
		lock:     Lock{Name: name, TransNum: transNum, LockType: newType},
		releases: releaseNames,
		granted:  make(chan struct{}),
	}
	if lm.compatibleWithOthers(entry, transNum, newType) {
		lm.grantRequest(entry, req)
		lm.latch.Unlock()
		return nil
	}
	entry.waitQueue.PushFront(req)
	lm.latch.Unlock()

	lm.wait(req)
	return nil
}

// LockType 事务在资源上显式持有的锁，没有则为 NL
func (lm *LockManager) LockType(txn Transaction, name ResourceName) LockType {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	if l, ok := lm.heldLock(txn.TransNum(), name); ok {
		return l.LockType
	}
	return NL
}

// Locks 事务持有的全部锁，按获取顺序
func (lm *LockManager) Locks(txn Transaction) []Lock {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	held := lm.txnLocks[txn.TransNum()]
	out := make([]Lock, len(held))
	copy(out, held)
	return out
}

// LocksOn 资源上已授予的全部锁
func (lm *LockManager) LocksOn(name ResourceName) []Lock {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	entry, ok := lm.resources[name.Key()]
	if !ok {
		return nil
	}
	out := make([]Lock, len(entry.locks))
	copy(out, entry.locks)
	return out
}

// Stats 锁统计快照
func (lm *LockManager) Stats() LockStats {
	return LockStats{
		Granted:  lm.granted.Load(),
		Released: lm.released.Load(),
		Waited:   lm.waited.Load(),
	}
}

func (lm *LockManager) wait(req *lockRequest) {
	lm.waited.Add(1)
	logger.Debugf("lock manager: %s waiting", req.lock)
	<-req.granted
	logger.Debugf("lock manager: %s granted after wait", req.lock)
}

// 以下方法要求调用方持有 latch

func (lm *LockManager) entry(name ResourceName) *resourceEntry {
	key := name.Key()
	entry, ok := lm.resources[key]
	if !ok {
		entry = &resourceEntry{waitQueue: list.New()}
		lm.resources[key] = entry
	}
	return entry
}

func (lm *LockManager) heldLock(transNum int64, name ResourceName) (Lock, bool) {
	for _, l := range lm.txnLocks[transNum] {
		if l.Name.Equal(name) {
			return l, true
		}
	}
	return Lock{}, false
}

func (lm *LockManager) compatibleWithOthers(entry *resourceEntry, transNum int64, lockType LockType) bool {
	for _, l := range entry.locks {
		if l.TransNum != transNum && !Compatible(l.LockType, lockType) {
			return false
		}
	}
	return true
}

// grant 授予锁，事务已持有该资源上的锁时替换其类型
func (lm *LockManager) grant(entry *resourceEntry, l Lock) {
	lm.granted.Add(1)
	for i := range entry.locks {
		if entry.locks[i].TransNum == l.TransNum {
			entry.locks[i].LockType = l.LockType
			held := lm.txnLocks[l.TransNum]
			for j := range held {
				if held[j].Name.Equal(l.Name) {
					held[j].LockType = l.LockType
				}
			}
			return
		}
	}
	entry.locks = append(entry.locks, l)
	lm.txnLocks[l.TransNum] = append(lm.txnLocks[l.TransNum], l)
}

func (lm *LockManager) grantRequest(entry *resourceEntry, req *lockRequest) {
	lm.grant(entry, req.lock)
	for _, r := range req.releases {
		if !r.Equal(req.lock.Name) {
			lm.release(req.lock.TransNum, r)
		}
	}
}

func (lm *LockManager) release(transNum int64, name ResourceName) {
	key := name.Key()
	entry, ok := lm.resources[key]
	if !ok {
		return
	}
	for i, l := range entry.locks {
		if l.TransNum == transNum {
			entry.locks = append(entry.locks[:i], entry.locks[i+1:]...)
			break
		}
	}
	held := lm.txnLocks[transNum]
	for i, l := range held {
		if l.Name.Equal(name) {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(lm.txnLocks, transNum)
	} else {
		lm.txnLocks[transNum] = held
	}
	lm.released.Add(1)

	lm.processQueue(entry)
	if len(entry.locks) == 0 && entry.waitQueue.Len() == 0 {
		delete(lm.resources, key)
	}
}

// processQueue 从队首依次授予，遇到第一个不能授予的请求即停止
func (lm *LockManager) processQueue(entry *resourceEntry) {
	for e := entry.waitQueue.Front(); e != nil; e = entry.waitQueue.Front() {
		req := e.Value.(*lockRequest)
		if !lm.compatibleWithOthers(entry, req.lock.TransNum, req.lock.LockType) {
			return
		}
		entry.waitQueue.Remove(e)
		lm.grantRequest(entry, req)
		close(req.granted)
	}
}
