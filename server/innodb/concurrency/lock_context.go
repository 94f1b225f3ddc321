package concurrency

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// contextArena 保存所有锁上下文，节点之间用下标互相引用。
// 节点只增不删，下标在整个生命周期内有效。
type contextArena struct {
	mu    sync.RWMutex
	nodes []*LockContext
	roots map[string]int
}

func newContextArena() *contextArena {
	return &contextArena{roots: make(map[string]int)}
}

func (a *contextArena) get(index int) *LockContext {
	if index < 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodes[index]
}

func (a *contextArena) add(ctx *LockContext) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx.index = len(a.nodes)
	a.nodes = append(a.nodes, ctx)
	return ctx.index
}

func (a *contextArena) root(lm *LockManager, name ResourceName) *LockContext {
	key := name.Key()
	a.mu.RLock()
	if idx, ok := a.roots[key]; ok {
		ctx := a.nodes[idx]
		a.mu.RUnlock()
		return ctx
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.roots[key]; ok {
		return a.nodes[idx]
	}
	ctx := newLockContext(lm, name, -1, false)
	ctx.index = len(a.nodes)
	a.nodes = append(a.nodes, ctx)
	a.roots[key] = ctx.index
	return ctx
}

// LockContext 资源层次结构中的一个节点，在锁管理器之上维护多粒度锁约束
type LockContext struct {
	lockman  *LockManager
	name     ResourceName
	index    int
	parent   int
	readonly bool

	childLocksDisabled atomic.Bool
	// capacity 小于 0 时以已创建的子节点数为容量
	capacity atomic.Int64

	// numChildLocks 事务号 -> *atomic.Int64，事务在该节点之下持有的锁数
	numChildLocks sync.Map

	childMu  sync.RWMutex
	children map[string]int
}

func newLockContext(lm *LockManager, name ResourceName, parent int, readonly bool) *LockContext {
	ctx := &LockContext{
		lockman:  lm,
		name:     name,
		parent:   parent,
		readonly: readonly,
		children: make(map[string]int),
	}
	ctx.capacity.Store(-1)
	return ctx
}

// FromResourceName 按资源路径逐级取得锁上下文
func FromResourceName(lm *LockManager, name ResourceName) *LockContext {
	ctx := lm.Context(name.labels[0], name.ids[0])
	for i := 1; i < len(name.ids); i++ {
		ctx = ctx.ChildContext(name.labels[i], name.ids[i])
	}
	return ctx
}

func (c *LockContext) ResourceName() ResourceName {
	return c.name
}

func (c *LockContext) IsReadonly() bool {
	return c.readonly
}

// ParentContext 父节点，顶层节点返回 nil
func (c *LockContext) ParentContext() *LockContext {
	return c.lockman.contexts.get(c.parent)
}

// ChildContext 取得子节点，不存在时创建。并发创建时只有一个节点生效。
func (c *LockContext) ChildContext(label string, id int64) *LockContext {
	key := label + ":" + strconv.FormatInt(id, 10)

	c.childMu.RLock()
	idx, ok := c.children[key]
	c.childMu.RUnlock()
	if ok {
		return c.lockman.contexts.get(idx)
	}

	c.childMu.Lock()
	defer c.childMu.Unlock()
	if idx, ok := c.children[key]; ok {
		return c.lockman.contexts.get(idx)
	}
	readonly := c.readonly || c.childLocksDisabled.Load()
	child := newLockContext(c.lockman, c.name.Child(label, id), c.index, readonly)
	c.children[key] = c.lockman.contexts.add(child)
	return child
}

// DisableChildLocks 之后创建的子节点都是只读的
func (c *LockContext) DisableChildLocks() {
	c.childLocksDisabled.Store(true)
}

// SetCapacity 覆盖子节点容量，用于计算饱和度
func (c *LockContext) SetCapacity(capacity int) {
	c.capacity.Store(int64(capacity))
}

func (c *LockContext) Capacity() int {
	if n := c.capacity.Load(); n >= 0 {
		return int(n)
	}
	c.childMu.RLock()
	defer c.childMu.RUnlock()
	return len(c.children)
}

// Saturation 事务在子节点上持有的锁占容量的比例
func (c *LockContext) Saturation(txn Transaction) float64 {
	if txn == nil {
		return 0
	}
	capacity := c.Capacity()
	if capacity == 0 {
		return 0
	}
	return float64(c.NumChildLocks(txn)) / float64(capacity)
}

// NumChildLocks 事务在该节点之下持有的锁数
func (c *LockContext) NumChildLocks(txn Transaction) int {
	if v, ok := c.numChildLocks.Load(txn.TransNum()); ok {
		return int(v.(*atomic.Int64).Load())
	}
	return 0
}

func (c *LockContext) addChildLocks(transNum int64, delta int64) {
	v, _ := c.numChildLocks.LoadOrStore(transNum, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

// ExplicitLockType 事务在该节点上显式持有的锁
func (c *LockContext) ExplicitLockType(txn Transaction) LockType {
	if txn == nil {
		return NL
	}
	return c.lockman.LockType(txn, c.name)
}

// EffectiveLockType 考虑祖先节点后事务在该节点上实际拥有的权限。
// 意向锁不向下传递，SIX 向下传递为 S。
func (c *LockContext) EffectiveLockType(txn Transaction) LockType {
	if txn == nil {
		return NL
	}
	if explicit := c.ExplicitLockType(txn); explicit != NL {
		return explicit
	}
	for p := c.ParentContext(); p != nil; p = p.ParentContext() {
		switch p.ExplicitLockType(txn) {
		case S, SIX:
			return S
		case X:
			return X
		}
	}
	return NL
}

// Acquire 在该节点上获取锁，要求父节点权限允许且不与已持有的子孙锁冲突
func (c *LockContext) Acquire(txn Transaction, lockType LockType) error {
	if c.readonly {
		return errors.Annotatef(ErrUnsupported, "acquire on %s", c.name)
	}
	if lockType == NL {
		return errors.Annotatef(ErrInvalidLock, "cannot acquire NL on %s", c.name)
	}
	parent := c.ParentContext()
	if parent != nil {
		if pt := parent.EffectiveLockType(txn); !CanBeParentLock(pt, lockType) {
			return errors.Annotatef(ErrInvalidLock, "%s on %s does not permit %s on %s", pt, parent.name, lockType, c.name)
		}
	}
	for _, l := range c.descendantLocks(txn) {
		if !CanBeParentLock(lockType, l.LockType) {
			return errors.Annotatef(ErrInvalidLock, "%s on %s conflicts with held %s", lockType, c.name, l)
		}
	}
	if err := c.lockman.Acquire(txn, c.name, lockType); err != nil {
		return errors.Trace(err)
	}
	if parent != nil {
		parent.addChildLocks(txn.TransNum(), 1)
	}
	return nil
}

// Release 释放该节点上的锁，必须先释放全部子孙锁
func (c *LockContext) Release(txn Transaction) error {
	if c.readonly {
		return errors.Annotatef(ErrUnsupported, "release on %s", c.name)
	}
	if held := c.descendantLocks(txn); len(held) > 0 {
		return errors.Annotatef(ErrInvalidLock, "T%d still holds %d locks below %s", txn.TransNum(), len(held), c.name)
	}
	if err := c.lockman.Release(txn, c.name); err != nil {
		return errors.Trace(err)
	}
	if parent := c.ParentContext(); parent != nil {
		parent.addChildLocks(txn.TransNum(), -1)
	}
	return nil
}

// Promote 将锁升级为 newType。升级为 SIX 时同时释放子孙的 S/IS 锁。
func (c *LockContext) Promote(txn Transaction, newType LockType) error {
	if c.readonly {
		return errors.Annotatef(ErrUnsupported, "promote on %s", c.name)
	}
	current := c.ExplicitLockType(txn)
	switch {
	case current == NL:
		return errors.Annotatef(ErrNoLockHeld, "T%d holds no lock on %s", txn.TransNum(), c.name)
	case current == newType:
		return errors.Annotatef(ErrDuplicateLockRequest, "T%d already holds %s on %s", txn.TransNum(), newType, c.name)
	}
	if parent := c.ParentContext(); parent != nil {
		if pt := parent.EffectiveLockType(txn); !CanBeParentLock(pt, newType) {
			return errors.Annotatef(ErrInvalidLock, "%s on %s does not permit %s on %s", pt, parent.name, newType, c.name)
		}
	}
	if newType != SIX {
		return errors.Trace(c.lockman.Promote(txn, c.name, newType))
	}

	if current != S && current != IS && current != IX {
		return errors.Annotatef(ErrInvalidLock, "cannot promote %s to SIX on %s", current, c.name)
	}
	if c.hasSIXAncestor(txn) {
		return errors.Annotatef(ErrInvalidLock, "ancestor of %s already holds SIX", c.name)
	}
	var released []Lock
	releases := []ResourceName{c.name}
	for _, l := range c.descendantLocks(txn) {
		if l.LockType == S || l.LockType == IS {
			released = append(released, l)
			releases = append(releases, l.Name)
		}
	}
	if err := c.lockman.AcquireAndRelease(txn, c.name, SIX, releases); err != nil {
		return errors.Trace(err)
	}
	c.forgetDescendants(txn, released)
	return nil
}

// Escalate 用一次锁管理器调用把该节点及其子孙上的锁合并为该节点上的 S 或 X
func (c *LockContext) Escalate(txn Transaction) error {
	if c.readonly {
		return errors.Annotatef(ErrUnsupported, "escalate on %s", c.name)
	}
	explicit := c.ExplicitLockType(txn)
	if explicit == NL {
		return errors.Annotatef(ErrNoLockHeld, "T%d holds no lock on %s", txn.TransNum(), c.name)
	}
	descendants := c.descendantLocks(txn)
	if (explicit == S || explicit == X) && len(descendants) == 0 {
		return nil
	}

	target := S
	if explicit == IX || explicit == SIX || explicit == X {
		target = X
	}
	releases := []ResourceName{c.name}
	for _, l := range descendants {
		if l.LockType == IX || l.LockType == X || l.LockType == SIX {
			target = X
		}
		releases = append(releases, l.Name)
	}
	if err := c.lockman.AcquireAndRelease(txn, c.name, target, releases); err != nil {
		return errors.Trace(err)
	}
	c.forgetDescendants(txn, descendants)
	return nil
}

func (c *LockContext) hasSIXAncestor(txn Transaction) bool {
	for p := c.ParentContext(); p != nil; p = p.ParentContext() {
		if p.ExplicitLockType(txn) == SIX {
			return true
		}
	}
	return false
}

// descendantLocks 事务在该节点严格之下持有的锁
func (c *LockContext) descendantLocks(txn Transaction) []Lock {
	var out []Lock
	for _, l := range c.lockman.Locks(txn) {
		if l.Name.IsDescendantOf(c.name) {
			out = append(out, l)
		}
	}
	return out
}

// forgetDescendants 子孙锁被一并释放后修正各父节点的计数
func (c *LockContext) forgetDescendants(txn Transaction, released []Lock) {
	for _, l := range released {
		if parentName, ok := l.Name.Parent(); ok {
			FromResourceName(c.lockman, parentName).addChildLocks(txn.TransNum(), -1)
		}
	}
}
