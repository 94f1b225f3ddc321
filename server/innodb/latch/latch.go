package latch

import (
	"context"
	"time"

	golock "github.com/viney-shih/go-lock"
)

// Latch 短期持有的读写闩，保护内存结构而非事务数据。
// 底层为 CAS 实现，支持带超时和 context 的尝试加锁。
type Latch struct {
	mu *golock.CASMutex
}

func NewLatch() *Latch {
	return &Latch{mu: golock.NewCASMutex()}
}

func (l *Latch) Lock() {
	l.mu.Lock()
}

func (l *Latch) Unlock() {
	l.mu.Unlock()
}

func (l *Latch) RLock() {
	l.mu.RLock()
}

func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLockWithTimeout 超时未取得返回 false
func (l *Latch) TryLockWithTimeout(d time.Duration) bool {
	return l.mu.TryLockWithTimeout(d)
}

// TryLockWithContext ctx 结束前未取得返回 false
func (l *Latch) TryLockWithContext(ctx context.Context) bool {
	return l.mu.TryLockWithContext(ctx)
}
