package latch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()

	l.RLock()
	l.RLock()
	assert.False(t, l.TryLockWithTimeout(10*time.Millisecond), "读闩未释放时不能取得写闩")
	l.RUnlock()
	l.RUnlock()

	assert.True(t, l.TryLockWithTimeout(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, l.TryLockWithContext(ctx))
	l.Unlock()

	assert.True(t, l.TryLockWithContext(context.Background()))
	l.Unlock()
}
