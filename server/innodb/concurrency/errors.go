package concurrency

import "github.com/juju/errors"

// 锁相关错误，调用方通过 errors.Cause 比较
var (
	ErrDuplicateLockRequest = errors.New("duplicate lock request")
	ErrNoLockHeld           = errors.New("no lock held")
	ErrInvalidLock          = errors.New("invalid lock")
	ErrUnsupported          = errors.New("unsupported operation on readonly lock context")
)
