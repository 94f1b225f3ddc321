package concurrency

import (
	"sort"

	"github.com/juju/errors"
)

// EnsureSufficientLockHeld 保证事务在 ctx 上至少拥有 lockType (S、X 或 NL) 的权限，
// 按需在祖先节点上补齐意向锁，并尽量少地获取锁。txn 为 nil 时不做任何事。
func EnsureSufficientLockHeld(txn Transaction, ctx *LockContext, lockType LockType) error {
	if lockType != S && lockType != X && lockType != NL {
		return errors.Annotatef(ErrInvalidLock, "cannot ensure %s", lockType)
	}
	if txn == nil || lockType == NL {
		return nil
	}
	if Substitutable(ctx.EffectiveLockType(txn), lockType) {
		return nil
	}

	if err := ensureAncestors(txn, ctx, lockType); err != nil {
		return err
	}

	switch ctx.ExplicitLockType(txn) {
	case NL:
		return errors.Trace(ctx.Acquire(txn, lockType))
	case IS:
		if err := ctx.Escalate(txn); err != nil {
			return errors.Trace(err)
		}
		if lockType == X {
			return errors.Trace(ctx.Promote(txn, X))
		}
		return nil
	case IX:
		if lockType == S {
			return errors.Trace(ctx.Promote(txn, SIX))
		}
		return errors.Trace(ctx.Escalate(txn))
	case S:
		return errors.Trace(ctx.Promote(txn, X))
	case SIX:
		return errors.Trace(ctx.Escalate(txn))
	}
	return nil
}

// ensureAncestors 自顶向下把祖先节点调整为允许在 ctx 上持有 lockType
func ensureAncestors(txn Transaction, ctx *LockContext, lockType LockType) error {
	var stack []*LockContext
	need := lockType
	for p := ctx.ParentContext(); p != nil; p = p.ParentContext() {
		if CanBeParentLock(p.EffectiveLockType(txn), need) {
			break
		}
		stack = append(stack, p)
		need = ParentLock(need)
	}

	intent := ParentLock(lockType)
	for i := len(stack) - 1; i >= 0; i-- {
		p := stack[i]
		var err error
		switch explicit := p.ExplicitLockType(txn); {
		case explicit == NL:
			err = p.Acquire(txn, intent)
		case explicit == IS && intent == IX:
			err = p.Promote(txn, IX)
		case explicit == S && intent == IX:
			err = p.Promote(txn, SIX)
		default:
			err = errors.Annotatef(ErrInvalidLock, "cannot make %s on %s a parent of %s", explicit, p.name, lockType)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ReleaseAll 自底向上释放事务持有的全部锁
func ReleaseAll(lm *LockManager, txn Transaction) error {
	locks := lm.Locks(txn)
	sort.SliceStable(locks, func(i, j int) bool {
		return locks[i].Name.Depth() > locks[j].Name.Depth()
	})
	for _, l := range locks {
		if err := FromResourceName(lm, l.Name).Release(txn); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
