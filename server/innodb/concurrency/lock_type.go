package concurrency

import "fmt"

// LockType 多粒度锁模式
type LockType int

const (
	NL  LockType = iota // 无锁
	IS                  // 意向共享
	IX                  // 意向排他
	S                   // 共享
	SIX                 // 共享 + 意向排他
	X                   // 排他
)

func (t LockType) String() string {
	switch t {
	case NL:
		return "NL"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	}
	return fmt.Sprintf("LockType(%d)", int(t))
}

// Compatible 两个事务能否在同一资源上分别持有 a 和 b
func Compatible(a, b LockType) bool {
	switch a {
	case NL:
		return true
	case IS:
		return b != X
	case IX:
		return b == NL || b == IS || b == IX
	case S:
		return b == NL || b == IS || b == S
	case SIX:
		return b == NL || b == IS
	case X:
		return b == NL
	}
	panic(fmt.Sprintf("bad lock type %d", int(a)))
}

// ParentLock 在子资源上持有 t 时父资源至少需要的锁
func ParentLock(t LockType) LockType {
	switch t {
	case S, IS:
		return IS
	case X, IX, SIX:
		return IX
	case NL:
		return NL
	}
	panic(fmt.Sprintf("bad lock type %d", int(t)))
}

// CanBeParentLock 父资源持有 parent 时子资源能否持有 child
func CanBeParentLock(parent, child LockType) bool {
	if child == NL {
		return true
	}
	switch parent {
	case NL, S, X:
		return false
	case IS:
		return child == S || child == IS
	case IX:
		return true
	case SIX:
		return child == X || child == IX
	}
	panic(fmt.Sprintf("bad lock type %d", int(parent)))
}

// Substitutable 持有 have 是否满足对 need 的所有权限要求
func Substitutable(have, need LockType) bool {
	if have == need || have == X || need == NL {
		return true
	}
	switch need {
	case S:
		return have == SIX
	case IS:
		return have == S || have == SIX || have == IX
	case IX:
		return have == SIX
	}
	return false
}
