package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allLockTypes = []LockType{NL, IS, IX, S, SIX, X}

func TestCompatible(t *testing.T) {
	// 行、列顺序与 allLockTypes 一致
	matrix := [][]bool{
		//        NL    IS     IX     S      SIX    X
		/* NL */ {true, true, true, true, true, true},
		/* IS */ {true, true, true, true, true, false},
		/* IX */ {true, true, true, false, false, false},
		/* S  */ {true, true, false, true, false, false},
		/* SIX*/ {true, true, false, false, false, false},
		/* X  */ {true, false, false, false, false, false},
	}
	for i, a := range allLockTypes {
		for j, b := range allLockTypes {
			assert.Equal(t, matrix[i][j], Compatible(a, b), "Compatible(%s, %s)", a, b)
			assert.Equal(t, Compatible(a, b), Compatible(b, a), "symmetry of %s, %s", a, b)
		}
	}
}

func TestParentLock(t *testing.T) {
	expected := map[LockType]LockType{S: IS, X: IX, IS: IS, IX: IX, SIX: IX, NL: NL}
	for child, parent := range expected {
		assert.Equal(t, parent, ParentLock(child), "ParentLock(%s)", child)
		assert.True(t, CanBeParentLock(ParentLock(child), child), "%s should parent %s", parent, child)
	}
}

func TestCanBeParentLock(t *testing.T) {
	matrix := [][]bool{
		//        NL    IS     IX     S      SIX    X
		/* NL */ {true, false, false, false, false, false},
		/* IS */ {true, true, false, true, false, false},
		/* IX */ {true, true, true, true, true, true},
		/* S  */ {true, false, false, false, false, false},
		/* SIX*/ {true, false, true, false, false, true},
		/* X  */ {true, false, false, false, false, false},
	}
	for i, parent := range allLockTypes {
		for j, child := range allLockTypes {
			assert.Equal(t, matrix[i][j], CanBeParentLock(parent, child), "CanBeParentLock(%s, %s)", parent, child)
		}
	}
}

func TestSubstitutable(t *testing.T) {
	matrix := [][]bool{
		// have \ need NL  IS     IX     S      SIX    X
		/* NL */ {true, false, false, false, false, false},
		/* IS */ {true, true, false, false, false, false},
		/* IX */ {true, true, true, false, false, false},
		/* S  */ {true, true, false, true, false, false},
		/* SIX*/ {true, true, true, true, true, false},
		/* X  */ {true, true, true, true, true, true},
	}
	for i, have := range allLockTypes {
		for j, need := range allLockTypes {
			assert.Equal(t, matrix[i][j], Substitutable(have, need), "Substitutable(%s, %s)", have, need)
		}
	}
}

func TestLockTypeString(t *testing.T) {
	assert.Equal(t, "SIX", SIX.String())
	assert.Equal(t, "NL", NL.String())
	assert.Equal(t, "LockType(42)", LockType(42).String())
}
