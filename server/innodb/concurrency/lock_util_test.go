package concurrency

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSufficientLockHeld(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(tr *lockTree, txn Transaction)
		target   func(tr *lockTree) *LockContext
		lockType LockType
		requests []string
		expected map[string]LockType
	}{
		{
			name:     "fresh S on page",
			setup:    func(tr *lockTree, txn Transaction) {},
			target:   func(tr *lockTree) *LockContext { return tr.pages[0] },
			lockType: S,
			requests: []string{
				"acquire 1 database:0 IS",
				"acquire 1 database:0/table:1 IS",
				"acquire 1 database:0/table:1/page:0 S",
			},
			expected: map[string]LockType{"database:0": IS, "database:0/table:1": IS, "database:0/table:1/page:0": S},
		},
		{
			name: "X on page under IS table and IX database",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IX)
				mustAcquire(tr.table, txn, IS)
			},
			target:   func(tr *lockTree) *LockContext { return tr.pages[0] },
			lockType: X,
			requests: []string{
				"promote 1 database:0/table:1 IX",
				"acquire 1 database:0/table:1/page:0 X",
			},
			expected: map[string]LockType{"database:0": IX, "database:0/table:1": IX, "database:0/table:1/page:0": X},
		},
		{
			name: "S on table holding IX",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IX)
				mustAcquire(tr.table, txn, IX)
				mustAcquire(tr.pages[0], txn, X)
			},
			target:   func(tr *lockTree) *LockContext { return tr.table },
			lockType: S,
			requests: []string{"acquire-and-release 1 database:0/table:1 SIX [database:0/table:1]"},
			expected: map[string]LockType{"database:0": IX, "database:0/table:1": SIX, "database:0/table:1/page:0": X},
		},
		{
			name: "S on table holding IS escalates",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IS)
				mustAcquire(tr.table, txn, IS)
				mustAcquire(tr.pages[0], txn, S)
				mustAcquire(tr.pages[1], txn, S)
			},
			target:   func(tr *lockTree) *LockContext { return tr.table },
			lockType: S,
			requests: []string{
				"acquire-and-release 1 database:0/table:1 S [database:0/table:1 database:0/table:1/page:0 database:0/table:1/page:1]",
			},
			expected: map[string]LockType{"database:0": IS, "database:0/table:1": S},
		},
		{
			name: "X on page under S table",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IS)
				mustAcquire(tr.table, txn, S)
			},
			target:   func(tr *lockTree) *LockContext { return tr.pages[1] },
			lockType: X,
			requests: []string{
				"promote 1 database:0 IX",
				"acquire-and-release 1 database:0/table:1 SIX [database:0/table:1]",
				"acquire 1 database:0/table:1/page:1 X",
			},
			expected: map[string]LockType{"database:0": IX, "database:0/table:1": SIX, "database:0/table:1/page:1": X},
		},
		{
			name: "X on table holding S",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IS)
				mustAcquire(tr.table, txn, S)
			},
			target:   func(tr *lockTree) *LockContext { return tr.table },
			lockType: X,
			requests: []string{
				"promote 1 database:0 IX",
				"promote 1 database:0/table:1 X",
			},
			expected: map[string]LockType{"database:0": IX, "database:0/table:1": X},
		},
		{
			name: "already covered by ancestor",
			setup: func(tr *lockTree, txn Transaction) {
				mustAcquire(tr.db, txn, IX)
				mustAcquire(tr.table, txn, X)
			},
			target:   func(tr *lockTree) *LockContext { return tr.pages[0] },
			lockType: S,
			requests: nil,
			expected: map[string]LockType{"database:0": IX, "database:0/table:1": X},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newLockTree(2)
			txn := testTxn(1)
			tt.setup(tr, txn)
			tr.resetRequests()

			require.NoError(t, EnsureSufficientLockHeld(txn, tt.target(tr), tt.lockType))
			assert.Equal(t, tt.requests, nilIfEmpty(tr.requestStrings()))

			held := make(map[string]LockType)
			for _, l := range tr.lm.Locks(txn) {
				held[l.Name.String()] = l.LockType
			}
			assert.Equal(t, tt.expected, held)
			assert.True(t, Substitutable(tt.target(tr).EffectiveLockType(txn), tt.lockType))
		})
	}
}

func TestEnsureSufficientLockHeld_NoTransaction(t *testing.T) {
	tr := newLockTree(1)
	require.NoError(t, EnsureSufficientLockHeld(nil, tr.pages[0], X))
	require.NoError(t, EnsureSufficientLockHeld(testTxn(1), tr.pages[0], NL))
	assert.Empty(t, tr.requests)

	err := EnsureSufficientLockHeld(testTxn(1), tr.pages[0], IX)
	assert.Equal(t, ErrInvalidLock, errors.Cause(err))
}

func TestEnsureSufficientLockHeld_Idempotent(t *testing.T) {
	tr := newLockTree(1)
	txn := testTxn(1)
	require.NoError(t, EnsureSufficientLockHeld(txn, tr.pages[0], X))
	tr.resetRequests()
	require.NoError(t, EnsureSufficientLockHeld(txn, tr.pages[0], X))
	require.NoError(t, EnsureSufficientLockHeld(txn, tr.pages[0], S))
	assert.Empty(t, tr.requests)
}

func TestReleaseAll(t *testing.T) {
	tr := newLockTree(2)
	txn := testTxn(1)
	require.NoError(t, EnsureSufficientLockHeld(txn, tr.pages[0], X))
	require.NoError(t, EnsureSufficientLockHeld(txn, tr.pages[1], S))

	require.NoError(t, ReleaseAll(tr.lm, txn))
	assert.Empty(t, tr.lm.Locks(txn))
	assert.Equal(t, 0, tr.db.NumChildLocks(txn))
	assert.Equal(t, 0, tr.table.NumChildLocks(txn))
}

func mustAcquire(ctx *LockContext, txn Transaction, lockType LockType) {
	if err := ctx.Acquire(txn, lockType); err != nil {
		panic(err)
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
