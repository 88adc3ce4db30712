package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTable_WaitDie(t *testing.T) {
	lt := NewLockTable(4)
	ctx := context.Background()
	older := Version{Counter: 1, NodeID: "a"}
	holder := Version{Counter: 2, NodeID: "a"}
	younger := Version{Counter: 3, NodeID: "a"}

	require.NoError(t, lt.Lock(ctx, "k", holder))
	// Reentrant for the same version.
	require.NoError(t, lt.Lock(ctx, "k", holder))

	err := lt.Lock(ctx, "k", younger)
	require.ErrorIs(t, err, ErrConflict)

	got := make(chan error, 1)
	go func() { got <- lt.Lock(ctx, "k", older) }()
	select {
	case err := <-got:
		t.Fatalf("older version did not wait: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.False(t, lt.Unlock("k", younger))
	require.True(t, lt.Unlock("k", holder))
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("older version still waiting")
	}
	owner, ok := lt.Owner("k")
	require.True(t, ok)
	require.Equal(t, older, owner)
}

func TestLockTable_WaitTimesOut(t *testing.T) {
	lt := NewLockTable(0)
	require.NoError(t, lt.Lock(context.Background(), "k", Version{Counter: 5}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lt.Lock(ctx, "k", Version{Counter: 1})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestLockTable_LockAllReleasesOnFailure(t *testing.T) {
	lt := NewLockTable(8)
	ctx := context.Background()
	tx := Version{Counter: 10}
	other := Version{Counter: 1}

	require.NoError(t, lt.Lock(ctx, "b", tx))
	require.NoError(t, lt.Lock(ctx, "c", other))

	err := lt.LockAll(ctx, []string{"a", "b", "c"}, tx)
	require.ErrorIs(t, err, ErrConflict)

	_, ok := lt.Owner("a")
	require.False(t, ok, "lock taken by the failed call is released")
	owner, ok := lt.Owner("b")
	require.True(t, ok, "lock held before the call is kept")
	require.Equal(t, tx, owner)

	lt.UnlockAll([]string{"a", "b", "c"}, tx)
	_, ok = lt.Owner("b")
	require.False(t, ok)
	owner, _ = lt.Owner("c")
	require.Equal(t, other, owner)
}
