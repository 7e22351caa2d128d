package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTable_WritableWhenFree(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	require.True(t, tbl.Writable("c", "k", NewOwner()))
}

func TestTable_TryLockExclusive(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	a, b := NewOwner(), NewOwner()

	require.True(t, tbl.TryLock("c", "k", a))
	require.False(t, tbl.TryLock("c", "k", b))
	require.True(t, tbl.Writable("c", "k", a))
	require.False(t, tbl.Writable("c", "k", b))

	tbl.Unlock("c", "k")
	require.True(t, tbl.TryLock("c", "k", b))
}

func TestTable_TryLockAllAtomicity(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	a, b := NewOwner(), NewOwner()

	require.True(t, tbl.TryLock("c", "y", a))

	ok, conflict := tbl.TryLockAll("c", []any{"x", "y", "z"}, b)
	require.False(t, ok)
	require.Equal(t, any("y"), conflict)

	// "x" and "z" must not have been locked by the failed attempt.
	require.True(t, tbl.Writable("c", "x", a))
	require.True(t, tbl.Writable("c", "z", a))
}

func TestTable_WaitReleaseWakesOnUnlock(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	a := NewOwner()
	require.True(t, tbl.TryLock("c", "k", a))

	done := make(chan struct{})
	go func() {
		<-tbl.WaitRelease("c", "k")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waiter fired before release")
	case <-time.After(20 * time.Millisecond):
	}

	tbl.Unlock("c", "k")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}
}

func TestTable_WaitReleaseAlreadyFreeReturnsClosed(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	select {
	case <-tbl.WaitRelease("c", "k"):
	default:
		t.Fatal("expected already-closed channel for a free key")
	}
}
