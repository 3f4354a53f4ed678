package historymap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGet(t *testing.T) {
	h := New[string, int]()
	_, ok := h.Get("a")
	require.False(t, ok)

	h.Insert("a", 1)
	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRollbackUndoesNewKey(t *testing.T) {
	h := New[string, int]()
	h.BeginTransaction()
	h.Insert("a", 1)
	h.EndTransaction(true)

	_, ok := h.Get("a")
	require.False(t, ok)
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	h := New[string, int]()
	h.Insert("a", 1)

	h.BeginTransaction()
	h.Insert("a", 2)
	h.Insert("a", 3)
	h.EndTransaction(true)

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCommitKeepsValueAndFoldsIntoParent(t *testing.T) {
	h := New[string, int]()
	h.BeginTransaction() // depth 1
	h.Insert("a", 1)

	h.BeginTransaction() // depth 2
	h.Insert("a", 2)
	h.EndTransaction(false) // commit depth 2 into depth 1

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	// now roll back depth 1: since depth-2's write was folded into
	// depth 1, rolling back depth 1 must undo it too.
	h.EndTransaction(true)
	_, ok = h.Get("a")
	require.False(t, ok)
}

func TestNestedRollbackOnlyAffectsInnerScope(t *testing.T) {
	h := New[string, int]()
	h.Insert("a", 1)

	h.BeginTransaction() // depth 1
	h.Insert("a", 2)

	h.BeginTransaction() // depth 2
	h.Insert("a", 3)
	h.EndTransaction(true) // revert depth 2 only

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	h.EndTransaction(true) // revert depth 1
	v, ok = h.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestGetOrTryInsertWith(t *testing.T) {
	h := New[string, int]()
	calls := 0
	create := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := h.GetOrTryInsertWith("a", create)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)

	v, err = h.GetOrTryInsertWith("a", create)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls, "create must not be called again once inserted")
}

func TestGetOrTryInsertWithPropagatesError(t *testing.T) {
	h := New[string, int]()
	wantErr := errors.New("boom")
	_, err := h.GetOrTryInsertWith("a", func() (int, error) { return 0, wantErr })
	require.ErrorIs(t, err, wantErr)
	_, ok := h.Get("a")
	require.False(t, ok, "failed create must not insert")
}

func TestDiscardHistoryDropsUndoLog(t *testing.T) {
	h := New[string, int]()
	h.Insert("a", 1)
	h.BeginTransaction()
	h.Insert("a", 2)
	require.Equal(t, 1, h.HistoryLen("a"))

	h.DiscardHistory()
	require.Equal(t, 0, h.HistoryLen("a"))

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestDuplicateInsertsWithinSameDepthRollBackCleanly(t *testing.T) {
	h := New[string, int]()
	h.Insert("a", 1)

	h.BeginTransaction()
	h.Insert("a", 2)
	h.Insert("a", 3)
	h.Insert("a", 4)
	h.EndTransaction(true)

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}
