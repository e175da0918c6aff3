package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cellsync/internal/types"
)

func TestSetAndDeleteCellNotifyListeners(t *testing.T) {
	s := NewMemoryStore()
	var seen []types.CellChange
	remove := s.AddCellListener(func(c types.CellChange) { seen = append(seen, c) })

	require.NoError(t, s.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, s.SetCell("pets", "fido", "legs", 4))
	require.NoError(t, s.DeleteCell("pets", "fido", "legs"))

	assert.Equal(t, []types.CellChange{
		{Table: "pets", Row: "fido", Cell: "species", Value: "dog"},
		{Table: "pets", Row: "fido", Cell: "legs", Value: float64(4)},
		{Table: "pets", Row: "fido", Cell: "legs", Value: nil},
	}, seen)

	remove()
	require.NoError(t, s.SetCell("pets", "fido", "species", "cat"))
	assert.Len(t, seen, 3)
}

func TestUnchangedWritesAreSilent(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	s.AddCellListener(func(types.CellChange) { calls++ })

	require.NoError(t, s.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, s.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, s.DeleteCell("pets", "rex", "species"))
	assert.Equal(t, 1, calls)
}

func TestDeletingLastCellPrunesRowAndTable(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, s.DeleteCell("pets", "fido", "species"))
	assert.Empty(t, s.Tables())
}

func TestTransactionIsAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	s.AddCellListener(func(types.CellChange) { calls++ })

	boom := errors.New("boom")
	err := s.Transaction(func(tx Tx) error {
		require.NoError(t, tx.SetCell("pets", "fido", "species", "dog"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Tables())
	assert.Equal(t, 0, calls)

	require.NoError(t, s.Transaction(func(tx Tx) error {
		if err := tx.SetCell("pets", "fido", "species", "dog"); err != nil {
			return err
		}
		return tx.SetCell("pets", "felix", "species", "cat")
	}))
	assert.Equal(t, 2, calls)
	assert.Len(t, s.Tables()["pets"], 2)
}

func TestInvalidWritesAreRejected(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.SetCell("", "fido", "species", "dog"), ErrInvalidCell)
	assert.Error(t, s.SetCell("pets", "fido", "species", []int{1}))
	assert.Error(t, s.SetCell("pets", "fido", "species", nil))
}

func TestTablesReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetRow("pets", "felix", map[string]any{"species": "cat", "furry": true}))

	snapshot := s.Tables()
	snapshot["pets"]["felix"]["species"] = "dog"

	value, ok := s.GetCell("pets", "felix", "species")
	require.True(t, ok)
	assert.Equal(t, "cat", value)
}
