package store

import (
	"errors"
	"sync"

	"github.com/example/cellsync/internal/types"
)

// ErrInvalidCell is returned for writes that do not address a cell.
var ErrInvalidCell = errors.New("table, row and cell ids are required")

// CellListener receives every cell write, in mutation order. A nil Value
// means the cell was deleted.
type CellListener func(types.CellChange)

// Tx stages cell mutations inside a transaction.
type Tx interface {
	SetCell(table, row, cell string, value any) error
	DeleteCell(table, row, cell string) error
}

// Store is the tabular key/value store a sync engine is attached to.
type Store interface {
	// Transaction applies every mutation staged by fn as one unit, or none
	// of them when fn or the commit fails. Listeners are notified before
	// Transaction returns.
	Transaction(fn func(tx Tx) error) error
	// AddCellListener registers a listener and returns a function that
	// removes it.
	AddCellListener(listener CellListener) func()
}

// Tables is a table -> row -> cell -> value snapshot.
type Tables map[string]map[string]map[string]any

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tables Tables

	listenersMu sync.RWMutex
	listeners   map[int]CellListener
	nextID      int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:    make(Tables),
		listeners: make(map[int]CellListener),
	}
}

// AddCellListener implements Store.
func (s *MemoryStore) AddCellListener(listener CellListener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

type mutation struct {
	table, row, cell string
	value            any
}

type memoryTx struct {
	staged []mutation
}

func (tx *memoryTx) SetCell(table, row, cell string, value any) error {
	if table == "" || row == "" || cell == "" {
		return ErrInvalidCell
	}
	normalized, err := types.NormalizeValue(value)
	if err != nil {
		return err
	}
	if normalized == nil {
		return errors.New("use DeleteCell to remove a cell")
	}
	tx.staged = append(tx.staged, mutation{table: table, row: row, cell: cell, value: normalized})
	return nil
}

func (tx *memoryTx) DeleteCell(table, row, cell string) error {
	if table == "" || row == "" || cell == "" {
		return ErrInvalidCell
	}
	tx.staged = append(tx.staged, mutation{table: table, row: row, cell: cell})
	return nil
}

// Transaction implements Store.
func (s *MemoryStore) Transaction(fn func(tx Tx) error) error {
	tx := &memoryTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	changes := make([]types.CellChange, 0, len(tx.staged))
	for _, m := range tx.staged {
		if s.apply(m) {
			changes = append(changes, types.CellChange{Table: m.table, Row: m.row, Cell: m.cell, Value: m.value})
		}
	}
	s.mu.Unlock()

	listeners := s.listenersSnapshot()
	for _, change := range changes {
		for _, listener := range listeners {
			listener(change)
		}
	}
	return nil
}

// apply mutates the tables and reports whether anything changed. Deleting
// the last cell of a row removes the row, and likewise for tables.
func (s *MemoryStore) apply(m mutation) bool {
	if m.value == nil {
		rows := s.tables[m.table]
		cells := rows[m.row]
		if _, ok := cells[m.cell]; !ok {
			return false
		}
		delete(cells, m.cell)
		if len(cells) == 0 {
			delete(rows, m.row)
		}
		if len(rows) == 0 {
			delete(s.tables, m.table)
		}
		return true
	}

	rows := s.tables[m.table]
	if rows == nil {
		rows = make(map[string]map[string]any)
		s.tables[m.table] = rows
	}
	cells := rows[m.row]
	if cells == nil {
		cells = make(map[string]any)
		rows[m.row] = cells
	}
	if current, ok := cells[m.cell]; ok && current == m.value {
		return false
	}
	cells[m.cell] = m.value
	return true
}

// SetCell writes a single cell in its own transaction.
func (s *MemoryStore) SetCell(table, row, cell string, value any) error {
	return s.Transaction(func(tx Tx) error {
		return tx.SetCell(table, row, cell, value)
	})
}

// DeleteCell removes a single cell in its own transaction.
func (s *MemoryStore) DeleteCell(table, row, cell string) error {
	return s.Transaction(func(tx Tx) error {
		return tx.DeleteCell(table, row, cell)
	})
}

// SetRow writes every cell of a row in one transaction.
func (s *MemoryStore) SetRow(table, row string, cells map[string]any) error {
	return s.Transaction(func(tx Tx) error {
		for cell, value := range cells {
			if err := tx.SetCell(table, row, cell, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCell returns the value of a cell.
func (s *MemoryStore) GetCell(table, row, cell string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.tables[table][row][cell]
	return value, ok
}

// Tables returns a deep copy of the store contents.
func (s *MemoryStore) Tables() Tables {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tables.Clone()
}

// Clone returns a deep copy.
func (t Tables) Clone() Tables {
	out := make(Tables, len(t))
	for table, rows := range t {
		rowsCopy := make(map[string]map[string]any, len(rows))
		for row, cells := range rows {
			cellsCopy := make(map[string]any, len(cells))
			for cell, value := range cells {
				cellsCopy[cell] = value
			}
			rowsCopy[row] = cellsCopy
		}
		out[table] = rowsCopy
	}
	return out
}

func (s *MemoryStore) listenersSnapshot() []CellListener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	out := make([]CellListener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if listener, ok := s.listeners[id]; ok {
			out = append(out, listener)
		}
	}
	return out
}
