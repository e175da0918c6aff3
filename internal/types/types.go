package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Hlc is a 16 character, order-preserving encoded hybrid logical timestamp.
type Hlc string

// ReplicaID identifies one independent store instance.
type ReplicaID string

// Change is an immutable cell mutation. A nil Value is a tombstone.
type Change struct {
	Table string `json:"table"`
	Row   string `json:"row"`
	Cell  string `json:"cell"`
	Value any    `json:"value"`
}

// Tombstone reports whether the change deletes the cell.
func (c Change) Tombstone() bool {
	return c.Value == nil
}

// Coordinate identifies a single cell.
type Coordinate struct {
	Table string
	Row   string
	Cell  string
}

// Coordinate returns the cell addressed by the change.
func (c Change) Coordinate() Coordinate {
	return Coordinate{Table: c.Table, Row: c.Row, Cell: c.Cell}
}

// Validate checks that the change addresses a cell and carries a supported value.
func (c Change) Validate() error {
	if c.Table == "" || c.Row == "" || c.Cell == "" {
		return fmt.Errorf("change must address table, row and cell")
	}
	if _, err := NormalizeValue(c.Value); err != nil {
		return err
	}
	return nil
}

// Entry pairs a change with the timestamp it was recorded under.
type Entry struct {
	Hlc    Hlc
	Change Change
}

// MarshalJSON renders the entry as the flat tuple [hlc, table, row, cell, value].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{string(e.Hlc), e.Change.Table, e.Change.Row, e.Change.Cell, e.Change.Value})
}

// UnmarshalJSON parses the flat tuple form produced by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	if len(tuple) != 5 {
		return fmt.Errorf("decode entry: expected 5 fields, got %d", len(tuple))
	}
	var hlc, table, row, cell string
	for i, dst := range []*string{&hlc, &table, &row, &cell} {
		if err := json.Unmarshal(tuple[i], dst); err != nil {
			return fmt.Errorf("decode entry field %d: %w", i, err)
		}
	}
	var value any
	if err := json.Unmarshal(tuple[4], &value); err != nil {
		return fmt.Errorf("decode entry value: %w", err)
	}
	normalized, err := NormalizeValue(value)
	if err != nil {
		return err
	}
	e.Hlc = Hlc(hlc)
	e.Change = Change{Table: table, Row: row, Cell: cell, Value: normalized}
	return nil
}

// Message is the unit exchanged between replicas: the entries a peer is missing.
type Message []Entry

// CellChange is delivered by the store to its cell listeners for every write.
type CellChange struct {
	Table string
	Row   string
	Cell  string
	Value any
}

// NormalizeValue maps supported cell values onto string, float64 or bool. A nil
// value stays nil and denotes a tombstone.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("unsupported cell number %q: %w", t, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported cell value type %T", v)
	}
}

// WALRecord stores a durable representation of a recorded entry.
type WALRecord struct {
	LSN       int64     `json:"lsn,omitempty"`
	Replica   ReplicaID `json:"replica_id"`
	Hlc       Hlc       `json:"hlc"`
	Change    Change    `json:"change"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry returns the change log entry held by the record.
func (r WALRecord) Entry() Entry {
	return Entry{Hlc: r.Hlc, Change: r.Change}
}

// MarshalBinary serializes a WALRecord to JSON for storage in a byte-oriented
// WAL.
func (r WALRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	type alias WALRecord
	return json.Marshal(alias(r))
}

// UnmarshalBinary deserializes a WALRecord from the JSON representation.
func (r *WALRecord) UnmarshalBinary(data []byte) error {
	type alias WALRecord
	var payload alias
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode wal record: %w", err)
	}
	value, err := NormalizeValue(payload.Change.Value)
	if err != nil {
		return fmt.Errorf("decode wal record: %w", err)
	}
	payload.Change.Value = value
	*r = WALRecord(payload)
	return nil
}
