// Package changelog keeps every change a replica has seen, keyed by Hlc, and
// the per-cell last-writer-wins index that decides which of them is visible.
package changelog

import (
	"sort"

	"github.com/example/cellsync/internal/types"
)

// Log is an append-only map from Hlc to Change plus a winner index. It is not
// safe for concurrent use.
type Log struct {
	changes map[types.Hlc]types.Change
	winners map[types.Coordinate]types.Hlc
}

// New constructs an empty log.
func New() *Log {
	return &Log{
		changes: make(map[types.Hlc]types.Change),
		winners: make(map[types.Coordinate]types.Hlc),
	}
}

// Record appends the change and reports whether it became the winner for its
// cell. Recording an Hlc that is already present changes nothing and returns
// false.
func (l *Log) Record(h types.Hlc, change types.Change) bool {
	if _, ok := l.changes[h]; ok {
		return false
	}
	l.changes[h] = change
	if !l.beats(h, change.Coordinate()) {
		return false
	}
	l.winners[change.Coordinate()] = h
	return true
}

// WouldWin reports whether recording the change now would make it the
// winner, without recording it.
func (l *Log) WouldWin(h types.Hlc, change types.Change) bool {
	if _, ok := l.changes[h]; ok {
		return false
	}
	return l.beats(h, change.Coordinate())
}

func (l *Log) beats(h types.Hlc, coord types.Coordinate) bool {
	current, ok := l.Winner(coord)
	return !ok || h > current
}

// Get returns the change recorded under h.
func (l *Log) Get(h types.Hlc) (types.Change, bool) {
	change, ok := l.changes[h]
	return change, ok
}

// Has reports whether h has been recorded.
func (l *Log) Has(h types.Hlc) bool {
	_, ok := l.changes[h]
	return ok
}

// Winner returns the Hlc of the visible change for a cell.
func (l *Log) Winner(coord types.Coordinate) (types.Hlc, bool) {
	h, ok := l.winners[coord]
	return h, ok
}

// Len returns the number of recorded changes.
func (l *Log) Len() int {
	return len(l.changes)
}

// Entries returns every recorded change ordered by Hlc.
func (l *Log) Entries() []types.Entry {
	out := make([]types.Entry, 0, len(l.changes))
	for h, change := range l.changes {
		out = append(out, types.Entry{Hlc: h, Change: change})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hlc < out[j].Hlc })
	return out
}

// Lookup resolves Hlcs to entries, skipping any that were never recorded.
func (l *Log) Lookup(hlcs []types.Hlc) []types.Entry {
	out := make([]types.Entry, 0, len(hlcs))
	for _, h := range hlcs {
		if change, ok := l.changes[h]; ok {
			out = append(out, types.Entry{Hlc: h, Change: change})
		}
	}
	return out
}
