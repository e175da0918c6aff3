package syncstate

import (
	"sync"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/types"
)

// Watermarks maps an origin's encoded node hash to the highest Hlc recorded
// from it.
type Watermarks map[string]types.Hlc

// Clone returns a copy.
func (w Watermarks) Clone() Watermarks {
	out := make(Watermarks, len(w))
	for origin, h := range w {
		out[origin] = h
	}
	return out
}

// WatermarkTracker folds recorded Hlcs into per-origin watermarks.
type WatermarkTracker struct {
	mu    sync.RWMutex
	marks Watermarks
}

// NewWatermarkTracker constructs an empty tracker.
func NewWatermarkTracker() *WatermarkTracker {
	return &WatermarkTracker{marks: make(Watermarks)}
}

// Observe raises the watermark of the Hlc's origin. Malformed input is
// ignored.
func (t *WatermarkTracker) Observe(h types.Hlc) {
	if !hlc.Valid(h) {
		return
	}
	origin := OriginOf(h)

	t.mu.Lock()
	defer t.mu.Unlock()
	if h > t.marks[origin] {
		t.marks[origin] = h
	}
}

// Snapshot returns a copy of the current watermarks.
func (t *WatermarkTracker) Snapshot() Watermarks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.marks.Clone()
}

// OriginOf returns the encoded node hash suffix of an Hlc.
func OriginOf(h types.Hlc) string {
	return string(h[hlc.Length-hlc.HashChars:])
}
