package playback

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/types"
)

// Latest is the largest encodable Hlc; playback at Latest is the current state.
var Latest = types.Hlc("~~~~~~~~~~~~~~~~")

// Log provides the recorded entries playback folds into state.
type Log interface {
	Entries() []types.Entry
	Fingerprint() uint32
}

// Request captures the playback cursor.
type Request struct {
	At    types.Hlc
	Table string
}

// Response is the visible state at the cursor.
type Response struct {
	At      types.Hlc    `json:"at"`
	Applied int          `json:"applied"`
	Tables  store.Tables `json:"tables"`
}

// Service computes the last-writer-wins state visible at an Hlc from the
// change log: for every cell, the entry with the largest Hlc not after the
// cursor decides the value.
type Service struct {
	log    Log
	cache  *stateCache
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	CacheSize int
}

// NewService constructs a playback service over a change log.
func NewService(log Log, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		log:    log,
		cache:  newStateCache(cacheSize),
		logger: logger,
	}
}

// Playback returns the state at req.At.
func (s *Service) Playback(ctx context.Context, req Request) (Response, error) {
	if req.At == "" {
		req.At = Latest
	}
	if _, _, _, err := hlc.Decode(req.At); err != nil {
		return Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	// Cached states are only reused against the exact log they were built from.
	fingerprint := s.log.Fingerprint()
	entries := s.log.Entries()
	size := len(entries)

	state := cacheEntry{Tables: make(store.Tables)}
	if cached, ok := s.cache.Get(fingerprint, size, req.At); ok {
		state = cached
	}

	start := sort.Search(len(entries), func(i int) bool { return entries[i].Hlc > state.At })
	for _, entry := range entries[start:] {
		if entry.Hlc > req.At {
			break
		}
		apply(state.Tables, entry.Change)
		state.Applied++
	}
	state.At = req.At
	s.cache.Put(fingerprint, size, state)

	tables := state.Tables.Clone()
	if req.Table != "" {
		filtered := make(store.Tables, 1)
		if rows, ok := tables[req.Table]; ok {
			filtered[req.Table] = rows
		}
		tables = filtered
	}
	return Response{At: req.At, Applied: state.Applied, Tables: tables}, nil
}

func apply(tables store.Tables, c types.Change) {
	rows := tables[c.Table]
	if c.Tombstone() {
		cells := rows[c.Row]
		if cells == nil {
			return
		}
		delete(cells, c.Cell)
		if len(cells) == 0 {
			delete(rows, c.Row)
		}
		if len(rows) == 0 {
			delete(tables, c.Table)
		}
		return
	}
	if rows == nil {
		rows = make(map[string]map[string]any)
		tables[c.Table] = rows
	}
	cells := rows[c.Row]
	if cells == nil {
		cells = make(map[string]any)
		rows[c.Row] = cells
	}
	cells[c.Cell] = c.Value
}

// ErrInvalidCursor is returned for malformed at parameters.
var ErrInvalidCursor = errors.New("invalid playback cursor")

// ParseCursor validates an at parameter. Empty means Latest.
func ParseCursor(raw string) (types.Hlc, error) {
	if raw == "" {
		return Latest, nil
	}
	h := types.Hlc(raw)
	if !hlc.Valid(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	return h, nil
}
