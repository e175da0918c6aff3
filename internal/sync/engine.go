package syncstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/changelog"
	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

var (
	// ErrApplying is returned when an operation is attempted while a remote
	// batch is being projected into the store.
	ErrApplying = errors.New("sync engine is applying a remote batch")
)

// StoreTransactionError wraps a failure of the store's atomic apply.
type StoreTransactionError struct {
	Err error
}

func (e *StoreTransactionError) Error() string {
	return fmt.Sprintf("store transaction failed: %v", e.Err)
}

func (e *StoreTransactionError) Unwrap() error {
	return e.Err
}

// Mode is the engine's re-entrancy state.
type Mode int

const (
	// ModeIdle captures local mutations.
	ModeIdle Mode = iota
	// ModeApplying suspends capture while a remote batch is projected.
	ModeApplying
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeApplying:
		return "applying"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Origin tells where a recorded entry came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event is emitted for every entry the engine records for the first time.
type Event struct {
	Entry   types.Entry
	Origin  Origin
	Winning bool
}

// Listener receives engine events.
type Listener func(Event)

type options struct {
	clock     []hlc.ClockOption
	trieDepth int
}

// Option configures an Engine.
type Option func(*options)

// WithClockOptions passes options through to the replica's clock.
func WithClockOptions(opts ...hlc.ClockOption) Option {
	return func(o *options) {
		o.clock = append(o.clock, opts...)
	}
}

// WithTrieDepth bounds the depth of the Hlc trie.
func WithTrieDepth(depth int) Option {
	return func(o *options) {
		o.trieDepth = depth
	}
}

// Engine ties one replica's clock, change log and trie to its store. It is
// single-writer: callers running under real parallelism must serialize all
// calls, including store writes that trigger OnLocalMutation.
type Engine struct {
	replicaID string
	store     store.Store
	clock     *hlc.Clock
	log       *changelog.Log
	trie      *trie.Trie
	marks     *WatermarkTracker
	mode      Mode
	fatal     error
	logger    zerolog.Logger

	listeners map[int]Listener
	nextID    int
	detach    func()
}

// NewEngine attaches an engine to the store. Every store write made while the
// engine is idle is recorded as a local mutation.
func NewEngine(st store.Store, replicaID string, logger zerolog.Logger, opts ...Option) *Engine {
	o := options{trieDepth: trie.MaxDepth}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		replicaID: replicaID,
		store:     st,
		clock:     hlc.NewClock(replicaID, o.clock...),
		log:       changelog.New(),
		trie:      trie.New(trie.WithDepth(o.trieDepth)),
		marks:     NewWatermarkTracker(),
		logger:    logger.With().Str("replica", replicaID).Logger(),
		listeners: make(map[int]Listener),
	}
	e.detach = st.AddCellListener(e.handleCellChange)
	return e
}

// Close detaches the engine from its store.
func (e *Engine) Close() {
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
}

// Mode returns the current re-entrancy state.
func (e *Engine) Mode() Mode { return e.mode }

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error { return e.fatal }

// Subscribe registers a listener for newly recorded entries and returns a
// function that removes it.
func (e *Engine) Subscribe(listener Listener) func() {
	id := e.nextID
	e.nextID++
	e.listeners[id] = listener
	return func() {
		delete(e.listeners, id)
	}
}

func (e *Engine) emit(evt Event) {
	for id := 0; id < e.nextID; id++ {
		if listener, ok := e.listeners[id]; ok {
			listener(evt)
		}
	}
}

func (e *Engine) handleCellChange(c types.CellChange) {
	if e.mode != ModeIdle {
		return
	}
	if err := e.OnLocalMutation(c.Table, c.Row, c.Cell, c.Value); err != nil {
		e.logger.Error().Err(err).
			Str("table", c.Table).
			Str("row", c.Row).
			Str("cell", c.Cell).
			Msg("failed to record local mutation")
	}
}

// OnLocalMutation records provenance for a write the store has already
// applied. A nil value records a tombstone.
func (e *Engine) OnLocalMutation(table, row, cell string, value any) error {
	if e.mode != ModeIdle {
		return ErrApplying
	}
	if e.fatal != nil {
		return e.fatal
	}
	normalized, err := types.NormalizeValue(value)
	if err != nil {
		return err
	}
	change := types.Change{Table: table, Row: row, Cell: cell, Value: normalized}

	h, err := e.clock.GetLocal()
	if err != nil {
		e.fatal = err
		e.logger.Error().Err(err).Msg("clock failure; engine stopped")
		return err
	}
	winning := e.log.Record(h, change)
	e.trie.Insert(h)
	e.marks.Observe(h)

	localMutations.WithLabelValues(e.replicaID).Inc()
	trieSize.WithLabelValues(e.replicaID).Set(float64(e.trie.Len()))
	e.emit(Event{Entry: types.Entry{Hlc: h, Change: change}, Origin: OriginLocal, Winning: winning})
	return nil
}

// GetChanges returns the entries a peer with the given digest is missing,
// ordered by Hlc. A nil digest requests everything.
func (e *Engine) GetChanges(peerDigest *trie.Node) types.Message {
	hlcs := e.trie.Excess(peerDigest)
	return types.Message(e.log.Lookup(hlcs))
}

// SetChanges applies a remote batch. The batch is validated as a whole first;
// winning entries are then projected into the store in one transaction, and
// only after that commits are the entries observed, indexed and logged.
func (e *Engine) SetChanges(msg types.Message) (err error) {
	if e.mode != ModeIdle {
		return ErrApplying
	}
	if e.fatal != nil {
		return e.fatal
	}
	msg, err = validateMessage(msg)
	if err != nil {
		rejectedBatches.WithLabelValues(e.replicaID, "format").Inc()
		return err
	}

	start := time.Now()
	e.mode = ModeApplying
	defer func() {
		e.mode = ModeIdle
		applyLatency.WithLabelValues(e.replicaID).Observe(time.Since(start).Seconds())
	}()

	fresh, winning := e.plan(msg)
	if len(fresh) == 0 {
		return nil
	}

	if err := e.store.Transaction(func(tx store.Tx) error {
		for i, entry := range fresh {
			if !winning[i] {
				continue
			}
			c := entry.Change
			if c.Tombstone() {
				if err := tx.DeleteCell(c.Table, c.Row, c.Cell); err != nil {
					return err
				}
				continue
			}
			if err := tx.SetCell(c.Table, c.Row, c.Cell, c.Value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		rejectedBatches.WithLabelValues(e.replicaID, "store").Inc()
		return &StoreTransactionError{Err: err}
	}

	for _, entry := range fresh {
		if err := e.clock.ObserveRemote(entry.Hlc); err != nil {
			return err
		}
		e.trie.Insert(entry.Hlc)
		e.marks.Observe(entry.Hlc)
		won := e.log.Record(entry.Hlc, entry.Change)
		e.emit(Event{Entry: entry, Origin: OriginRemote, Winning: won})
	}

	batchEntries.WithLabelValues(e.replicaID).Observe(float64(len(fresh)))
	trieSize.WithLabelValues(e.replicaID).Set(float64(e.trie.Len()))
	e.logger.Debug().Int("received", len(msg)).Int("new", len(fresh)).Msg("applied remote batch")
	return nil
}

// plan drops entries already logged or repeated within the batch and decides,
// in message order, which of the rest win their cell.
func (e *Engine) plan(msg types.Message) ([]types.Entry, []bool) {
	seen := make(map[types.Hlc]struct{}, len(msg))
	pending := make(map[types.Coordinate]types.Hlc)
	fresh := make([]types.Entry, 0, len(msg))
	winning := make([]bool, 0, len(msg))

	for _, entry := range msg {
		if _, dup := seen[entry.Hlc]; dup || e.log.Has(entry.Hlc) {
			continue
		}
		seen[entry.Hlc] = struct{}{}

		coord := entry.Change.Coordinate()
		wins := e.log.WouldWin(entry.Hlc, entry.Change)
		if current, ok := pending[coord]; ok && entry.Hlc <= current {
			wins = false
		}
		if wins {
			pending[coord] = entry.Hlc
		}
		fresh = append(fresh, entry)
		winning = append(winning, wins)
	}
	return fresh, winning
}

// validateMessage checks every entry and returns a copy with normalized
// values. The caller's message is left untouched.
func validateMessage(msg types.Message) (types.Message, error) {
	out := make(types.Message, len(msg))
	for i, entry := range msg {
		if _, _, _, err := hlc.Decode(entry.Hlc); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if err := entry.Change.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, &hlc.FormatError{Input: string(entry.Hlc), Reason: err.Error()})
		}
		entry.Change.Value, _ = types.NormalizeValue(entry.Change.Value)
		out[i] = entry
	}
	return out, nil
}

// Digest returns the root of the Hlc trie. It is shared with the engine and
// must be cloned before leaving the caller's critical section.
func (e *Engine) Digest() *trie.Node {
	return e.trie.Root()
}

// Fingerprint summarizes every Hlc the replica has recorded.
func (e *Engine) Fingerprint() uint32 {
	return e.trie.Fingerprint()
}

// Len returns the number of recorded entries.
func (e *Engine) Len() int {
	return e.log.Len()
}

// Entries returns the whole change log ordered by Hlc.
func (e *Engine) Entries() []types.Entry {
	return e.log.Entries()
}

// Clock returns the current clock state.
func (e *Engine) Clock() hlc.State {
	return e.clock.State()
}

// Watermarks returns the highest Hlc recorded from each origin.
func (e *Engine) Watermarks() Watermarks {
	return e.marks.Snapshot()
}
