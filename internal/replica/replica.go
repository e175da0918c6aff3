// Package replica is the concurrency boundary around one store and its sync
// engine. Every store write and sync call goes through a single mutex; newly
// recorded entries are journaled, published to sibling instances and handed
// to watchers.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/store"
	syncstate "github.com/example/cellsync/internal/sync"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

const replayBatchSize = 512

var tracer = otel.Tracer("github.com/example/cellsync/replica")

// Journal durably records entries and replays them on boot.
type Journal interface {
	AppendEntries(ctx context.Context, replica types.ReplicaID, entries []types.Entry) (int64, error)
	ReplayChanges(ctx context.Context, replica types.ReplicaID, fromLSN int64, handler func(types.WALRecord) error) error
}

// Publisher fans locally recorded entries out to sibling instances.
type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

// Watcher receives every batch of newly recorded entries.
type Watcher func(types.Message)

// Status summarizes a replica for operators and peers.
type Status struct {
	ID          types.ReplicaID      `json:"id"`
	Entries     int                  `json:"entries"`
	Fingerprint uint32               `json:"fingerprint"`
	DigestNodes int                  `json:"digest_nodes"`
	Clock       hlc.State            `json:"clock"`
	Watermarks  syncstate.Watermarks `json:"watermarks"`
	LastLSN     int64                `json:"last_lsn"`
	Err         string               `json:"error,omitempty"`
}

// Option configures a Replica.
type Option func(*Replica)

// WithJournal persists every recorded entry.
func WithJournal(j Journal) Option {
	return func(r *Replica) {
		r.journal = j
	}
}

// WithPublisher fans local entries out after they are journaled.
func WithPublisher(p Publisher) Option {
	return func(r *Replica) {
		r.publisher = p
	}
}

// WithMaxClockDrift refuses remote batches carrying an Hlc more than d ahead
// of the wall clock. Zero accepts any time.
func WithMaxClockDrift(d time.Duration) Option {
	return func(r *Replica) {
		r.maxDrift = d
	}
}

// WithEngineOptions passes options through to the sync engine.
func WithEngineOptions(opts ...syncstate.Option) Option {
	return func(r *Replica) {
		r.engineOpts = append(r.engineOpts, opts...)
	}
}

// Replica serializes access to a store and its sync engine.
type Replica struct {
	mu         sync.Mutex
	id         types.ReplicaID
	store      *store.MemoryStore
	engine     *syncstate.Engine
	engineOpts []syncstate.Option
	journal    Journal
	publisher  Publisher
	maxDrift   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	pending   []types.Entry
	local     []types.Entry
	restoring bool
	lastLSN   int64

	watchMu  sync.RWMutex
	watchers map[int]Watcher
	nextID   int
}

// New attaches a sync engine to the store.
func New(st *store.MemoryStore, id types.ReplicaID, logger zerolog.Logger, opts ...Option) *Replica {
	r := &Replica{
		id:       id,
		store:    st,
		logger:   logger.With().Str("replica", string(id)).Logger(),
		watchers: make(map[int]Watcher),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = syncstate.NewEngine(st, string(id), logger, r.engineOpts...)
	r.engine.Subscribe(r.collect)
	return r
}

// collect runs inside the engine, always under r.mu.
func (r *Replica) collect(evt syncstate.Event) {
	r.pending = append(r.pending, evt.Entry)
	if evt.Origin == syncstate.OriginLocal {
		r.local = append(r.local, evt.Entry)
	}
}

// ID returns the replica identifier.
func (r *Replica) ID() types.ReplicaID { return r.id }

// SetCell writes a cell and records it as a local mutation.
func (r *Replica) SetCell(ctx context.Context, table, row, cell string, value any) error {
	return r.write(ctx, func() error {
		return r.store.SetCell(table, row, cell, value)
	})
}

// DeleteCell removes a cell and records a tombstone.
func (r *Replica) DeleteCell(ctx context.Context, table, row, cell string) error {
	return r.write(ctx, func() error {
		return r.store.DeleteCell(table, row, cell)
	})
}

// SetRow writes several cells of one row in a single store transaction.
func (r *Replica) SetRow(ctx context.Context, table, row string, cells map[string]any) error {
	return r.write(ctx, func() error {
		return r.store.SetRow(table, row, cells)
	})
}

func (r *Replica) write(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	if err := r.engine.Err(); err != nil {
		r.mu.Unlock()
		return err
	}
	err := fn()
	if err == nil {
		err = r.engine.Err()
	}
	batch, local, flushErr := r.flushLocked(ctx)
	r.mu.Unlock()

	r.fanOut(ctx, batch, local)
	if err != nil {
		return err
	}
	return flushErr
}

// GetCell reads a cell from the store.
func (r *Replica) GetCell(table, row, cell string) (any, bool) {
	return r.store.GetCell(table, row, cell)
}

// Tables returns a copy of the store contents.
func (r *Replica) Tables() store.Tables {
	return r.store.Tables()
}

// GetChanges returns the entries a peer with the given digest is missing.
func (r *Replica) GetChanges(digest *trie.Node) types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.GetChanges(digest)
}

// SetChanges applies a batch received from a peer.
func (r *Replica) SetChanges(ctx context.Context, msg types.Message) error {
	ctx, span := tracer.Start(ctx, "replica.set_changes")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(msg)))

	if err := r.checkDrift(msg); err != nil {
		driftRejections.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "clock drift")
		return err
	}

	r.mu.Lock()
	err := r.engine.SetChanges(msg)
	batch, local, flushErr := r.flushLocked(ctx)
	r.mu.Unlock()

	r.fanOut(ctx, batch, local)
	if err == nil {
		err = flushErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
	}
	return err
}

// checkDrift keeps a single far-future entry from pinning the clock at its
// counter limit. Restore replays through the engine and is not checked.
func (r *Replica) checkDrift(msg types.Message) error {
	if r.maxDrift <= 0 {
		return nil
	}
	now := r.now()
	for i, entry := range msg {
		if err := hlc.CheckDrift(entry.Hlc, now, r.maxDrift); errors.Is(err, hlc.ErrClockDrift) {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// Digest returns a copy of the trie digest.
func (r *Replica) Digest() *trie.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return trie.Clone(r.engine.Digest())
}

// Fingerprint returns the root fingerprint of the replica's trie.
func (r *Replica) Fingerprint() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Fingerprint()
}

// Entries returns the change log ordered by Hlc.
func (r *Replica) Entries() []types.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Entries()
}

// LastLSN returns the highest journal position written or replayed.
func (r *Replica) LastLSN() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLSN
}

// Status reports the replica's sync state.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{
		ID:          r.id,
		Entries:     r.engine.Len(),
		Fingerprint: r.engine.Fingerprint(),
		DigestNodes: trie.Count(r.engine.Digest()),
		Clock:       r.engine.Clock(),
		Watermarks:  r.engine.Watermarks(),
		LastLSN:     r.lastLSN,
	}
	if err := r.engine.Err(); err != nil {
		status.Err = err.Error()
	}
	return status
}

// Watch registers a watcher for newly recorded entries and returns a function
// that removes it. Watchers run outside the replica lock.
func (r *Replica) Watch(w Watcher) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	id := r.nextID
	r.nextID++
	r.watchers[id] = w
	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		delete(r.watchers, id)
	}
}

// Restore rebuilds the replica from a snapshot of its change log followed by
// every journaled entry after snapshotLSN. Nothing is re-journaled.
func (r *Replica) Restore(ctx context.Context, snapshot []types.Entry, snapshotLSN int64) error {
	ctx, span := tracer.Start(ctx, "replica.restore")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoring = true
	defer func() {
		r.restoring = false
		r.pending = nil
		r.local = nil
	}()

	if err := r.engine.SetChanges(snapshot); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	r.lastLSN = snapshotLSN

	if r.journal == nil {
		return nil
	}
	batch := make(types.Message, 0, replayBatchSize)
	apply := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.engine.SetChanges(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	err := r.journal.ReplayChanges(ctx, r.id, snapshotLSN, func(record types.WALRecord) error {
		batch = append(batch, record.Entry())
		if record.LSN > r.lastLSN {
			r.lastLSN = record.LSN
		}
		if len(batch) == replayBatchSize {
			return apply()
		}
		return nil
	})
	if err == nil {
		err = apply()
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("replay journal: %w", err)
	}

	r.logger.Info().
		Int("entries", r.engine.Len()).
		Int64("last_lsn", r.lastLSN).
		Msg("replica restored")
	return nil
}

// flushLocked journals entries recorded since the last flush and hands them
// back for fan-out.
func (r *Replica) flushLocked(ctx context.Context) (types.Message, types.Message, error) {
	batch, local := types.Message(r.pending), types.Message(r.local)
	r.pending, r.local = nil, nil
	if len(batch) == 0 || r.restoring || r.journal == nil {
		return batch, local, nil
	}

	lsn, err := r.journal.AppendEntries(ctx, r.id, batch)
	if err != nil {
		journalFailures.Inc()
		r.logger.Error().Err(err).Int("entries", len(batch)).Msg("failed to journal entries")
		return batch, local, fmt.Errorf("journal entries: %w", err)
	}
	if lsn > r.lastLSN {
		r.lastLSN = lsn
	}
	return batch, local, nil
}

func (r *Replica) fanOut(ctx context.Context, batch, local types.Message) {
	if len(local) > 0 && r.publisher != nil {
		if err := r.publisher.Publish(ctx, local); err != nil {
			r.logger.Warn().Err(err).Int("entries", len(local)).Msg("failed to publish local entries")
		}
	}
	if len(batch) == 0 {
		return
	}

	r.watchMu.RLock()
	watchers := make([]Watcher, 0, len(r.watchers))
	for id := 0; id < r.nextID; id++ {
		if w, ok := r.watchers[id]; ok {
			watchers = append(watchers, w)
		}
	}
	r.watchMu.RUnlock()

	for _, w := range watchers {
		w(batch)
	}
}

// Close detaches the engine from the store.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.Close()
}
