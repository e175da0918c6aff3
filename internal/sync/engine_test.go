package syncstate

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/types"
)

type manualClock struct {
	ms int64
}

func (c *manualClock) now() time.Time { return time.UnixMilli(c.ms) }

type replica struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *manualClock
}

func newReplica(t *testing.T, id string, startMs int64, opts ...Option) *replica {
	t.Helper()
	clock := &manualClock{ms: startMs}
	st := store.NewMemoryStore()
	opts = append([]Option{WithClockOptions(hlc.WithNow(clock.now))}, opts...)
	engine := NewEngine(st, id, zerolog.New(io.Discard), opts...)
	t.Cleanup(engine.Close)
	return &replica{engine: engine, store: st, clock: clock}
}

// exchange runs one pull in each direction, from b into a first.
func exchange(t *testing.T, a, b *replica) {
	t.Helper()
	require.NoError(t, a.engine.SetChanges(b.engine.GetChanges(a.engine.Digest())))
	require.NoError(t, b.engine.SetChanges(a.engine.GetChanges(b.engine.Digest())))
}

func cellValue(r *replica, table, row, cell string) any {
	value, _ := r.store.GetCell(table, row, cell)
	return value
}

func TestLocalWritesAreRecorded(t *testing.T) {
	r := newReplica(t, "a", 1000)
	var events []Event
	r.engine.Subscribe(func(e Event) { events = append(events, e) })

	require.NoError(t, r.store.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, r.store.DeleteCell("pets", "fido", "species"))

	assert.Equal(t, 2, r.engine.Len())
	assert.NotZero(t, r.engine.Fingerprint())
	require.Len(t, events, 2)
	assert.Equal(t, OriginLocal, events[0].Origin)
	assert.True(t, events[0].Winning)
	assert.Equal(t, "dog", events[0].Entry.Change.Value)
	assert.True(t, events[1].Entry.Change.Tombstone())
	assert.Less(t, events[0].Entry.Hlc, events[1].Entry.Hlc)
}

func TestGetChangesWithNilDigestReturnsEverything(t *testing.T) {
	r := newReplica(t, "a", 1000)
	require.NoError(t, r.store.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, r.store.SetCell("pets", "felix", "species", "cat"))

	msg := r.engine.GetChanges(nil)
	require.Len(t, msg, 2)
	assert.Less(t, msg[0].Hlc, msg[1].Hlc)
	assert.Empty(t, r.engine.GetChanges(r.engine.Digest()))
}

func TestReplicasConvergeInEitherOrder(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		a := newReplica(t, "a", 1000)
		b := newReplica(t, "b", 1000, WithClockOptions(hlc.WithOffset(time.Second)))

		require.NoError(t, a.store.SetCell("pets", "fido", "species", "dog"))
		require.NoError(t, b.store.SetCell("pets", "fido", "species", "cat"))

		if reversed {
			exchange(t, b, a)
		} else {
			exchange(t, a, b)
		}

		assert.Equal(t, "cat", cellValue(a, "pets", "fido", "species"))
		assert.Equal(t, "cat", cellValue(b, "pets", "fido", "species"))
		assert.Equal(t, a.engine.Fingerprint(), b.engine.Fingerprint())
		assert.Equal(t, 2, a.engine.Len())
		assert.Equal(t, 2, b.engine.Len())
		assert.Empty(t, a.engine.GetChanges(b.engine.Digest()))
		assert.Empty(t, b.engine.GetChanges(a.engine.Digest()))
	}
}

func TestAppliedChangesAreNotReRecordedAsLocal(t *testing.T) {
	a := newReplica(t, "a", 1000)
	b := newReplica(t, "b", 1000)
	var origins []Origin
	b.engine.Subscribe(func(e Event) { origins = append(origins, e.Origin) })

	require.NoError(t, a.store.SetRow("pets", "fido", map[string]any{"species": "dog", "legs": 4}))
	require.NoError(t, b.engine.SetChanges(a.engine.GetChanges(b.engine.Digest())))

	assert.Equal(t, []Origin{OriginRemote, OriginRemote}, origins)
	assert.Equal(t, 2, b.engine.Len())
	assert.Equal(t, ModeIdle, b.engine.Mode())
	assert.Equal(t, float64(4), cellValue(b, "pets", "fido", "legs"))
}

func TestLaterTombstoneRemovesCellEverywhere(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		a := newReplica(t, "a", 1000)
		b := newReplica(t, "b", 1000)

		require.NoError(t, a.store.SetCell("pets", "fido", "legs", 4))
		exchange(t, a, b)
		require.Equal(t, float64(4), cellValue(b, "pets", "fido", "legs"))

		a.clock.ms = 2000
		require.NoError(t, a.store.DeleteCell("pets", "fido", "legs"))
		require.NoError(t, b.store.SetCell("pets", "felix", "species", "cat"))

		if reversed {
			exchange(t, b, a)
		} else {
			exchange(t, a, b)
		}

		for _, r := range []*replica{a, b} {
			_, ok := r.store.GetCell("pets", "fido", "legs")
			assert.False(t, ok)
			assert.Equal(t, "cat", cellValue(r, "pets", "felix", "species"))
			assert.Equal(t, 3, r.engine.Len())
		}
		assert.Equal(t, a.engine.Fingerprint(), b.engine.Fingerprint())
	}
}

func TestSetChangesLeavesInputUntouched(t *testing.T) {
	r := newReplica(t, "a", 1000)
	msg := types.Message{
		{Hlc: hlc.Encode(900, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "legs", Value: json.Number("4")}},
	}

	require.NoError(t, r.engine.SetChanges(msg))
	assert.Equal(t, json.Number("4"), msg[0].Change.Value)
	assert.Equal(t, float64(4), cellValue(r, "pets", "fido", "legs"))
}

func TestOlderRemoteChangeIsLoggedButNotApplied(t *testing.T) {
	a := newReplica(t, "a", 1000)
	b := newReplica(t, "b", 5000)
	require.NoError(t, a.store.SetCell("pets", "fido", "species", "dog"))
	require.NoError(t, b.store.SetCell("pets", "fido", "species", "cat"))

	var events []Event
	b.engine.Subscribe(func(e Event) { events = append(events, e) })
	require.NoError(t, b.engine.SetChanges(a.engine.GetChanges(nil)))

	assert.Equal(t, "cat", cellValue(b, "pets", "fido", "species"))
	assert.Equal(t, 2, b.engine.Len())
	require.Len(t, events, 1)
	assert.False(t, events[0].Winning)
}

func TestRedeliveryIsNoop(t *testing.T) {
	a := newReplica(t, "a", 1000)
	b := newReplica(t, "b", 1000)
	require.NoError(t, a.store.SetCell("pets", "fido", "species", "dog"))
	msg := a.engine.GetChanges(nil)
	require.NoError(t, b.engine.SetChanges(msg))

	notifications := 0
	b.store.AddCellListener(func(types.CellChange) { notifications++ })
	fingerprint := b.engine.Fingerprint()
	clock := b.engine.Clock()

	require.NoError(t, b.engine.SetChanges(msg))
	assert.Equal(t, 0, notifications)
	assert.Equal(t, 1, b.engine.Len())
	assert.Equal(t, fingerprint, b.engine.Fingerprint())
	assert.Equal(t, clock, b.engine.Clock())
}

func TestNewestEntryInBatchWins(t *testing.T) {
	r := newReplica(t, "a", 1000)
	older := hlc.Encode(500, 0, hlc.NodeHash("b"))
	newer := hlc.Encode(600, 0, hlc.NodeHash("b"))

	require.NoError(t, r.engine.SetChanges(types.Message{
		{Hlc: newer, Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "cat"}},
		{Hlc: older, Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
		{Hlc: newer, Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "cat"}},
	}))

	assert.Equal(t, "cat", cellValue(r, "pets", "fido", "species"))
	assert.Equal(t, 2, r.engine.Len())
}

func TestMalformedBatchIsRejectedWhole(t *testing.T) {
	r := newReplica(t, "a", 1000)
	msg := types.Message{
		{Hlc: hlc.Encode(900, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
		{Hlc: "not-an-hlc", Change: types.Change{Table: "pets", Row: "rex", Cell: "species", Value: "dog"}},
	}

	err := r.engine.SetChanges(msg)
	var formatErr *hlc.FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Empty(t, r.store.Tables())
	assert.Equal(t, 0, r.engine.Len())
	assert.Equal(t, ModeIdle, r.engine.Mode())
}

func TestBatchWithMissingIdsIsRejected(t *testing.T) {
	r := newReplica(t, "a", 1000)
	err := r.engine.SetChanges(types.Message{
		{Hlc: hlc.Encode(900, 0, 1), Change: types.Change{Table: "pets", Cell: "species", Value: "dog"}},
	})
	var formatErr *hlc.FormatError
	assert.True(t, errors.As(err, &formatErr))
	assert.Equal(t, 0, r.engine.Len())
}

type flakyStore struct {
	*store.MemoryStore
	fail bool
}

func (s *flakyStore) Transaction(fn func(store.Tx) error) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Transaction(fn)
}

func TestStoreFailureRecordsNothingAndReleasesGuard(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), fail: true}
	engine := NewEngine(st, "a", zerolog.New(io.Discard))
	defer engine.Close()

	msg := types.Message{
		{Hlc: hlc.Encode(900, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
	}
	err := engine.SetChanges(msg)
	var txErr *StoreTransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, 0, engine.Len())
	assert.Equal(t, ModeIdle, engine.Mode())

	st.fail = false
	require.NoError(t, engine.SetChanges(msg))
	assert.Equal(t, 1, engine.Len())

	require.NoError(t, st.SetCell("pets", "rex", "species", "dog"))
	assert.Equal(t, 2, engine.Len())
}

func TestClockOverflowStopsEngine(t *testing.T) {
	r := newReplica(t, "a", 1000)
	require.NoError(t, r.engine.SetChanges(types.Message{
		{Hlc: hlc.Encode(1000, hlc.MaxCounter, hlc.NodeHash("b")), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
	}))

	err := r.engine.OnLocalMutation("pets", "rex", "species", "cat")
	require.ErrorIs(t, err, hlc.ErrClockOverflow)
	assert.ErrorIs(t, r.engine.Err(), hlc.ErrClockOverflow)
	assert.ErrorIs(t, r.engine.SetChanges(nil), hlc.ErrClockOverflow)
	assert.Equal(t, 1, r.engine.Len())
}

func TestOnLocalMutationRejectedWhileApplying(t *testing.T) {
	r := newReplica(t, "a", 1000)
	var nested error
	r.engine.Subscribe(func(e Event) {
		if e.Origin == OriginRemote {
			nested = r.engine.OnLocalMutation("pets", "rex", "species", "cat")
		}
	})
	require.NoError(t, r.engine.SetChanges(types.Message{
		{Hlc: hlc.Encode(900, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
	}))
	assert.ErrorIs(t, nested, ErrApplying)
}
