package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/types"
)

type fakeJournal struct {
	mu      sync.Mutex
	records []types.WALRecord
	fail    error
}

func (j *fakeJournal) AppendEntries(_ context.Context, replica types.ReplicaID, entries []types.Entry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return 0, j.fail
	}
	for _, entry := range entries {
		j.records = append(j.records, types.WALRecord{
			LSN:     int64(len(j.records) + 1),
			Replica: replica,
			Hlc:     entry.Hlc,
			Change:  entry.Change,
		})
	}
	return int64(len(j.records)), nil
}

func (j *fakeJournal) ReplayChanges(_ context.Context, replica types.ReplicaID, fromLSN int64, handler func(types.WALRecord) error) error {
	j.mu.Lock()
	records := append([]types.WALRecord(nil), j.records...)
	j.mu.Unlock()
	for _, record := range records {
		if record.Replica != replica || record.LSN <= fromLSN {
			continue
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []types.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func newTestReplica(t *testing.T, id string, opts ...Option) *Replica {
	t.Helper()
	r := New(store.NewMemoryStore(), types.ReplicaID(id), zerolog.New(io.Discard), opts...)
	t.Cleanup(r.Close)
	return r
}

func TestLocalWritesAreJournaledPublishedAndWatched(t *testing.T) {
	journal := &fakeJournal{}
	publisher := &fakePublisher{}
	r := newTestReplica(t, "a", WithJournal(journal), WithPublisher(publisher))

	var watched []types.Message
	r.Watch(func(msg types.Message) { watched = append(watched, msg) })

	ctx := context.Background()
	require.NoError(t, r.SetRow(ctx, "pets", "fido", map[string]any{"species": "dog", "legs": 4}))
	require.NoError(t, r.DeleteCell(ctx, "pets", "fido", "legs"))

	assert.Len(t, journal.records, 3)
	require.Len(t, publisher.messages, 2)
	assert.Len(t, publisher.messages[0], 2)
	assert.Len(t, watched, 2)
	assert.Equal(t, int64(3), r.LastLSN())
	assert.Equal(t, 3, r.Status().Entries)
	assert.GreaterOrEqual(t, r.Status().DigestNodes, 17)
}

func TestRemoteBatchesAreJournaledButNotRepublished(t *testing.T) {
	journal := &fakeJournal{}
	publisher := &fakePublisher{}
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b", WithJournal(journal), WithPublisher(publisher))

	ctx := context.Background()
	require.NoError(t, a.SetCell(ctx, "pets", "fido", "species", "dog"))
	require.NoError(t, b.SetChanges(ctx, a.GetChanges(b.Digest())))

	assert.Len(t, journal.records, 1)
	assert.Empty(t, publisher.messages)
	value, ok := b.GetCell("pets", "fido", "species")
	require.True(t, ok)
	assert.Equal(t, "dog", value)

	require.NoError(t, b.SetChanges(ctx, a.GetChanges(nil)))
	assert.Len(t, journal.records, 1)
}

func TestConcurrentWritesAndSyncConverge(t *testing.T) {
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, r := range []*Replica{a, b} {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				row := fmt.Sprintf("row-%d", i%10)
				assert.NoError(t, r.SetCell(ctx, "stock", row, "count", i))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, a.SetChanges(ctx, b.GetChanges(a.Digest())))
			assert.NoError(t, b.SetChanges(ctx, a.GetChanges(b.Digest())))
		}
	}()
	wg.Wait()

	require.NoError(t, a.SetChanges(ctx, b.GetChanges(a.Digest())))
	require.NoError(t, b.SetChanges(ctx, a.GetChanges(b.Digest())))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Tables(), b.Tables())
	assert.Equal(t, 400, a.Status().Entries)
}

func TestRestoreRebuildsFromSnapshotAndJournal(t *testing.T) {
	journal := &fakeJournal{}
	ctx := context.Background()
	original := newTestReplica(t, "a", WithJournal(journal))
	require.NoError(t, original.SetCell(ctx, "pets", "fido", "species", "dog"))
	require.NoError(t, original.SetCell(ctx, "pets", "felix", "species", "cat"))
	snapshot := original.Entries()
	snapshotLSN := original.LastLSN()
	require.NoError(t, original.SetCell(ctx, "pets", "fido", "species", "wolf"))
	require.NoError(t, original.DeleteCell(ctx, "pets", "felix", "species"))
	recorded := len(journal.records)

	restored := newTestReplica(t, "a", WithJournal(journal))
	require.NoError(t, restored.Restore(ctx, snapshot, snapshotLSN))

	assert.Equal(t, original.Tables(), restored.Tables())
	assert.Equal(t, original.Fingerprint(), restored.Fingerprint())
	assert.Equal(t, original.LastLSN(), restored.LastLSN())
	assert.Len(t, journal.records, recorded)

	require.NoError(t, restored.SetCell(ctx, "pets", "rex", "species", "dog"))
	entries := restored.Entries()
	assert.Equal(t, "rex", entries[len(entries)-1].Change.Row)
}

func TestJournalFailureIsReported(t *testing.T) {
	journal := &fakeJournal{fail: errors.New("postgres down")}
	r := newTestReplica(t, "a", WithJournal(journal))

	err := r.SetCell(context.Background(), "pets", "fido", "species", "dog")
	assert.ErrorIs(t, err, journal.fail)
	value, ok := r.GetCell("pets", "fido", "species")
	assert.True(t, ok)
	assert.Equal(t, "dog", value)
}

func TestFarFutureBatchIsRefused(t *testing.T) {
	r := newTestReplica(t, "a", WithMaxClockDrift(time.Minute))
	ctx := context.Background()

	poison := types.Message{{
		Hlc:    hlc.Encode(hlc.MaxLogicalTime, hlc.MaxCounter, 1),
		Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"},
	}}
	err := r.SetChanges(ctx, poison)
	require.ErrorIs(t, err, hlc.ErrClockDrift)
	assert.Equal(t, 0, r.Status().Entries)

	require.NoError(t, r.SetCell(ctx, "pets", "rex", "species", "cat"))
	assert.Empty(t, r.Status().Err)
}

func TestFarFutureBatchStopsReplicaWithoutDriftLimit(t *testing.T) {
	r := newTestReplica(t, "a")
	ctx := context.Background()

	require.NoError(t, r.SetChanges(ctx, types.Message{{
		Hlc:    hlc.Encode(hlc.MaxLogicalTime, hlc.MaxCounter, 1),
		Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"},
	}}))

	err := r.SetCell(ctx, "pets", "rex", "species", "cat")
	require.ErrorIs(t, err, hlc.ErrClockOverflow)
	assert.NotEmpty(t, r.Status().Err)
}
