package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/cellsync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cell_changes (
	lsn        BIGSERIAL PRIMARY KEY,
	replica_id TEXT NOT NULL,
	hlc        CHAR(16) NOT NULL,
	table_id   TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	cell_id    TEXT NOT NULL,
	value      JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (replica_id, hlc)
);

CREATE TABLE IF NOT EXISTS replica_snapshots (
	replica_id  TEXT NOT NULL,
	last_hlc    CHAR(16) NOT NULL,
	object_path TEXT NOT NULL,
	last_lsn    BIGINT NOT NULL,
	fingerprint BIGINT NOT NULL,
	entries     INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (replica_id, last_lsn)
);`

// SnapshotRef points at a change log snapshot held in object storage.
type SnapshotRef struct {
	Replica     types.ReplicaID `json:"replica_id"`
	LastHlc     types.Hlc       `json:"last_hlc"`
	ObjectPath  string          `json:"object_path"`
	LastLSN     int64           `json:"last_lsn"`
	Fingerprint uint32          `json:"fingerprint"`
	Entries     int             `json:"entries"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WAL journals every entry a replica records so it can be rebuilt on boot.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// WALOption configures the WAL store.
type WALOption func(*WAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *WAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) {
		w.retryDelay = d
	}
}

// NewWAL constructs a WAL helper using the provided Postgres pool.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnsureSchema creates the journal tables when missing.
func (w *WAL) EnsureSchema(ctx context.Context) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, schema)
		return err
	})
}

// AppendEntries durably stores a batch of entries recorded by the replica and
// returns the highest LSN of the batch. The inserts share one transaction;
// entries already journaled are skipped.
func (w *WAL) AppendEntries(ctx context.Context, replica types.ReplicaID, entries []types.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, span := walTracer.Start(ctx, "wal.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("replica", string(replica)),
		attribute.Int("entries", len(entries)),
	)

	start := time.Now()
	var lsn int64
	err := w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, entry := range entries {
			value, err := encodeValue(entry.Change.Value)
			if err != nil {
				return err
			}
			batch.Queue(`
INSERT INTO cell_changes (replica_id, hlc, table_id, row_id, cell_id, value, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (replica_id, hlc) DO NOTHING`,
				string(replica), string(entry.Hlc), entry.Change.Table, entry.Change.Row, entry.Change.Cell, value, now,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(lsn), 0) FROM cell_changes WHERE replica_id = $1`, string(replica),
		).Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	walAppendLatency.WithLabelValues(string(replica)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return 0, err
	}
	return lsn, nil
}

// ReplayChanges scans the replica's journal after fromLSN in LSN order,
// invoking the handler for each record.
func (w *WAL) ReplayChanges(ctx context.Context, replica types.ReplicaID, fromLSN int64, handler func(types.WALRecord) error) error {
	ctx, span := walTracer.Start(ctx, "wal.replay")
	defer span.End()

	start := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(replica)).Observe(time.Since(start).Seconds())
	}()

	rows, err := w.pool.Query(ctx, `
SELECT lsn, replica_id, hlc, table_id, row_id, cell_id, value, created_at
FROM cell_changes
WHERE replica_id = $1 AND lsn > $2
ORDER BY lsn`, string(replica), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn       int64
			replicaID string
			hlc       string
			table     string
			row       string
			cell      string
			raw       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&lsn, &replicaID, &hlc, &table, &row, &cell, &raw, &createdAt); err != nil {
			return err
		}
		value, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("decode value at lsn %d: %w", lsn, err)
		}

		record := types.WALRecord{
			LSN:       lsn,
			Replica:   types.ReplicaID(replicaID),
			Hlc:       types.Hlc(hlc),
			Change:    types.Change{Table: table, Row: row, Cell: cell, Value: value},
			CreatedAt: createdAt,
		}
		if err := handler(record); err != nil {
			return err
		}
	}

	return rows.Err()
}

// OperationCountAfterLSN returns how many entries were journaled after lsn.
func (w *WAL) OperationCountAfterLSN(ctx context.Context, replica types.ReplicaID, lsn int64) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM cell_changes WHERE replica_id = $1 AND lsn > $2`, string(replica), lsn,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	walBacklog.WithLabelValues(string(replica)).Set(float64(count))
	return count, nil
}

// LastLSN returns the highest journaled LSN for the replica.
func (w *WAL) LastLSN(ctx context.Context, replica types.ReplicaID) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(lsn), 0) FROM cell_changes WHERE replica_id = $1`, string(replica),
	).Scan(&lsn)
	return lsn, err
}

// LatestSnapshot returns the most recent snapshot ref. A replica without
// snapshots gets the zero ref.
func (w *WAL) LatestSnapshot(ctx context.Context, replica types.ReplicaID) (SnapshotRef, error) {
	var (
		ref         SnapshotRef
		lastHlc     string
		fingerprint int64
	)
	err := w.pool.QueryRow(ctx, `
SELECT last_hlc, object_path, last_lsn, fingerprint, entries, created_at
FROM replica_snapshots
WHERE replica_id = $1
ORDER BY last_lsn DESC
LIMIT 1`, string(replica)).Scan(&lastHlc, &ref.ObjectPath, &ref.LastLSN, &fingerprint, &ref.Entries, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Replica: replica}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Replica = replica
	ref.LastHlc = types.Hlc(lastHlc)
	ref.Fingerprint = uint32(fingerprint)
	return ref, nil
}

// RecordSnapshot stores a snapshot ref.
func (w *WAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
INSERT INTO replica_snapshots (replica_id, last_hlc, object_path, last_lsn, fingerprint, entries, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (replica_id, last_lsn)
DO UPDATE SET last_hlc = EXCLUDED.last_hlc, object_path = EXCLUDED.object_path,
	fingerprint = EXCLUDED.fingerprint, entries = EXCLUDED.entries, created_at = EXCLUDED.created_at`,
			string(ref.Replica), string(ref.LastHlc), ref.ObjectPath, ref.LastLSN, int64(ref.Fingerprint), ref.Entries, ref.CreatedAt,
		)
		return err
	})
}

// encodeValue renders a cell value as JSON text; tombstones become SQL NULL.
func encodeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cell value: %w", err)
	}
	return string(data), nil
}

func decodeValue(raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return types.NormalizeValue(value)
}

func (w *WAL) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := w.retryDelay
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == w.maxRetries {
				return err
			}
			walRetries.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
