package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/storage"
	"github.com/example/cellsync/internal/types"
)

const (
	defaultInterval     = 15 * time.Second
	defaultWALThreshold = int64(500)
)

// Payload is the change log image persisted inside an object storage snapshot.
type Payload struct {
	Replica     types.ReplicaID `json:"replica_id"`
	LastHlc     types.Hlc       `json:"last_hlc"`
	LastLSN     int64           `json:"last_lsn"`
	Fingerprint uint32          `json:"fingerprint"`
	Entries     types.Message   `json:"entries"`
}

// Source is the replica being snapshotted.
type Source interface {
	ID() types.ReplicaID
	Entries() []types.Entry
	LastLSN() int64
	Fingerprint() uint32
}

// Catalog records where snapshots live and how far the journal has moved
// past them.
type Catalog interface {
	LatestSnapshot(ctx context.Context, replica types.ReplicaID) (storage.SnapshotRef, error)
	OperationCountAfterLSN(ctx context.Context, replica types.ReplicaID, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// Objects stores snapshot blobs.
type Objects interface {
	Put(ctx context.Context, bucket, objectPath string, data []byte) error
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// Worker periodically checks how many entries were journaled since the last
// snapshot and uploads a fresh change log image once the backlog crosses a
// threshold.
type Worker struct {
	source  Source
	catalog Catalog
	objects Objects
	bucket  string

	interval     time.Duration
	walThreshold int64

	logger zerolog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInterval sets how often the backlog is checked.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWALThreshold sets the backlog that triggers a snapshot.
func WithWALThreshold(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.walThreshold = n
		}
	}
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(source Source, catalog Catalog, objects Objects, bucket string, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		source:       source,
		catalog:      catalog,
		objects:      objects,
		bucket:       bucket,
		interval:     defaultInterval,
		walThreshold: defaultWALThreshold,
		logger:       logger.With().Str("component", "snapshot").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("snapshot emission failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce emits a snapshot when the journal backlog warrants one and returns
// its ref, or the zero ref when nothing was written.
func (w *Worker) RunOnce(ctx context.Context) (storage.SnapshotRef, error) {
	if w.objects == nil {
		return storage.SnapshotRef{}, fmt.Errorf("object storage client not configured")
	}
	replica := w.source.ID()

	latest, err := w.catalog.LatestSnapshot(ctx, replica)
	if err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("lookup latest snapshot: %w", err)
	}
	backlog, err := w.catalog.OperationCountAfterLSN(ctx, replica, latest.LastLSN)
	if err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("count entries: %w", err)
	}
	if backlog < w.walThreshold {
		return storage.SnapshotRef{}, nil
	}

	// LastLSN is read before Entries so the image covers at least the journal
	// up to that position.
	lastLSN := w.source.LastLSN()
	entries := w.source.Entries()
	if len(entries) == 0 || lastLSN <= latest.LastLSN {
		return storage.SnapshotRef{}, nil
	}

	payload := Payload{
		Replica:     replica,
		LastHlc:     entries[len(entries)-1].Hlc,
		LastLSN:     lastLSN,
		Fingerprint: w.source.Fingerprint(),
		Entries:     entries,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%020d.json", replica, lastLSN)
	if err := w.objects.Put(ctx, w.bucket, objectPath, data); err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Replica:     replica,
		LastHlc:     payload.LastHlc,
		ObjectPath:  objectPath,
		LastLSN:     lastLSN,
		Fingerprint: payload.Fingerprint,
		Entries:     len(entries),
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.catalog.RecordSnapshot(ctx, ref); err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().
		Str("object", objectPath).
		Int("entries", len(entries)).
		Int64("last_lsn", lastLSN).
		Msg("snapshot created")
	return ref, nil
}

// LoadLatest fetches the newest snapshot of a replica. A replica without
// snapshots gets an empty payload.
func LoadLatest(ctx context.Context, catalog Catalog, objects Objects, bucket string, replica types.ReplicaID) (Payload, error) {
	ref, err := catalog.LatestSnapshot(ctx, replica)
	if err != nil {
		return Payload{}, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return Payload{Replica: replica}, nil
	}
	if objects == nil {
		return Payload{}, errors.New("object storage client not configured")
	}

	data, err := objects.Load(ctx, bucket, ref.ObjectPath)
	if err != nil {
		return Payload{}, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return Payload{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Replica != replica {
		return Payload{}, fmt.Errorf("snapshot %s belongs to replica %s", ref.ObjectPath, payload.Replica)
	}
	return payload, nil
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// MinioObjects stores snapshots in MinIO/S3.
type MinioObjects struct {
	client *minio.Client
}

// NewMinioObjects wraps a MinIO client.
func NewMinioObjects(client *minio.Client) *MinioObjects {
	return &MinioObjects{client: client}
}

// Put implements Objects.
func (m *MinioObjects) Put(ctx context.Context, bucket, objectPath string, data []byte) error {
	if m.client == nil {
		return errors.New("object storage client is not configured")
	}
	_, err := m.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Load implements Objects.
func (m *MinioObjects) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if m.client == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := m.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryObjects keeps snapshots in memory.
type MemoryObjects struct {
	Objects map[string][]byte
}

// Put implements Objects.
func (m *MemoryObjects) Put(_ context.Context, _, objectPath string, data []byte) error {
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	m.Objects[objectPath] = append([]byte(nil), data...)
	return nil
}

// Load implements Objects.
func (m *MemoryObjects) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}
