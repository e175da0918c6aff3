package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/replica"
	"github.com/example/cellsync/internal/store"
	syncstate "github.com/example/cellsync/internal/sync"
	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

func newTestServer(t *testing.T, id string, cfg ServerConfig, opts ...ServerOption) (*replica.Replica, *Server, *httptest.Server) {
	t.Helper()
	rep := replica.New(store.NewMemoryStore(), types.ReplicaID(id), zerolog.New(io.Discard))
	srv := NewServer(cfg, rep, zerolog.New(io.Discard), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Gateway().Close()
		ts.Close()
		rep.Close()
	})
	return rep, srv, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", wire.ContentTypeJSON)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCellAPI(t *testing.T) {
	rep, _, ts := newTestServer(t, "a", ServerConfig{})
	cellURL := ts.URL + "/tables/pets/rows/fido/cells/species"

	resp := doJSON(t, http.MethodPut, cellURL, map[string]any{"value": "dog"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = doJSON(t, http.MethodGet, cellURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cell CellResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cell))
	assert.Equal(t, "dog", cell.Value)

	resp = doJSON(t, http.MethodGet, ts.URL+"/tables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tables store.Tables
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tables))
	assert.Equal(t, "dog", tables["pets"]["fido"]["species"])

	resp = doJSON(t, http.MethodDelete, cellURL, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doJSON(t, http.MethodGet, cellURL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Len(t, rep.Entries(), 2)
}

func TestCellAPIRejectsBadValues(t *testing.T) {
	rep, _, ts := newTestServer(t, "a", ServerConfig{})
	cellURL := ts.URL + "/tables/pets/rows/fido/cells/species"

	resp := doJSON(t, http.MethodPut, cellURL, map[string]any{"value": []int{1, 2}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, http.MethodPut, cellURL, map[string]any{"value": nil})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, cellURL, map[string]any{"value": "dog"})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Empty(t, rep.Entries())
}

func TestRowAPIWritesOneBatch(t *testing.T) {
	rep, _, ts := newTestServer(t, "a", ServerConfig{})
	var (
		mu      sync.Mutex
		batches []types.Message
	)
	rep.Watch(func(msg types.Message) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, msg)
	})

	resp := doJSON(t, http.MethodPut, ts.URL+"/tables/pets/rows/fido", map[string]any{"species": "dog", "legs": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var row RowResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&row))
	assert.Equal(t, "fido", row.Row)
	assert.Equal(t, float64(4), row.Cells["legs"])

	value, ok := rep.GetCell("pets", "fido", "legs")
	require.True(t, ok)
	assert.Equal(t, float64(4), value)
	mu.Lock()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	mu.Unlock()

	resp = doJSON(t, http.MethodPut, ts.URL+"/tables/pets/rows/rex", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, http.MethodPut, ts.URL+"/tables/pets/rows/rex", map[string]any{"species": nil})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, rep.Entries(), 2)
}

func TestClientConvergesReplicas(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON, wire.Binary} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			ctx := context.Background()
			a, _, ts := newTestServer(t, "a", ServerConfig{})
			b := replica.New(store.NewMemoryStore(), "b", zerolog.New(io.Discard))
			t.Cleanup(b.Close)

			require.NoError(t, a.SetCell(ctx, "pets", "fido", "species", "dog"))
			require.NoError(t, a.SetCell(ctx, "pets", "fido", "legs", 4))
			require.NoError(t, b.SetCell(ctx, "pets", "felix", "species", "cat"))

			client := NewClient(WithCodec(codec))
			missing, err := client.Pull(ctx, ts.URL, b.Digest())
			require.NoError(t, err)
			require.Len(t, missing, 2)
			require.NoError(t, b.SetChanges(ctx, missing))

			digest, err := client.Digest(ctx, ts.URL)
			require.NoError(t, err)
			excess := b.GetChanges(digest)
			require.Len(t, excess, 1)
			require.NoError(t, client.Push(ctx, ts.URL, excess))

			assert.Equal(t, a.Tables(), b.Tables())
			assert.Equal(t, a.Fingerprint(), b.Fingerprint())

			missing, err = client.Pull(ctx, ts.URL, b.Digest())
			require.NoError(t, err)
			assert.Empty(t, missing)
		})
	}
}

func TestPullWithUndecodableDigestSendsEverything(t *testing.T) {
	a, _, ts := newTestServer(t, "a", ServerConfig{})
	require.NoError(t, a.SetCell(context.Background(), "pets", "fido", "species", "dog"))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/sync/pull", strings.NewReader(`{"f":"nope"`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", wire.ContentTypeJSON)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	msg, err := wire.JSON.DecodeMessage(data)
	require.NoError(t, err)
	assert.Len(t, msg, 1)
}

func TestPushRejectsMalformedBatches(t *testing.T) {
	a, _, ts := newTestServer(t, "a", ServerConfig{})
	ctx := context.Background()

	resp := doJSON(t, http.MethodPost, ts.URL+"/sync/push", map[string]any{"not": "a message"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	client := NewClient(WithCodec(wire.JSON))
	err := client.Push(ctx, ts.URL, types.Message{
		{Hlc: hlc.Encode(1000, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
		{Hlc: "bogus", Change: types.Change{Table: "pets", Row: "rex", Cell: "species", Value: "dog"}},
	})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Empty(t, a.Entries())
}

func TestPushIsRateLimited(t *testing.T) {
	_, _, ts := newTestServer(t, "a", ServerConfig{PushRate: 0.001, PushBurst: 1})
	client := NewClient()
	ctx := context.Background()

	require.NoError(t, client.Push(ctx, ts.URL, types.Message{}))
	err := client.Push(ctx, ts.URL, types.Message{})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
}

func TestStatusAndReadiness(t *testing.T) {
	var down atomic.Bool
	a, _, ts := newTestServer(t, "a", ServerConfig{}, WithHealthCheck(func(context.Context) error {
		if down.Load() {
			return errors.New("postgres down")
		}
		return nil
	}))
	require.NoError(t, a.SetCell(context.Background(), "pets", "fido", "species", "dog"))

	resp := doJSON(t, http.MethodGet, ts.URL+"/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status replica.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, types.ReplicaID("a"), status.ID)
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, a.Fingerprint(), status.Fingerprint)

	resp = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	down.Store(true)
	resp = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStateHandlerIsMounted(t *testing.T) {
	state := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Query().Get("at"))
	})
	_, _, ts := newTestServer(t, "a", ServerConfig{}, WithStateHandler(state))

	resp := doJSON(t, http.MethodGet, ts.URL+"/sync/state?at=x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "x", string(body))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&hlc.FormatError{Input: "x", Reason: "short"}, http.StatusBadRequest},
		{fmt.Errorf("decode: %w", wire.ErrMalformed), http.StatusBadRequest},
		{store.ErrInvalidCell, http.StatusBadRequest},
		{fmt.Errorf("entry 0: %w", hlc.ErrClockDrift), http.StatusBadRequest},
		{syncstate.ErrApplying, http.StatusConflict},
		{hlc.ErrClockOverflow, http.StatusServiceUnavailable},
		{&syncstate.StoreTransactionError{Err: errors.New("disk")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://peer:8080/sync/pull", endpoint("peer:8080", "/sync/pull"))
	assert.Equal(t, "https://peer/sync/pull", endpoint("https://peer/", "/sync/pull"))
}
