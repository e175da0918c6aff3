package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connect error", &pgconn.ConnectError{}, true},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	w := &WAL{maxRetries: 3, retryDelay: time.Millisecond}
	calls := 0
	err := w.retry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	w := &WAL{maxRetries: 3, retryDelay: time.Millisecond}
	calls := 0
	err := w.retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	w := &WAL{maxRetries: 2, retryDelay: time.Millisecond}
	calls := 0
	err := w.retry(context.Background(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.Equal(t, 3, calls)
}

func TestCellValueEncoding(t *testing.T) {
	for _, value := range []any{"dog", float64(4), true, nil} {
		encoded, err := encodeValue(value)
		require.NoError(t, err)
		var raw []byte
		if encoded != nil {
			raw = []byte(encoded.(string))
		}
		decoded, err := decodeValue(raw)
		require.NoError(t, err)
		assert.Equal(t, value, decoded)
	}
}
