package resilience

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

// fastStorage is the ingest policy with delays short enough for tests.
func fastStorage(attempts int) RetryConfig {
	cfg := StorageRetryConfig(attempts)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

// failing returns fn that fails with errs in order, then succeeds.
func failing(calls *int, errs ...error) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= len(errs) {
			return errs[*calls-1]
		}
		return nil
	}
}

func TestDo_StorageErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, 2, false},
		{"deadlock", fmt.Errorf("store: apply change: %w", &pgconn.PgError{Code: "40P01"}), 2, false},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, 2, false},
		{"sqlite busy", errors.New("store: insert xml: database is locked (5) (SQLITE_BUSY)"), 2, false},
		{"explicit transient", NewTransientError(errors.New("pool exhausted"), "record event"), 2, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, 1, true},
		{"ledger rule", errors.New("ledger: occurrence gap"), 1, true},
		{"cancelled", fmt.Errorf("store: %w", context.Canceled), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), fastStorage(3), failing(&calls, tt.err))
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDo_ExhaustsStorageAttempts(t *testing.T) {
	locked := errors.New("database is locked")
	var calls int
	err := Do(context.Background(), fastStorage(4), failing(&calls, locked, locked, locked, locked, locked))
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, locked)
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	var calls int
	require.NoError(t, Do(context.Background(), StorageRetryConfig(0), failing(&calls)))
	assert.Equal(t, 1, calls)
}

func TestDo_CancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastStorage(10)
	cfg.InitialBackoff = 50 * time.Millisecond

	var calls int
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	cfg := fastStorage(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "stale snapshot" }

	var calls int
	err := Do(context.Background(), cfg, failing(&calls, errors.New("stale snapshot")))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryAttempts(t *testing.T) {
	var attempts []int
	cfg := fastStorage(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return &pgconn.PgError{Code: "55P03"}
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	var calls int
	id, err := DoVal(context.Background(), fastStorage(0), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("sqlite_busy")
		}
		return "xml-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "xml-1", id)

	n, err := DoVal(context.Background(), fastStorage(2), func(context.Context) (int64, error) {
		return 42, &pgconn.PgError{Code: "53300"}
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestDo_ZeroConfigUsesDefaults(t *testing.T) {
	var calls int
	err := Do(context.Background(), RetryConfig{}, failing(&calls, &pgconn.PgError{Code: "40001"}))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestComputeBackoff(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, computeBackoff(i, cfg), "attempt %d", i)
	}
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	cfg := applyDefaults(StorageRetryConfig(0))
	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		d := computeBackoff(0, cfg)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 37500*time.Microsecond)
		assert.LessOrEqual(t, d, 62500*time.Microsecond)
	}
	assert.Greater(t, len(seen), 1)
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	RetryLogger("register zip")(1, errors.New("database is locked"))
}
