package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

var fastRetry = Retry{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetryDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastRetry.Do(context.Background(), DiscardLogger(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryDoStops(t *testing.T) {
	denied := errors.New("denied")
	cases := []struct {
		name  string
		retry Retry
		err   error
		calls int
	}{
		{"attempts", Retry{Initial: time.Millisecond, Attempts: 2}, errors.New("temporary"), 3},
		{"classifier", Retry{Initial: time.Millisecond, Retryable: func(err error) bool { return !errors.Is(err, denied) }}, denied, 1},
		{"closed", fastRetry, ErrClosed, 1},
		{"permanent", fastRetry, backoff.Permanent(denied), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := tc.retry.Do(context.Background(), DiscardLogger(), "test", func() error {
				calls++
				return tc.err
			})
			require.Error(t, err)
			require.Equal(t, tc.calls, calls)
		})
	}
}

func TestRetryDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fastRetry.Do(ctx, DiscardLogger(), "test", func() error {
		return errors.New("temporary")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryLimit(t *testing.T) {
	require.Equal(t, 3, Retry{}.Limit(3).Attempts)
	require.Equal(t, 5, Retry{Attempts: 5}.Limit(3).Attempts)
}
