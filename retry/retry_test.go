package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("transient errors are retried until the limit", func(t *testing.T) {
		calls := 0
		err := Do(ctx, func() error {
			calls++
			return NewRecoverableError(errors.New("database is locked"))
		}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
		require.EqualError(t, err, "database is locked")
		require.Equal(t, 4, calls)
	})

	t.Run("zero retries still tries once", func(t *testing.T) {
		calls := 0
		err := Do(ctx, func() error {
			calls++
			return NewRecoverableError(errors.New("busy"))
		}, WithMaxRetries(0), WithBaseWait(time.Millisecond))
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("stops once the call succeeds", func(t *testing.T) {
		calls := 0
		err := Do(ctx, func() error {
			calls++
			if calls < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("unknown and permanent errors are not retried", func(t *testing.T) {
		for _, failure := range []error{
			errors.New("syntax error near SELECT"),
			NewNonRecoverableError(errors.New("connection refused")),
		} {
			calls := 0
			err := Do(ctx, func() error {
				calls++
				return failure
			}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
			require.ErrorIs(t, err, failure)
			require.Equal(t, 1, calls)
		}
	})

	t.Run("cancelled context ends the wait", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := Do(cancelled, func() error {
			calls++
			return NewRecoverableError(errors.New("busy"))
		}, WithMaxRetries(10), WithPolicy(Policy{BaseDelay: time.Hour}))
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}
