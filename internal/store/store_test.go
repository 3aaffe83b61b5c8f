package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return ErrTxnConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnBusinessError(t *testing.T) {
	rejected := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), 5, func() error {
		calls++
		return rejected
	})
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return ErrTxnConflict
	})
	require.ErrorIs(t, err, ErrTxnConflict)
	require.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, func() error { return ErrTxnConflict })
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailedTag(t *testing.T) {
	cond := NotExists(TableRegistrations, Key{Partition: "e1", Sort: "p1"}, "dup")
	err := error(&ConditionFailedError{Cond: cond})
	require.Equal(t, "dup", FailedTag(err))

	cf, ok := AsConditionFailed(err)
	require.True(t, ok)
	require.Equal(t, CondNotExists, cf.Cond.Kind)

	require.Empty(t, FailedTag(errors.New("other")))
	require.Empty(t, FailedTag(nil))
}
