package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
	"github.com/eventops/admitd/internal/store/badgerstore"
)

func newTestOracle(t *testing.T) (*Oracle, store.Store) {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return NewOracle(s), s
}

func seedEvent(t *testing.T, s store.Store, id string, capacity *int) {
	t.Helper()
	val, err := json.Marshal(model.Event{ID: id, Title: "t", Capacity: capacity})
	require.NoError(t, err)
	require.NoError(t, s.ConditionalPut(context.Background(), store.TableEvents,
		store.Item{Key: store.Key{Partition: id}, Value: val}))
}

func seedRegistrations(t *testing.T, s store.Store, eventID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.ConditionalPut(context.Background(), store.TableRegistrations,
			store.Item{
				Key:   store.Key{Partition: eventID, Sort: fmt.Sprintf("p%d", i)},
				Value: []byte("{}"),
			}))
	}
}

func intp(n int) *int { return &n }

func TestConfirmedCount(t *testing.T) {
	o, s := newTestOracle(t)
	ctx := context.Background()

	n, err := o.ConfirmedCount(ctx, "e1")
	require.NoError(t, err)
	require.Zero(t, n)

	seedRegistrations(t, s, "e1", 3)
	n, err = o.ConfirmedCount(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestAvailableSlotsBounded(t *testing.T) {
	o, s := newTestOracle(t)
	ctx := context.Background()
	seedEvent(t, s, "e1", intp(5))
	seedRegistrations(t, s, "e1", 3)

	av, err := o.AvailableSlots(ctx, "e1")
	require.NoError(t, err)
	require.False(t, av.Unbounded)
	require.Equal(t, 2, av.Slots)
}

func TestAvailableSlotsFlooredAtZero(t *testing.T) {
	// A capacity lowered below the confirmed count reports zero slots, not
	// a negative number.
	o, s := newTestOracle(t)
	seedEvent(t, s, "e1", intp(2))
	seedRegistrations(t, s, "e1", 4)

	av, err := o.AvailableSlots(context.Background(), "e1")
	require.NoError(t, err)
	require.Zero(t, av.Slots)
}

func TestAvailableSlotsUnbounded(t *testing.T) {
	o, s := newTestOracle(t)
	seedEvent(t, s, "e1", nil)
	seedRegistrations(t, s, "e1", 10)

	av, err := o.AvailableSlots(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, av.Unbounded)
}

func TestIsFull(t *testing.T) {
	o, s := newTestOracle(t)
	ctx := context.Background()

	seedEvent(t, s, "bounded", intp(2))
	seedEvent(t, s, "zero", intp(0))
	seedEvent(t, s, "open", nil)
	seedRegistrations(t, s, "bounded", 2)

	full, err := o.IsFull(ctx, "bounded")
	require.NoError(t, err)
	require.True(t, full)

	full, err = o.IsFull(ctx, "zero")
	require.NoError(t, err)
	require.True(t, full)

	full, err = o.IsFull(ctx, "open")
	require.NoError(t, err)
	require.False(t, full)
}

func TestUnknownEventPropagatesNotFound(t *testing.T) {
	o, _ := newTestOracle(t)
	_, err := o.AvailableSlots(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
