package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventops/admitd/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func put(t *testing.T, s *Store, table, partition, sort, value string) {
	t.Helper()
	err := s.ConditionalPut(context.Background(), table, store.Item{
		Key:   store.Key{Partition: partition, Sort: sort},
		Value: []byte(value),
	})
	require.NoError(t, err)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), store.TableEvents, store.Key{Partition: "missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutThenGet(t *testing.T) {
	s := newTestStore(t)
	put(t, s, store.TableEvents, "e1", "", `{"id":"e1"}`)

	item, err := s.Get(context.Background(), store.TableEvents, store.Key{Partition: "e1"})
	require.NoError(t, err)
	require.Equal(t, `{"id":"e1"}`, string(item.Value))
}

func TestConditionalPutNotExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := store.Key{Partition: "e1", Sort: "p1"}

	err := s.ConditionalPut(ctx, store.TableRegistrations,
		store.Item{Key: key, Value: []byte("a")},
		store.NotExists(store.TableRegistrations, key, "dup"),
	)
	require.NoError(t, err)

	err = s.ConditionalPut(ctx, store.TableRegistrations,
		store.Item{Key: key, Value: []byte("b")},
		store.NotExists(store.TableRegistrations, key, "dup"),
	)
	require.Equal(t, "dup", store.FailedTag(err))

	// The guarded write must not have replaced the value.
	item, err := s.Get(ctx, store.TableRegistrations, key)
	require.NoError(t, err)
	require.Equal(t, "a", string(item.Value))
}

func TestConditionalPutValueEquals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := store.Key{Partition: "e1"}
	put(t, s, store.TableEvents, "e1", "", "v1")

	err := s.ConditionalPut(ctx, store.TableEvents,
		store.Item{Key: key, Value: []byte("v2")},
		store.ValueEquals(store.TableEvents, key, []byte("stale"), "changed"),
	)
	require.Equal(t, "changed", store.FailedTag(err))

	err = s.ConditionalPut(ctx, store.TableEvents,
		store.Item{Key: key, Value: []byte("v2")},
		store.ValueEquals(store.TableEvents, key, []byte("v1"), "changed"),
	)
	require.NoError(t, err)

	item, err := s.Get(ctx, store.TableEvents, key)
	require.NoError(t, err)
	require.Equal(t, "v2", string(item.Value))
}

func TestCountConditions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	put(t, s, store.TableRegistrations, "e1", "p1", "x")
	put(t, s, store.TableRegistrations, "e1", "p2", "x")

	next := store.Item{Key: store.Key{Partition: "e1", Sort: "p3"}, Value: []byte("x")}

	err := s.ConditionalPut(ctx, store.TableRegistrations, next,
		store.CountAtMost(store.TableRegistrations, "e1", 1, "full"),
	)
	require.Equal(t, "full", store.FailedTag(err))

	err = s.ConditionalPut(ctx, store.TableRegistrations, next,
		store.CountEquals(store.TableRegistrations, "e1", 3, "changed"),
	)
	require.Equal(t, "changed", store.FailedTag(err))

	err = s.ConditionalPut(ctx, store.TableRegistrations, next,
		store.CountAtMost(store.TableRegistrations, "e1", 2, "full"),
		store.CountEquals(store.TableRegistrations, "e1", 2, "changed"),
	)
	require.NoError(t, err)
}

func TestNegativeCountAtMostAlwaysFails(t *testing.T) {
	// A zero-capacity guard asserts count <= -1, which no partition can
	// satisfy, not even an empty one.
	s := newTestStore(t)
	err := s.ConditionalPut(context.Background(), store.TableRegistrations,
		store.Item{Key: store.Key{Partition: "e1", Sort: "p1"}, Value: []byte("x")},
		store.CountAtMost(store.TableRegistrations, "e1", -1, "full"),
	)
	require.Equal(t, "full", store.FailedTag(err))
}

func TestTransactWriteAtomicOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	put(t, s, store.TableRegistrations, "e1", "p1", "x")

	err := s.TransactWrite(ctx,
		[]store.Op{
			store.PutOp(store.TableRegistrations, store.Item{
				Key: store.Key{Partition: "e1", Sort: "p2"}, Value: []byte("x"),
			}),
			store.DeleteOp(store.TableRegistrations, store.Key{Partition: "e1", Sort: "p1"}),
		},
		store.NotExists(store.TableRegistrations, store.Key{Partition: "e1", Sort: "p1"}, "dup"),
	)
	require.Equal(t, "dup", store.FailedTag(err))

	// Neither op applied.
	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: "e1", Sort: "p1"})
	require.NoError(t, err)
	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: "e1", Sort: "p2"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactWriteMixedTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	put(t, s, store.TableWaitlist, "e1", "0000000001", "w")

	err := s.TransactWrite(ctx, []store.Op{
		store.DeleteOp(store.TableWaitlist, store.Key{Partition: "e1", Sort: "0000000001"}),
		store.PutOp(store.TableRegistrations, store.Item{
			Key: store.Key{Partition: "e1", Sort: "p1"}, Value: []byte("r"),
		}),
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, store.TableWaitlist, store.Key{Partition: "e1", Sort: "0000000001"})
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: "e1", Sort: "p1"})
	require.NoError(t, err)
}

func TestTransactWriteRequiresOps(t *testing.T) {
	s := newTestStore(t)
	err := s.TransactWrite(context.Background(), nil)
	require.Error(t, err)
}

func TestQueryOrderedAscending(t *testing.T) {
	s := newTestStore(t)
	put(t, s, store.TableWaitlist, "e1", "0000000003", "c")
	put(t, s, store.TableWaitlist, "e1", "0000000001", "a")
	put(t, s, store.TableWaitlist, "e1", "0000000002", "b")
	put(t, s, store.TableWaitlist, "e2", "0000000001", "other")

	items, err := s.Query(context.Background(), store.TableWaitlist, "e1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, string(items[i].Value))
		require.Equal(t, fmt.Sprintf("%010d", i+1), items[i].Key.Sort)
	}
}

func TestQuerySortRangeAndLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		put(t, s, store.TableWaitlist, "e1", fmt.Sprintf("%010d", i), fmt.Sprintf("v%d", i))
	}

	items, err := s.Query(context.Background(), store.TableWaitlist, "e1",
		store.WithSortRange("0000000002", "0000000004"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "v2", string(items[0].Value))
	require.Equal(t, "v4", string(items[2].Value))

	items, err = s.Query(context.Background(), store.TableWaitlist, "e1", store.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "v1", string(items[0].Value))
}

func TestQueryEmptyPartition(t *testing.T) {
	s := newTestStore(t)
	items, err := s.Query(context.Background(), store.TableWaitlist, "nobody")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestScanSpansPartitions(t *testing.T) {
	s := newTestStore(t)
	put(t, s, store.TableEvents, "e1", "", "a")
	put(t, s, store.TableEvents, "e2", "", "b")
	put(t, s, store.TableParticipants, "p1", "", "other table")

	items, err := s.Scan(context.Background(), store.TableEvents)
	require.NoError(t, err)
	require.Len(t, items, 2)
	parts := []string{items[0].Key.Partition, items[1].Key.Partition}
	require.ElementsMatch(t, []string{"e1", "e2"}, parts)
}

func TestConcurrentWritersRespectCountGuard(t *testing.T) {
	// The core safety property: N writers racing for a partition guarded by
	// CountAtMost must end with at most capacity rows, no matter how their
	// transactions interleave. Count guards alone would be blind to phantom
	// inserts; the per-partition version key turns them into conflicts.
	s := newTestStore(t)
	ctx := context.Background()
	const capacity = 2
	const writers = 8

	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			results <- store.Retry(ctx, 0, func() error {
				return s.ConditionalPut(ctx, store.TableRegistrations,
					store.Item{Key: store.Key{Partition: "e1", Sort: id}, Value: []byte("x")},
					store.CountAtMost(store.TableRegistrations, "e1", capacity-1, "full"),
				)
			})
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		require.Equal(t, "full", store.FailedTag(err))
	}
	require.Equal(t, capacity, admitted)

	items, err := s.Query(ctx, store.TableRegistrations, "e1")
	require.NoError(t, err)
	require.Len(t, items, capacity)
}
