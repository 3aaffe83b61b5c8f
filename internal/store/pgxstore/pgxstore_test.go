package pgxstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventops/admitd/internal/store"
)

// These tests need a live PostgreSQL instance. Point TEST_DATABASE_URL at
// one to run them; they are skipped otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

// partition returns a unique partition name so runs against a shared
// database do not interfere with each other.
func partition(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestConditionalPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pk := partition(t)
	key := store.Key{Partition: pk, Sort: "p1"}

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

	item, err := s.Get(ctx, store.TableRegistrations, key)
	require.NoError(t, err)
	require.Equal(t, "a", string(item.Value))

	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: pk, Sort: "missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueryOrderedWithRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pk := partition(t)

	for i := 5; i >= 1; i-- {
		err := s.ConditionalPut(ctx, store.TableWaitlist, store.Item{
			Key:   store.Key{Partition: pk, Sort: fmt.Sprintf("%010d", i)},
			Value: []byte(fmt.Sprintf("v%d", i)),
		})
		require.NoError(t, err)
	}

	items, err := s.Query(ctx, store.TableWaitlist, pk)
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, "v1", string(items[0].Value))
	require.Equal(t, "v5", string(items[4].Value))

	items, err = s.Query(ctx, store.TableWaitlist, pk,
		store.WithSortRange("0000000002", "0000000004"), store.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "v2", string(items[0].Value))
}

func TestTransactWriteAtomicOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pk := partition(t)

	err := s.ConditionalPut(ctx, store.TableRegistrations,
		store.Item{Key: store.Key{Partition: pk, Sort: "p1"}, Value: []byte("x")})
	require.NoError(t, err)

	err = s.TransactWrite(ctx,
		[]store.Op{
			store.DeleteOp(store.TableRegistrations, store.Key{Partition: pk, Sort: "p1"}),
			store.PutOp(store.TableRegistrations, store.Item{
				Key: store.Key{Partition: pk, Sort: "p2"}, Value: []byte("x")}),
		},
		store.NotExists(store.TableRegistrations, store.Key{Partition: pk, Sort: "p1"}, "dup"),
	)
	require.Equal(t, "dup", store.FailedTag(err))

	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: pk, Sort: "p1"})
	require.NoError(t, err)
	_, err = s.Get(ctx, store.TableRegistrations, store.Key{Partition: pk, Sort: "p2"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentWritersRespectCountGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pk := partition(t)
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
					store.Item{Key: store.Key{Partition: pk, Sort: id}, Value: []byte("x")},
					store.CountAtMost(store.TableRegistrations, pk, capacity-1, "full"),
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

	items, err := s.Query(ctx, store.TableRegistrations, pk)
	require.NoError(t, err)
	require.Len(t, items, capacity)
}
