package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
	"github.com/eventops/admitd/internal/store/badgerstore"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func intp(n int) *int { return &n }

func strp(s string) *string { return &s }

func TestEventCreateAndGet(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	ctx := context.Background()

	ev, err := r.Create(ctx, model.CreateEventRequest{
		Title:           "Go meetup",
		Location:        "Lisbon",
		Organizer:       "Gophers PT",
		Capacity:        intp(50),
		WaitlistEnabled: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.False(t, ev.CreatedAt.IsZero())
	require.Equal(t, model.EventScheduled, ev.Status)

	got, err := r.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "Go meetup", got.Title)
	require.Equal(t, "Gophers PT", got.Organizer)
	require.Equal(t, 50, *got.Capacity)
	require.True(t, got.WaitlistEnabled)
}

func TestEventGetNotFound(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	_, err := r.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEventListNewestFirst(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	ctx := context.Background()

	first, err := r.Create(ctx, model.CreateEventRequest{Title: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := r.Create(ctx, model.CreateEventRequest{Title: "second"})
	require.NoError(t, err)

	events, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, second.ID, events[0].ID)
	require.Equal(t, first.ID, events[1].ID)
}

func TestEventListFiltersByStatus(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	ctx := context.Background()

	active, err := r.Create(ctx, model.CreateEventRequest{Title: "active", Status: model.EventActive})
	require.NoError(t, err)
	_, err = r.Create(ctx, model.CreateEventRequest{Title: "cancelled", Status: model.EventCancelled})
	require.NoError(t, err)

	events, err := r.List(ctx, model.EventActive)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, active.ID, events[0].ID)

	events, err = r.List(ctx, model.EventOngoing)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEventUpdateAppliesOnlyProvidedFields(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	ctx := context.Background()

	ev, err := r.Create(ctx, model.CreateEventRequest{
		Title:    "original",
		Location: "here",
		Capacity: intp(10),
	})
	require.NoError(t, err)

	updated, err := r.Update(ctx, ev.ID, model.UpdateEventRequest{
		Title:    strp("renamed"),
		Status:   strp(model.EventOngoing),
		Capacity: intp(5),
	})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.Equal(t, "here", updated.Location)
	require.Equal(t, model.EventOngoing, updated.Status)
	require.Equal(t, 5, *updated.Capacity)
	require.False(t, updated.UpdatedAt.IsZero())
}

func TestEventUpdateNotFound(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	_, err := r.Update(context.Background(), "missing", model.UpdateEventRequest{Title: strp("x")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEventDeleteCascades(t *testing.T) {
	st := newTestStore(t)
	r := NewEventRepository(st)
	ctx := context.Background()

	ev, err := r.Create(ctx, model.CreateEventRequest{Title: "doomed", Capacity: intp(1), WaitlistEnabled: true})
	require.NoError(t, err)

	// Seed admission state the way the admission layer writes it: primary
	// rows plus the per-participant index rows.
	reg, err := json.Marshal(model.Registration{EventID: ev.ID, ParticipantID: "alice"})
	require.NoError(t, err)
	require.NoError(t, st.TransactWrite(ctx, []store.Op{
		store.PutOp(store.TableRegistrations, store.Item{
			Key: store.Key{Partition: ev.ID, Sort: "alice"}, Value: reg}),
		store.PutOp(store.TableParticipantRegs, store.Item{
			Key: store.Key{Partition: "alice", Sort: ev.ID}, Value: reg}),
	}))
	wl, err := json.Marshal(model.WaitlistEntry{EventID: ev.ID, ParticipantID: "bob", Position: 1})
	require.NoError(t, err)
	require.NoError(t, st.TransactWrite(ctx, []store.Op{
		store.PutOp(store.TableWaitlist, store.Item{
			Key: store.Key{Partition: ev.ID, Sort: "0000000001"}, Value: wl}),
		store.PutOp(store.TableParticipantWait, store.Item{
			Key: store.Key{Partition: "bob", Sort: ev.ID}, Value: wl}),
	}))

	require.NoError(t, r.Delete(ctx, ev.ID))

	_, err = r.GetByID(ctx, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)

	for _, q := range []struct{ table, partition string }{
		{store.TableRegistrations, ev.ID},
		{store.TableWaitlist, ev.ID},
		{store.TableParticipantRegs, "alice"},
		{store.TableParticipantWait, "bob"},
	} {
		items, err := st.Query(ctx, q.table, q.partition)
		require.NoError(t, err)
		require.Empty(t, items, "table %s should be empty", q.table)
	}
}

func TestEventDeleteNotFound(t *testing.T) {
	r := NewEventRepository(newTestStore(t))
	err := r.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParticipantCreateAndGet(t *testing.T) {
	r := NewParticipantRepository(newTestStore(t))
	ctx := context.Background()

	p, err := r.Create(ctx, model.CreateParticipantRequest{DisplayName: "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := r.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Alice", got.DisplayName)

	_, err = r.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParticipantListOldestFirst(t *testing.T) {
	r := NewParticipantRepository(newTestStore(t))
	ctx := context.Background()

	first, err := r.Create(ctx, model.CreateParticipantRequest{DisplayName: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := r.Create(ctx, model.CreateParticipantRequest{DisplayName: "second"})
	require.NoError(t, err)

	participants, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	require.Equal(t, first.ID, participants[0].ID)
	require.Equal(t, second.ID, participants[1].ID)
}
