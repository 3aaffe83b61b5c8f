// Package repository implements persistence for events and participants on
// top of the durable store. The admission core only ever reads events; all
// event mutation lives here, owned by the management surface.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const (
	tagEventID      = "event_id_taken"
	tagEventChanged = "event_changed"
	tagEventMissing = "event_missing"
	tagEventState   = "event_state_changed"
)

// EventRepository handles persistence for events.
type EventRepository struct {
	st store.Store
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(st store.Store) *EventRepository {
	return &EventRepository{st: st}
}

func eventKey(id string) store.Key {
	return store.Key{Partition: id}
}

func encodeEvent(ev *model.Event) ([]byte, error) {
	val, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return val, nil
}

func decodeEvent(val []byte) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(val, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// Create inserts a new event with a generated UUID. An omitted status
// defaults to scheduled.
func (r *EventRepository) Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	status := req.Status
	if status == "" {
		status = model.EventScheduled
	}
	ev := &model.Event{
		ID:              uuid.New().String(),
		Title:           req.Title,
		Description:     req.Description,
		Location:        req.Location,
		Date:            req.Date,
		Organizer:       req.Organizer,
		Status:          status,
		Capacity:        req.Capacity,
		WaitlistEnabled: req.WaitlistEnabled,
		CreatedAt:       time.Now().UTC(),
	}
	val, err := encodeEvent(ev)
	if err != nil {
		return nil, err
	}
	key := eventKey(ev.ID)
	err = r.st.ConditionalPut(ctx, store.TableEvents,
		store.Item{Key: key, Value: val},
		store.NotExists(store.TableEvents, key, tagEventID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	item, err := r.st.Get(ctx, store.TableEvents, eventKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return decodeEvent(item.Value)
}

// List returns all events ordered by creation time descending. A non-empty
// status keeps only events in that state.
func (r *EventRepository) List(ctx context.Context, status string) ([]model.Event, error) {
	items, err := r.st.Scan(ctx, store.TableEvents)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]model.Event, 0, len(items))
	for _, it := range items {
		ev, err := decodeEvent(it.Value)
		if err != nil {
			return nil, err
		}
		if status != "" && ev.Status != status {
			continue
		}
		events = append(events, *ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

// Update applies the non-nil fields of req to the event. The write is a
// compare-and-swap on the previously read record, retried on interference.
func (r *EventRepository) Update(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error) {
	var updated *model.Event
	err := store.Retry(ctx, 0, func() error {
		item, err := r.st.Get(ctx, store.TableEvents, eventKey(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get event: %w", err)
		}
		ev, err := decodeEvent(item.Value)
		if err != nil {
			return err
		}

		if req.Title != nil {
			ev.Title = *req.Title
		}
		if req.Description != nil {
			ev.Description = *req.Description
		}
		if req.Location != nil {
			ev.Location = *req.Location
		}
		if req.Date != nil {
			ev.Date = *req.Date
		}
		if req.Organizer != nil {
			ev.Organizer = *req.Organizer
		}
		if req.Status != nil {
			ev.Status = *req.Status
		}
		if req.Capacity != nil {
			ev.Capacity = req.Capacity
		}
		if req.WaitlistEnabled != nil {
			ev.WaitlistEnabled = *req.WaitlistEnabled
		}
		ev.UpdatedAt = time.Now().UTC()

		val, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		err = r.st.ConditionalPut(ctx, store.TableEvents,
			store.Item{Key: eventKey(id), Value: val},
			store.ValueEquals(store.TableEvents, eventKey(id), item.Value, tagEventChanged),
		)
		if err != nil {
			if store.FailedTag(err) == tagEventChanged {
				return store.ErrTxnConflict
			}
			return fmt.Errorf("update event: %w", err)
		}
		updated = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the event together with all of its registrations,
// waitlist entries and participant-index rows in one transaction, so no
// orphaned admission state survives the event.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	return store.Retry(ctx, 0, func() error {
		if _, err := r.st.Get(ctx, store.TableEvents, eventKey(id)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get event: %w", err)
		}

		regs, err := r.st.Query(ctx, store.TableRegistrations, id)
		if err != nil {
			return fmt.Errorf("query registrations: %w", err)
		}
		entries, err := r.st.Query(ctx, store.TableWaitlist, id)
		if err != nil {
			return fmt.Errorf("query waitlist: %w", err)
		}

		ops := []store.Op{store.DeleteOp(store.TableEvents, eventKey(id))}
		for _, it := range regs {
			participantID := it.Key.Sort
			ops = append(ops,
				store.DeleteOp(store.TableRegistrations, it.Key),
				store.DeleteOp(store.TableParticipantRegs, store.Key{Partition: participantID, Sort: id}),
			)
		}
		for _, it := range entries {
			var e model.WaitlistEntry
			if err := json.Unmarshal(it.Value, &e); err != nil {
				return fmt.Errorf("decode waitlist entry: %w", err)
			}
			ops = append(ops,
				store.DeleteOp(store.TableWaitlist, it.Key),
				store.DeleteOp(store.TableParticipantWait, store.Key{Partition: e.ParticipantID, Sort: id}),
			)
		}

		err = r.st.TransactWrite(ctx, ops,
			store.Exists(store.TableEvents, eventKey(id), tagEventMissing),
			store.CountEquals(store.TableRegistrations, id, len(regs), tagEventState),
			store.CountEquals(store.TableWaitlist, id, len(entries), tagEventState),
		)
		if err != nil {
			switch store.FailedTag(err) {
			case tagEventMissing:
				return ErrNotFound
			case tagEventState:
				return store.ErrTxnConflict
			}
			return fmt.Errorf("delete event: %w", err)
		}
		return nil
	})
}
