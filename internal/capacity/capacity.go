// Package capacity answers how many confirmed slots an event has left.
// All reads are advisory: callers race other writers between a read here
// and their own write, so the authoritative capacity check is the guarded
// write in the admission package. The oracle never mutates state.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
)

// Availability reports free slots for an event. Slots is meaningless when
// Unbounded is set.
type Availability struct {
	Slots     int
	Unbounded bool
}

// Oracle reads confirmed counts and capacities from the store.
type Oracle struct {
	st store.Store
}

// NewOracle constructs an Oracle.
func NewOracle(st store.Store) *Oracle {
	return &Oracle{st: st}
}

// ConfirmedCount returns the number of confirmed registrations for the
// event at call time.
func (o *Oracle) ConfirmedCount(ctx context.Context, eventID string) (int, error) {
	items, err := o.st.Query(ctx, store.TableRegistrations, eventID)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return len(items), nil
}

// AvailableSlots returns capacity minus the confirmed count, floored at
// zero, or an unbounded result when the event has no capacity value.
// Propagates store.ErrNotFound for unknown events.
func (o *Oracle) AvailableSlots(ctx context.Context, eventID string) (Availability, error) {
	ev, err := o.event(ctx, eventID)
	if err != nil {
		return Availability{}, err
	}
	if !ev.Bounded() {
		return Availability{Unbounded: true}, nil
	}
	n, err := o.ConfirmedCount(ctx, eventID)
	if err != nil {
		return Availability{}, err
	}
	slots := *ev.Capacity - n
	if slots < 0 {
		slots = 0
	}
	return Availability{Slots: slots}, nil
}

// IsFull reports whether the event has a finite capacity and the confirmed
// count has reached it. Unbounded events are never full.
func (o *Oracle) IsFull(ctx context.Context, eventID string) (bool, error) {
	av, err := o.AvailableSlots(ctx, eventID)
	if err != nil {
		return false, err
	}
	return !av.Unbounded && av.Slots == 0, nil
}

func (o *Oracle) event(ctx context.Context, eventID string) (*model.Event, error) {
	item, err := o.st.Get(ctx, store.TableEvents, store.Key{Partition: eventID})
	if err != nil {
		return nil, err
	}
	var ev model.Event
	if err := json.Unmarshal(item.Value, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &ev, nil
}
