// Package waitlist implements the per-event FIFO queue that absorbs demand
// beyond an event's capacity. Positions for an event are a gapless sequence
// 1..N in enqueue order; removals compact the remainder down by one so a
// reported position stays an honest distance-to-admission.
//
// Position assignment is part of the guarded write, never a separate
// read-then-write: an enqueue asserts both that the target position is
// vacant and that the queue length it observed is still current, so two
// concurrent enqueuers can never be handed the same position.
package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/store"
)

// Condition tags used to tell business rejections from benign contention.
const (
	TagPositionTaken = "waitlist_position_taken"
	TagQueueChanged  = "waitlist_queue_changed"
	TagAlreadyQueued = "waitlist_already_queued"
)

// ErrAlreadyQueued is returned when the participant already holds a
// waitlist entry for the event.
var ErrAlreadyQueued = errors.New("participant already waitlisted for this event")

// ErrNotQueued is returned when the participant has no waitlist entry for
// the event.
var ErrNotQueued = errors.New("participant is not waitlisted for this event")

// ConsistencyError reports stored waitlist state that violates the gapless
// ordering invariant. It is never repaired silently; it signals a bug or a
// store that broke the atomicity contract.
type ConsistencyError struct {
	EventID string
	Detail  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("waitlist for event %s is inconsistent: %s", e.EventID, e.Detail)
}

// PositionSort encodes a position as a fixed-width sort key so lexical
// store order matches numeric order.
func PositionSort(pos int) string {
	return fmt.Sprintf("%010d", pos)
}

// Queue manages waitlist entries in the durable store.
type Queue struct {
	st store.Store
}

// New constructs a Queue.
func New(st store.Store) *Queue {
	return &Queue{st: st}
}

// Snapshot returns the event's queue ordered by position ascending, after
// verifying the positions form a gapless 1..N sequence with no duplicate
// participants.
func (q *Queue) Snapshot(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	items, err := q.st.Query(ctx, store.TableWaitlist, eventID)
	if err != nil {
		return nil, fmt.Errorf("query waitlist: %w", err)
	}

	entries := make([]model.WaitlistEntry, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		var e model.WaitlistEntry
		if err := json.Unmarshal(it.Value, &e); err != nil {
			return nil, fmt.Errorf("decode waitlist entry: %w", err)
		}
		if e.Position != i+1 {
			return nil, &ConsistencyError{EventID: eventID,
				Detail: fmt.Sprintf("expected position %d, found %d", i+1, e.Position)}
		}
		if seen[e.ParticipantID] {
			return nil, &ConsistencyError{EventID: eventID,
				Detail: fmt.Sprintf("participant %s queued twice", e.ParticipantID)}
		}
		seen[e.ParticipantID] = true
		entries = append(entries, e)
	}
	return entries, nil
}

// NextPosition returns one past the current maximum position, or 1 when
// the queue is empty. Advisory only: the authoritative assignment happens
// inside the guarded write in Enqueue.
func (q *Queue) NextPosition(ctx context.Context, eventID string) (int, error) {
	entries, err := q.Snapshot(ctx, eventID)
	if err != nil {
		return 0, err
	}
	return len(entries) + 1, nil
}

// Enqueue appends the participant at the tail of the event's queue and
// returns the created entry. Fails with ErrAlreadyQueued if the
// participant already holds an entry. Benign races with concurrent
// enqueues and withdrawals are retried internally. Extra conditions are
// evaluated in the same transaction; if one of them fails, the raw
// condition failure propagates for the caller to map.
func (q *Queue) Enqueue(ctx context.Context, eventID, participantID string, extra ...store.Condition) (*model.WaitlistEntry, error) {
	var created *model.WaitlistEntry
	err := store.Retry(ctx, 0, func() error {
		entries, err := q.Snapshot(ctx, eventID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ParticipantID == participantID {
				return ErrAlreadyQueued
			}
		}

		entry := model.WaitlistEntry{
			EventID:       eventID,
			ParticipantID: participantID,
			Position:      len(entries) + 1,
			AddedAt:       time.Now().UTC(),
		}
		val, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode waitlist entry: %w", err)
		}

		key := store.Key{Partition: eventID, Sort: PositionSort(entry.Position)}
		idxKey := store.Key{Partition: participantID, Sort: eventID}
		conds := append([]store.Condition{
			store.NotExists(store.TableWaitlist, key, TagPositionTaken),
			store.CountEquals(store.TableWaitlist, eventID, entry.Position-1, TagQueueChanged),
			store.NotExists(store.TableParticipantWait, idxKey, TagAlreadyQueued),
		}, extra...)
		err = q.st.TransactWrite(ctx,
			[]store.Op{
				store.PutOp(store.TableWaitlist, store.Item{Key: key, Value: val}),
				store.PutOp(store.TableParticipantWait, store.Item{Key: idxKey, Value: val}),
			},
			conds...,
		)
		if err != nil {
			switch store.FailedTag(err) {
			case TagPositionTaken, TagQueueChanged:
				return store.ErrTxnConflict
			case TagAlreadyQueued:
				return ErrAlreadyQueued
			}
			return err
		}
		created = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Withdraw removes the participant's entry at any position and compacts
// later positions down by one, transactionally. Fails with ErrNotQueued if
// the participant holds no entry.
func (q *Queue) Withdraw(ctx context.Context, eventID, participantID string) error {
	return store.Retry(ctx, 0, func() error {
		entries, err := q.Snapshot(ctx, eventID)
		if err != nil {
			return err
		}
		idx := -1
		for i, e := range entries {
			if e.ParticipantID == participantID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotQueued
		}

		ops, conds, err := RemoveOps(entries, idx)
		if err != nil {
			return err
		}
		if err := q.st.TransactWrite(ctx, ops, conds...); err != nil {
			if store.FailedTag(err) == TagQueueChanged {
				return store.ErrTxnConflict
			}
			return err
		}
		return nil
	})
}

// RemoveOps builds the write set that removes entries[idx] from its queue
// and shifts every later entry down one position, keeping the sequence
// gapless. The participant-index row of the removed entry is deleted in
// the same transaction. The write is guarded by the snapshot length AND by
// the exact stored value of every row it reads: a length check alone is
// blind to a withdraw+enqueue pair that preserves the count, which would
// let stale shift ops rewrite the queue from dead data. Entries must come
// from Snapshot; re-encoding a decoded entry reproduces its stored bytes.
// Callers may append further ops (e.g. a promotion insert) before
// committing.
func RemoveOps(entries []model.WaitlistEntry, idx int) ([]store.Op, []store.Condition, error) {
	if idx < 0 || idx >= len(entries) {
		return nil, nil, fmt.Errorf("remove index %d out of range 0..%d", idx, len(entries)-1)
	}
	removed := entries[idx]
	eventID := removed.EventID
	n := len(entries)

	removedVal, err := json.Marshal(removed)
	if err != nil {
		return nil, nil, fmt.Errorf("encode waitlist entry: %w", err)
	}
	conds := []store.Condition{
		store.CountEquals(store.TableWaitlist, eventID, n, TagQueueChanged),
		store.ValueEquals(store.TableWaitlist,
			store.Key{Partition: eventID, Sort: PositionSort(removed.Position)},
			removedVal, TagQueueChanged),
	}

	ops := make([]store.Op, 0, n-idx+1)
	// Later entries slide into the slot above them; the tail slot empties.
	// Each original row is pinned so a membership change invalidates the
	// write instead of resurrecting a withdrawn participant.
	for j := idx + 1; j < n; j++ {
		orig, err := json.Marshal(entries[j])
		if err != nil {
			return nil, nil, fmt.Errorf("encode waitlist entry: %w", err)
		}
		conds = append(conds, store.ValueEquals(store.TableWaitlist,
			store.Key{Partition: eventID, Sort: PositionSort(entries[j].Position)},
			orig, TagQueueChanged))

		shifted := entries[j]
		shifted.Position = j
		val, err := json.Marshal(shifted)
		if err != nil {
			return nil, nil, fmt.Errorf("encode waitlist entry: %w", err)
		}
		ops = append(ops, store.PutOp(store.TableWaitlist, store.Item{
			Key:   store.Key{Partition: eventID, Sort: PositionSort(j)},
			Value: val,
		}))
	}
	ops = append(ops,
		store.DeleteOp(store.TableWaitlist, store.Key{Partition: eventID, Sort: PositionSort(n)}),
		store.DeleteOp(store.TableParticipantWait, store.Key{Partition: removed.ParticipantID, Sort: eventID}),
	)
	return ops, conds, nil
}

// ForEvent returns the event's queue ordered by position ascending.
func (q *Queue) ForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	return q.Snapshot(ctx, eventID)
}

// ForParticipant returns the participant's waitlist entries across events,
// each with its live position. The index row only pins membership; the
// position is resolved against the current queue because compaction
// renumbers entries without rewriting index rows.
func (q *Queue) ForParticipant(ctx context.Context, participantID string) ([]model.WaitlistEntry, error) {
	items, err := q.st.Query(ctx, store.TableParticipantWait, participantID)
	if err != nil {
		return nil, fmt.Errorf("query participant waitlist index: %w", err)
	}

	var entries []model.WaitlistEntry
	for _, it := range items {
		eventID := it.Key.Sort
		queue, err := q.Snapshot(ctx, eventID)
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range queue {
			if e.ParticipantID == participantID {
				entries = append(entries, e)
				found = true
				break
			}
		}
		if !found {
			return nil, &ConsistencyError{EventID: eventID,
				Detail: fmt.Sprintf("index row exists for participant %s but no queue entry", participantID)}
		}
	}
	return entries, nil
}
