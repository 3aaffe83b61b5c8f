// Package admission orchestrates registration and unregistration against a
// capacity-bounded event, queueing excess demand and promoting queued
// participants as slots free up.
//
// Every mutation is a single guarded transaction against the durable
// store: the capacity check and the registration write commit as one
// atomic unit, so two callers can never both take the last slot no matter
// how their requests interleave. An advisory count read is never trusted
// as the decision.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eventops/admitd/internal/capacity"
	"github.com/eventops/admitd/internal/metrics"
	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/repository"
	"github.com/eventops/admitd/internal/store"
	"github.com/eventops/admitd/internal/waitlist"
)

// Domain errors. Conflicts and not-founds propagate verbatim so the
// boundary layer can map them to stable error codes.
var (
	ErrEventNotFound       = errors.New("event not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyRegistered   = errors.New("participant already registered for this event")
	ErrEventFull           = errors.New("event is fully booked")
	ErrNotRegistered       = errors.New("participant is not registered for this event")
	ErrInvalidID           = errors.New("identifier must not be empty")
)

const (
	tagAlreadyRegistered = "registration_exists"
	tagAlreadyWaitlisted = "waitlist_entry_exists"
	tagCapacity          = "capacity_reached"
	tagNotRegistered     = "registration_missing"
	tagPromotedTaken     = "promoted_already_registered"
)

// Controller composes the capacity oracle and the waitlist queue under the
// store's transactional discipline.
type Controller struct {
	st           store.Store
	events       *repository.EventRepository
	participants *repository.ParticipantRepository
	queue        *waitlist.Queue
	oracle       *capacity.Oracle
}

// NewController constructs a Controller.
func NewController(
	st store.Store,
	events *repository.EventRepository,
	participants *repository.ParticipantRepository,
	queue *waitlist.Queue,
	oracle *capacity.Oracle,
) *Controller {
	return &Controller{
		st:           st,
		events:       events,
		participants: participants,
		queue:        queue,
		oracle:       oracle,
	}
}

func regKey(eventID, participantID string) store.Key {
	return store.Key{Partition: eventID, Sort: participantID}
}

func regIdxKey(participantID, eventID string) store.Key {
	return store.Key{Partition: participantID, Sort: eventID}
}

func decodeRegistration(val []byte) (*model.Registration, error) {
	var reg model.Registration
	if err := json.Unmarshal(val, &reg); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return &reg, nil
}

// Register attempts to confirm a slot for the participant, falling back to
// the waitlist when the event is full and the waitlist is enabled.
//
// The branch taken depends on the event configuration:
//
//	capacity   waitlist   behavior when full
//	absent     any        never full, always confirm
//	present    disabled   confirm while count < capacity, else ErrEventFull
//	present    enabled    confirm while count < capacity, else enqueue
//
// The fullness decision is the guarded write itself, not a prior read.
func (c *Controller) Register(ctx context.Context, eventID, participantID string) (*model.RegisterResult, error) {
	if err := validateIDs(eventID, participantID); err != nil {
		return nil, err
	}
	ev, err := c.lookupEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if _, err := c.lookupParticipant(ctx, participantID); err != nil {
		return nil, err
	}

	var result *model.RegisterResult
	err = store.Retry(ctx, 0, func() error {
		reg := model.Registration{
			EventID:       eventID,
			ParticipantID: participantID,
			RegisteredAt:  time.Now().UTC(),
		}
		val, err := json.Marshal(reg)
		if err != nil {
			return fmt.Errorf("encode registration: %w", err)
		}

		conds := []store.Condition{
			store.NotExists(store.TableRegistrations, regKey(eventID, participantID), tagAlreadyRegistered),
			store.NotExists(store.TableParticipantWait, regIdxKey(participantID, eventID), tagAlreadyWaitlisted),
		}
		if ev.Bounded() {
			conds = append(conds, store.CountAtMost(store.TableRegistrations, eventID, *ev.Capacity-1, tagCapacity))
		}

		err = c.st.TransactWrite(ctx,
			[]store.Op{
				store.PutOp(store.TableRegistrations, store.Item{Key: regKey(eventID, participantID), Value: val}),
				store.PutOp(store.TableParticipantRegs, store.Item{Key: regIdxKey(participantID, eventID), Value: val}),
			},
			conds...,
		)
		if err == nil {
			result = &model.RegisterResult{Status: model.StatusConfirmed, Registration: &reg}
			return nil
		}

		switch store.FailedTag(err) {
		case tagAlreadyRegistered:
			return ErrAlreadyRegistered
		case tagAlreadyWaitlisted:
			return waitlist.ErrAlreadyQueued
		case tagCapacity:
			if !ev.WaitlistEnabled {
				return ErrEventFull
			}
			entry, err := c.queue.Enqueue(ctx, eventID, participantID,
				store.NotExists(store.TableRegistrations, regKey(eventID, participantID), tagAlreadyRegistered),
			)
			if err != nil {
				if store.FailedTag(err) == tagAlreadyRegistered {
					return ErrAlreadyRegistered
				}
				return err
			}
			result = &model.RegisterResult{Status: model.StatusWaitlisted, WaitlistEntry: entry}
			return nil
		}
		return err
	})
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.RegistrationsTotal.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// Unregister removes the participant's confirmed registration and, when
// the event's waitlist is non-empty, promotes its head into the freed slot
// and compacts the queue. The delete, the promotion insert and the
// compaction commit as one transaction: no observer ever sees a freed slot
// with an unpromoted queue, and the queued participant always wins the
// slot over a racing fresh registration.
func (c *Controller) Unregister(ctx context.Context, eventID, participantID string) (*model.UnregisterResult, error) {
	if err := validateIDs(eventID, participantID); err != nil {
		return nil, err
	}
	if _, err := c.lookupEvent(ctx, eventID); err != nil {
		return nil, err
	}

	var result *model.UnregisterResult
	err := store.Retry(ctx, 0, func() error {
		item, err := c.st.Get(ctx, store.TableRegistrations, regKey(eventID, participantID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotRegistered
			}
			return fmt.Errorf("get registration: %w", err)
		}
		removed, err := decodeRegistration(item.Value)
		if err != nil {
			return err
		}

		entries, err := c.queue.Snapshot(ctx, eventID)
		if err != nil {
			return err
		}

		ops := []store.Op{
			store.DeleteOp(store.TableRegistrations, regKey(eventID, participantID)),
			store.DeleteOp(store.TableParticipantRegs, regIdxKey(participantID, eventID)),
		}
		conds := []store.Condition{
			store.Exists(store.TableRegistrations, regKey(eventID, participantID), tagNotRegistered),
		}

		var promoted *model.Registration
		if len(entries) == 0 {
			// An empty snapshot must still hold at commit; otherwise an
			// enqueue landing in between would strand its entry behind the
			// freed slot instead of being promoted into it.
			conds = append(conds,
				store.CountEquals(store.TableWaitlist, eventID, 0, waitlist.TagQueueChanged))
		} else {
			head := entries[0]
			removeOps, removeConds, err := waitlist.RemoveOps(entries, 0)
			if err != nil {
				return err
			}
			promo := model.Registration{
				EventID:       eventID,
				ParticipantID: head.ParticipantID,
				RegisteredAt:  time.Now().UTC(),
			}
			promoVal, err := json.Marshal(promo)
			if err != nil {
				return fmt.Errorf("encode registration: %w", err)
			}
			ops = append(ops, removeOps...)
			ops = append(ops,
				store.PutOp(store.TableRegistrations, store.Item{Key: regKey(eventID, head.ParticipantID), Value: promoVal}),
				store.PutOp(store.TableParticipantRegs, store.Item{Key: regIdxKey(head.ParticipantID, eventID), Value: promoVal}),
			)
			conds = append(conds, removeConds...)
			conds = append(conds,
				store.NotExists(store.TableRegistrations, regKey(eventID, head.ParticipantID), tagPromotedTaken),
			)
			promoted = &promo
		}

		if err := c.st.TransactWrite(ctx, ops, conds...); err != nil {
			switch store.FailedTag(err) {
			case tagNotRegistered:
				return ErrNotRegistered
			case waitlist.TagQueueChanged:
				return store.ErrTxnConflict
			case tagPromotedTaken:
				// A queued participant must never also hold a confirmed
				// slot; the store or a writer broke the atomicity contract.
				cerr := &waitlist.ConsistencyError{
					EventID: eventID,
					Detail:  fmt.Sprintf("waitlist head %s already holds a confirmed registration", entries[0].ParticipantID),
				}
				log.Error().Str("event_id", eventID).Str("participant_id", entries[0].ParticipantID).
					Msg("promotion found waitlisted participant already confirmed")
				return cerr
			}
			return err
		}

		if promoted != nil {
			metrics.PromotionsTotal.Inc()
			log.Info().Str("event_id", eventID).
				Str("promoted_participant_id", promoted.ParticipantID).
				Msg("promoted waitlist head into freed slot")
		}
		result = &model.UnregisterResult{Removed: *removed, Promoted: promoted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Availability reports the event's capacity picture: confirmed count,
// free slots and current waitlist length. Advisory reads; the numbers can
// be stale by the time the caller acts on them.
func (c *Controller) Availability(ctx context.Context, eventID string) (*model.EventAvailability, error) {
	if err := validateIDs(eventID); err != nil {
		return nil, err
	}
	ev, err := c.lookupEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	confirmed, err := c.oracle.ConfirmedCount(ctx, eventID)
	if err != nil {
		return nil, err
	}
	av, err := c.oracle.AvailableSlots(ctx, eventID)
	if err != nil {
		return nil, err
	}
	entries, err := c.queue.ForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	out := &model.EventAvailability{
		EventID:    eventID,
		Capacity:   ev.Capacity,
		Confirmed:  confirmed,
		Unbounded:  av.Unbounded,
		Waitlisted: len(entries),
	}
	if !av.Unbounded {
		slots := av.Slots
		out.AvailableSlots = &slots
	}
	return out, nil
}

// WithdrawFromWaitlist removes the participant's waitlist entry at any
// position and compacts the remainder of the queue.
func (c *Controller) WithdrawFromWaitlist(ctx context.Context, eventID, participantID string) error {
	if err := validateIDs(eventID, participantID); err != nil {
		return err
	}
	if _, err := c.lookupEvent(ctx, eventID); err != nil {
		return err
	}
	return c.queue.Withdraw(ctx, eventID, participantID)
}

// ListConfirmedForEvent returns the event's confirmed registrations
// ordered by registration time ascending.
func (c *Controller) ListConfirmedForEvent(ctx context.Context, eventID string) ([]model.Registration, error) {
	if err := validateIDs(eventID); err != nil {
		return nil, err
	}
	if _, err := c.lookupEvent(ctx, eventID); err != nil {
		return nil, err
	}
	items, err := c.st.Query(ctx, store.TableRegistrations, eventID)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	regs := make([]model.Registration, 0, len(items))
	for _, it := range items {
		reg, err := decodeRegistration(it.Value)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
	})
	return regs, nil
}

// ListWaitlistForEvent returns the event's waitlist ordered by position.
func (c *Controller) ListWaitlistForEvent(ctx context.Context, eventID string) ([]model.WaitlistEntry, error) {
	if err := validateIDs(eventID); err != nil {
		return nil, err
	}
	if _, err := c.lookupEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return c.queue.ForEvent(ctx, eventID)
}

// ListConfirmedForParticipant returns the participant's confirmed
// registrations across events.
func (c *Controller) ListConfirmedForParticipant(ctx context.Context, participantID string) ([]model.Registration, error) {
	if err := validateIDs(participantID); err != nil {
		return nil, err
	}
	if _, err := c.lookupParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	items, err := c.st.Query(ctx, store.TableParticipantRegs, participantID)
	if err != nil {
		return nil, fmt.Errorf("query participant registrations: %w", err)
	}
	regs := make([]model.Registration, 0, len(items))
	for _, it := range items {
		reg, err := decodeRegistration(it.Value)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, nil
}

// ListWaitlistedForParticipant returns the participant's waitlist entries
// across events, each with its current position.
func (c *Controller) ListWaitlistedForParticipant(ctx context.Context, participantID string) ([]model.WaitlistEntry, error) {
	if err := validateIDs(participantID); err != nil {
		return nil, err
	}
	if _, err := c.lookupParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	return c.queue.ForParticipant(ctx, participantID)
}

func (c *Controller) lookupEvent(ctx context.Context, eventID string) (*model.Event, error) {
	ev, err := c.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (c *Controller) lookupParticipant(ctx context.Context, participantID string) (*model.Participant, error) {
	p, err := c.participants.GetByID(ctx, participantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return p, nil
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return ErrInvalidID
		}
	}
	return nil
}
