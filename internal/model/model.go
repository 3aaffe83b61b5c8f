// Package model defines the core domain types for the admission control
// and waitlist service.
package model

import "time"

// Event lifecycle states.
const (
	EventScheduled = "scheduled"
	EventOngoing   = "ongoing"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventActive    = "active"
)

// Event is the capacity-bounded resource participants compete to join.
// A nil Capacity means the event is unbounded.
type Event struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	Date            string    `json:"date,omitempty"`
	Organizer       string    `json:"organizer"`
	Status          string    `json:"status"`
	Capacity        *int      `json:"capacity,omitempty"`
	WaitlistEnabled bool      `json:"waitlist_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Bounded reports whether the event has a finite capacity.
func (e *Event) Bounded() bool {
	return e.Capacity != nil
}

// Participant is an identity that can hold at most one registration or
// waitlist entry per event at a time. Immutable after creation.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registration is a confirmed slot for (event, participant). A removed
// registration simply ceases to exist; there is no soft-delete state.
type Registration struct {
	EventID       string    `json:"event_id"`
	ParticipantID string    `json:"participant_id"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// WaitlistEntry is a queued slot for (event, participant). Positions per
// event form a gapless sequence starting at 1, in enqueue order.
type WaitlistEntry struct {
	EventID       string    `json:"event_id"`
	ParticipantID string    `json:"participant_id"`
	Position      int       `json:"position"`
	AddedAt       time.Time `json:"added_at"`
}

// CreateEventRequest is the payload for creating a new event. An omitted
// status defaults to scheduled.
type CreateEventRequest struct {
	Title           string `json:"title" validate:"required,min=1,max=200"`
	Description     string `json:"description" validate:"max=2000"`
	Location        string `json:"location" validate:"max=300"`
	Date            string `json:"date" validate:"omitempty,max=64"`
	Organizer       string `json:"organizer" validate:"required,min=1,max=200"`
	Status          string `json:"status" validate:"omitempty,oneof=scheduled ongoing completed cancelled active"`
	Capacity        *int   `json:"capacity" validate:"omitempty,min=0,max=100000"`
	WaitlistEnabled bool   `json:"waitlist_enabled"`
}

// UpdateEventRequest is the payload for partially updating an event.
// Only non-nil fields are applied.
type UpdateEventRequest struct {
	Title           *string `json:"title" validate:"omitempty,min=1,max=200"`
	Description     *string `json:"description" validate:"omitempty,max=2000"`
	Location        *string `json:"location" validate:"omitempty,max=300"`
	Date            *string `json:"date" validate:"omitempty,max=64"`
	Organizer       *string `json:"organizer" validate:"omitempty,min=1,max=200"`
	Status          *string `json:"status" validate:"omitempty,oneof=scheduled ongoing completed cancelled active"`
	Capacity        *int    `json:"capacity" validate:"omitempty,min=0,max=100000"`
	WaitlistEnabled *bool   `json:"waitlist_enabled"`
}

// CreateParticipantRequest is the payload for creating a participant.
type CreateParticipantRequest struct {
	DisplayName string `json:"display_name" validate:"required,min=1,max=200"`
}

// RegisterRequest is the payload for registering a participant for an event.
type RegisterRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
}

// RegistrationStatus tags the outcome of a registration attempt.
type RegistrationStatus string

const (
	StatusConfirmed  RegistrationStatus = "confirmed"
	StatusWaitlisted RegistrationStatus = "waitlisted"
)

// RegisterResult is the outcome of a register call: exactly one of
// Registration or WaitlistEntry is set, indicated by Status.
type RegisterResult struct {
	Status        RegistrationStatus `json:"status"`
	Registration  *Registration      `json:"registration,omitempty"`
	WaitlistEntry *WaitlistEntry     `json:"waitlist_entry,omitempty"`
}

// UnregisterResult confirms an unregistration and reports the waitlist
// participant promoted into the freed slot, if any.
type UnregisterResult struct {
	Removed  Registration  `json:"removed"`
	Promoted *Registration `json:"promoted,omitempty"`
}

// EventAvailability is the advisory capacity picture for an event.
// AvailableSlots is omitted for unbounded events.
type EventAvailability struct {
	EventID        string `json:"event_id"`
	Capacity       *int   `json:"capacity,omitempty"`
	Confirmed      int    `json:"confirmed"`
	AvailableSlots *int   `json:"available_slots,omitempty"`
	Unbounded      bool   `json:"unbounded"`
	Waitlisted     int    `json:"waitlisted"`
}

// ErrorResponse is the standard JSON error envelope. Code is a stable
// identifier callers can branch on without matching message text.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
