// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the admission core. The core exposes
// typed results; this layer serializes them and maps domain errors to
// stable error codes.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/eventops/admitd/internal/admission"
	"github.com/eventops/admitd/internal/metrics"
	"github.com/eventops/admitd/internal/model"
	"github.com/eventops/admitd/internal/repository"
	"github.com/eventops/admitd/internal/waitlist"
)

// API holds all HTTP handlers for the admission service.
type API struct {
	events       *repository.EventRepository
	participants *repository.ParticipantRepository
	ctrl         *admission.Controller
	validate     *validator.Validate
}

// NewAPI constructs an API.
func NewAPI(
	events *repository.EventRepository,
	participants *repository.ParticipantRepository,
	ctrl *admission.Controller,
) *API {
	return &API{
		events:       events,
		participants: participants,
		ctrl:         ctrl,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps core errors to HTTP statuses and stable codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var cerr *waitlist.ConsistencyError
	switch {
	case errors.Is(err, admission.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
	case errors.Is(err, admission.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event_not_found", err.Error())
	case errors.Is(err, admission.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, "participant_not_found", err.Error())
	case errors.Is(err, admission.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "already_registered", err.Error())
	case errors.Is(err, waitlist.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "already_waitlisted", err.Error())
	case errors.Is(err, admission.ErrEventFull):
		writeError(w, http.StatusConflict, "event_full", err.Error())
	case errors.Is(err, admission.ErrNotRegistered):
		writeError(w, http.StatusNotFound, "not_registered", err.Error())
	case errors.Is(err, waitlist.ErrNotQueued):
		writeError(w, http.StatusNotFound, "not_queued", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &cerr):
		log.Error().Err(err).Msg("stored state violates an invariant")
		writeError(w, http.StatusInternalServerError, "consistency_violation", err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "an unexpected error occurred")
	}
}

// CreateEvent handles POST /events.
func (a *API) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	ev, err := a.events.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ListEvents handles GET /events, optionally filtered by ?status=.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.events.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}.
func (a *API) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.events.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// UpdateEvent handles PUT /events/{id}.
func (a *API) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	ev, err := a.events.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// DeleteEvent handles DELETE /events/{id}.
func (a *API) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := a.events.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "event deleted"})
}

// CreateParticipant handles POST /participants.
func (a *API) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req model.CreateParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	p, err := a.participants.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListParticipants handles GET /participants.
func (a *API) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := a.participants.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if participants == nil {
		participants = []model.Participant{}
	}
	writeJSON(w, http.StatusOK, participants)
}

// GetParticipant handles GET /participants/{id}.
func (a *API) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := a.participants.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Register handles POST /events/{id}/registrations.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	result, err := a.ctrl.Register(r.Context(), chi.URLParam(r, "id"), req.ParticipantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Unregister handles DELETE /events/{id}/registrations/{participantID}.
func (a *API) Unregister(w http.ResponseWriter, r *http.Request) {
	result, err := a.ctrl.Unregister(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "participantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// WithdrawFromWaitlist handles DELETE /events/{id}/waitlist/{participantID}.
func (a *API) WithdrawFromWaitlist(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.WithdrawFromWaitlist(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "participantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "withdrawn from waitlist"})
}

// GetEventAvailability handles GET /events/{id}/availability.
func (a *API) GetEventAvailability(w http.ResponseWriter, r *http.Request) {
	av, err := a.ctrl.Availability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

// ListEventRegistrations handles GET /events/{id}/registrations.
func (a *API) ListEventRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := a.ctrl.ListConfirmedForEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if regs == nil {
		regs = []model.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

// ListEventWaitlist handles GET /events/{id}/waitlist.
func (a *API) ListEventWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.ctrl.ListWaitlistForEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListParticipantRegistrations handles GET /participants/{id}/registrations.
func (a *API) ListParticipantRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := a.ctrl.ListConfirmedForParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if regs == nil {
		regs = []model.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

// ListParticipantWaitlist handles GET /participants/{id}/waitlist.
func (a *API) ListParticipantWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := a.ctrl.ListWaitlistedForParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Routes returns the full route table. Middleware is applied by the caller.
func (a *API) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/health", HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Post("/", a.CreateEvent)
		r.Get("/", a.ListEvents)
		r.Get("/{id}", a.GetEvent)
		r.Put("/{id}", a.UpdateEvent)
		r.Delete("/{id}", a.DeleteEvent)
		r.Get("/{id}/availability", a.GetEventAvailability)

		r.Post("/{id}/registrations", a.Register)
		r.Get("/{id}/registrations", a.ListEventRegistrations)
		r.Delete("/{id}/registrations/{participantID}", a.Unregister)

		r.Get("/{id}/waitlist", a.ListEventWaitlist)
		r.Delete("/{id}/waitlist/{participantID}", a.WithdrawFromWaitlist)
	})

	r.Route("/participants", func(r chi.Router) {
		r.Post("/", a.CreateParticipant)
		r.Get("/", a.ListParticipants)
		r.Get("/{id}", a.GetParticipant)
		r.Get("/{id}/registrations", a.ListParticipantRegistrations)
		r.Get("/{id}/waitlist", a.ListParticipantWaitlist)
	})

	return r
}
