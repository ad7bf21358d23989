package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/storage"
)

type EventHandler struct {
	store storage.Storage
}

func NewEventHandler(store storage.Storage) *EventHandler {
	return &EventHandler{store: store}
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	filter := storage.EventFilter{Limit: limit, Offset: offset}
	if s := q.Get("state"); s != "" {
		state := models.EventState(s)
		if !validState(state) {
			writeError(w, http.StatusBadRequest, "unknown state")
			return
		}
		filter.State = state
	}

	events, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *EventHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.load(w, r)
	if !ok {
		return
	}
	attempts, err := h.store.ListAttempts(r.Context(), ev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *EventHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.load(w, r)
	if !ok {
		return
	}
	artifacts, err := h.store.ListArtifacts(r.Context(), ev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// load resolves {id} as a ledger id first, then as a provider external id.
func (h *EventHandler) load(w http.ResponseWriter, r *http.Request) (*models.Event, bool) {
	id := chi.URLParam(r, "id")
	ev, err := h.store.GetEvent(r.Context(), id)
	if err == nil && ev == nil {
		ev, err = h.store.GetEventByExternalID(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil, false
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	return ev, true
}

func validState(s models.EventState) bool {
	switch s {
	case models.StateReceived, models.StateAcquiring, models.StateTransforming,
		models.StatePublishing, models.StateDelivered, models.StateFailedPermanent:
		return true
	}
	return false
}
