package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/signing"
	"github.com/shohag/statusmirror/internal/storage"
	"github.com/shohag/statusmirror/internal/webhook"
)

// WebhookHandler only authenticates, parses and records events. Everything
// slow happens on the worker pool.
type WebhookHandler struct {
	providers  map[string]config.WebhookProviderConfig
	maxBody    int64
	retryAfter int
	store      storage.Storage
	queue      Queue
	log        zerolog.Logger
}

func NewWebhookHandler(cfg config.WebhookConfig, maxBody int64, retryAfter int, store storage.Storage, queue Queue, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		providers:  cfg.Providers,
		maxBody:    maxBody,
		retryAfter: retryAfter,
		store:      store,
		queue:      queue,
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

type eventSummary struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id"`
	State      models.EventState `json:"state"`
	Inserted   bool              `json:"inserted"`
}

type webhookResponse struct {
	Status     string         `json:"status"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Events     []eventSummary `json:"events"`
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	pc, ok := h.providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if status, msg := authenticate(pc, r, body); status != 0 {
		h.log.Warn().Str("provider", name).Int("status", status).Msg("webhook rejected")
		writeError(w, status, msg)
		return
	}

	batch, err := webhook.Parse(name, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if batch.Skipped > 0 {
		h.log.Warn().Str("provider", name).Int("skipped", batch.Skipped).Msg("dropped invalid statuses")
	}
	if len(batch.Events) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	resp := webhookResponse{Status: "accepted", Events: make([]eventSummary, 0, len(batch.Events))}
	saturated := false
	for _, ne := range batch.Events {
		ev, inserted, err := h.store.InsertEventIfAbsent(r.Context(), ne)
		if err != nil {
			h.log.Error().Err(err).Str("external_id", ne.ExternalID).Msg("failed to record event")
			writeError(w, http.StatusInternalServerError, "failed to record event")
			return
		}
		resp.Events = append(resp.Events, eventSummary{ID: ev.ID, ExternalID: ev.ExternalID, State: ev.State, Inserted: inserted})
		if !inserted {
			resp.Duplicates++
			continue
		}
		resp.Inserted++
		h.log.Info().Str("event_id", ev.ID).Str("external_id", ev.ExternalID).Str("media_kind", string(ev.MediaKind)).Msg("event recorded")

		if err := h.queue.Submit(ev.ID); err != nil {
			// The event is durable; the sweep picks it up later.
			h.log.Warn().Err(err).Str("event_id", ev.ID).Msg("queue refused event")
			saturated = true
		}
	}

	if saturated {
		resp.Status = "deferred"
		writeRetryLater(w, h.retryAfter, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticate returns 0 when the request carries valid credentials for the
// provider, otherwise the HTTP status and message to reject it with.
func authenticate(pc config.WebhookProviderConfig, r *http.Request, body []byte) (int, string) {
	switch pc.AuthMode {
	case "signature":
		sig := r.Header.Get(pc.SignatureHeader)
		if sig == "" {
			return http.StatusUnauthorized, "missing signature"
		}
		if !signing.Verify(pc.Secret, body, sig) {
			return http.StatusForbidden, "invalid signature"
		}
	case "header_secret":
		secret := r.Header.Get(pc.SecretHeader)
		if secret == "" {
			return http.StatusUnauthorized, "missing secret"
		}
		if !signing.SecretEqual(pc.Secret, secret) {
			return http.StatusForbidden, "invalid secret"
		}
	case "query_secret":
		secret := r.URL.Query().Get("secret")
		if secret == "" {
			return http.StatusUnauthorized, "missing secret"
		}
		if !signing.SecretEqual(pc.Secret, secret) {
			return http.StatusForbidden, "invalid secret"
		}
	default:
		return http.StatusForbidden, "provider has no usable auth mode"
	}
	return 0, ""
}
