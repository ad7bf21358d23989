package api

import (
	"net/http"

	"github.com/shohag/statusmirror/internal/storage"
)

type StatsHandler struct {
	store     storage.Storage
	queue     Queue
	selfcheck SelfCheckFunc
}

func NewStatsHandler(store storage.Storage, queue Queue, check SelfCheckFunc) *StatsHandler {
	return &StatsHandler{store: store, queue: queue, selfcheck: check}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "statusmirror",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ledger":      stats,
		"queue_depth": h.queue.QueueDepth(),
	})
}

func (h *StatsHandler) SelfCheck(w http.ResponseWriter, r *http.Request) {
	if h.selfcheck == nil {
		writeError(w, http.StatusNotImplemented, "selfcheck not configured")
		return
	}
	res := h.selfcheck(r.Context())
	status := http.StatusOK
	if !res.Passed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}
