package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/costscope/webhookd/internal/engine"
	"github.com/costscope/webhookd/internal/ledger"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	svc *engine.Service
	led *ledger.Ledger
}

func NewDeliveryHandler(svc *engine.Service, led *ledger.Ledger) *DeliveryHandler {
	return &DeliveryHandler{svc: svc, led: led}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	f := ledger.Filter{
		Status:   domain.DeliveryStatus(r.URL.Query().Get("status")),
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    50,
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}

	respondJSON(w, http.StatusOK, h.led.List(f))
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.led.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.svc.Replay(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			respondError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, domain.ErrAlreadyDelivered):
			respondError(w, http.StatusConflict, "delivery already delivered; replay refused")
		case errors.Is(err, domain.ErrAttemptInFlight):
			respondError(w, http.StatusConflict, "delivery attempt in flight")
		default:
			respondError(w, http.StatusInternalServerError, "failed to replay delivery")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, d)
}

type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

// Purge removes terminal delivery records older than the given RFC3339
// cutoff. Non-terminal records are never purged.
func (h *DeliveryHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cutoff, err := time.Parse(time.RFC3339, req.OlderThan)
	if err != nil {
		respondError(w, http.StatusBadRequest, "older_than must be RFC3339")
		return
	}

	purged := h.led.PurgeOlderThan(cutoff)
	respondJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func (h *DeliveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Stats())
}
