package api

import (
	"encoding/json"
	"net/http"

	"github.com/costscope/webhookd/internal/engine"
)

type EventHandler struct {
	svc *engine.Service
}

func NewEventHandler(svc *engine.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

type emitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Source    string          `json:"source,omitempty"`
}

type emitResponse struct {
	DeliveryIDs []string `json:"delivery_ids"`
}

// Emit accepts a domain event and fans it out. The response carries the
// created delivery ids for optional later polling; it never waits on
// delivery outcomes.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	deliveries, err := h.svc.Emit(r.Context(), req.EventType, req.Payload, engine.EmitOptions{
		TenantID: req.TenantID,
		Source:   req.Source,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}

	respondJSON(w, http.StatusAccepted, emitResponse{DeliveryIDs: ids})
}
