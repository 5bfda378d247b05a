package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/costscope/webhookd/internal/domain"
	"github.com/costscope/webhookd/internal/engine"
	"github.com/costscope/webhookd/internal/registry"
	"github.com/go-chi/chi/v5"
)

type SubscriptionHandler struct {
	svc *engine.Service
	reg *registry.Registry
}

func NewSubscriptionHandler(svc *engine.Service, reg *registry.Registry) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, reg: reg}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.svc.RegisterSubscription(req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSubscription) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs := h.reg.List()
	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.reg.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.reg.Deactivate(chi.URLParam(r, "id"))
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *SubscriptionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	h.reg.Remove(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
