package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maddeth/boozie-bot-sub000/internal/app"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

type createPoolRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type donateRequest struct {
	Donor  domain.AccountRef `json:"donor"`
	Amount int64             `json:"amount"`
	Reason string            `json:"reason"`
}

type poolAdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handlers) handleListPools(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	pools, err := h.ledger.ListPools(r.Context(), includeInactive)
	if err != nil {
		writeServiceError(w, "list_pools", err)
		return
	}
	if pools == nil {
		pools = []domain.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

func (h *Handlers) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = ActorFromContext(r.Context())
	}
	pool, err := h.ledger.CreatePool(r.Context(), req.Name, owner)
	if err != nil {
		writeServiceError(w, "create_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (h *Handlers) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.ledger.GetPool(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (h *Handlers) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req donateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	total, err := h.ledger.Donate(r.Context(), name, req.Donor, req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, "donate", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Key: domain.PoolKey(name), Balance: total})
}

func (h *Handlers) handleDeactivatePool(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeactivatePool(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeServiceError(w, "deactivate_pool", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleAdjustPool(w http.ResponseWriter, r *http.Request) {
	var req poolAdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := domain.PoolKey(chi.URLParam(r, "name"))
	if key == "" {
		writeServiceError(w, "adjust_pool", app.ErrInvalidPoolName)
		return
	}
	balance, err := h.ledger.AdminAdjust(r.Context(), app.AdjustRequest{
		Key:    key,
		Amount: req.Amount,
		Actor:  ActorFromContext(r.Context()),
		Reason: req.Reason,
	})
	if err != nil {
		writeServiceError(w, "adjust_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Key: key, Balance: balance})
}
