package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maddeth/boozie-bot-sub000/internal/app"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

type registerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type adjustRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type balanceResponse struct {
	Key     string `json:"key"`
	Balance int64  `json:"balance"`
}

type mergeRequest struct {
	Source       domain.AccountRef `json:"source"`
	Target       domain.AccountRef `json:"target"`
	Reason       string            `json:"reason"`
	DeleteSource bool              `json:"delete_source"`
}

func (h *Handlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	order := domain.LeaderboardOrder(strings.ToLower(r.URL.Query().Get("order")))
	accounts, err := h.ledger.Leaderboard(r.Context(), queryInt(r, "limit"), order)
	if err != nil {
		writeServiceError(w, "leaderboard", err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		writeServiceError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleLookup(w http.ResponseWriter, r *http.Request) {
	ref := domain.AccountRef{
		ExternalID:  r.URL.Query().Get("id"),
		DisplayName: r.URL.Query().Get("name"),
	}
	if ref.IsZero() {
		writeError(w, http.StatusBadRequest, "id or name is required")
		return
	}
	account, err := h.ledger.Lookup(r.Context(), ref)
	if err != nil {
		writeServiceError(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := h.ledger.Register(r.Context(), domain.AccountRef{ExternalID: req.ID, DisplayName: req.Name})
	if err != nil {
		writeServiceError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handlers) handleRank(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rank, err := h.ledger.Rank(r.Context(), key)
	if err != nil {
		writeServiceError(w, "rank", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "rank": rank})
}

func (h *Handlers) handleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.History(r.Context(), chi.URLParam(r, "key"), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, "account_transactions", err)
		return
	}
	if records == nil {
		records = []domain.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) handleAdjustAccount(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "key")
	if domain.IsPoolKey(key) {
		writeError(w, http.StatusBadRequest, "use the pool adjust endpoint for pools")
		return
	}
	balance, err := h.ledger.AdminAdjust(r.Context(), app.AdjustRequest{
		Key:         key,
		ExternalID:  req.ID,
		DisplayName: req.Name,
		Amount:      req.Amount,
		Actor:       ActorFromContext(r.Context()),
		Reason:      req.Reason,
	})
	if err != nil {
		writeServiceError(w, "adjust_account", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Key: key, Balance: balance})
}

func (h *Handlers) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := domain.AccountRef{ExternalID: q.Get("source_id"), DisplayName: q.Get("source")}
	target := domain.AccountRef{ExternalID: q.Get("target_id"), DisplayName: q.Get("target")}
	preview, err := h.ledger.PreviewMerge(r.Context(), source, target)
	if err != nil {
		writeServiceError(w, "merge_preview", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handlers) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.ledger.Merge(r.Context(), app.MergeRequest{
		Source:       req.Source,
		Target:       req.Target,
		Actor:        ActorFromContext(r.Context()),
		Reason:       req.Reason,
		DeleteSource: req.DeleteSource,
	})
	if err != nil {
		writeServiceError(w, "merge", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
