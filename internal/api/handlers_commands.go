package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

func commandID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid command ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) handleListCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := h.commands.List(r.Context())
	if err != nil {
		writeServiceError(w, "list_commands", err)
		return
	}
	if commands == nil {
		commands = []domain.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}

func (h *Handlers) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandID(w, r)
	if !ok {
		return
	}
	cmd, err := h.commands.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, "get_command", err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handlers) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var in domain.CommandInput
	if !decodeBody(w, r, &in) {
		return
	}
	cmd, err := h.commands.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, "create_command", err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (h *Handlers) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandID(w, r)
	if !ok {
		return
	}
	var in domain.CommandInput
	if !decodeBody(w, r, &in) {
		return
	}
	cmd, err := h.commands.Update(r.Context(), id, in)
	if err != nil {
		writeServiceError(w, "update_command", err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handlers) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandID(w, r)
	if !ok {
		return
	}
	if err := h.commands.Delete(r.Context(), id); err != nil {
		writeServiceError(w, "delete_command", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshCommands rebuilds the index synchronously so the caller sees the result.
func (h *Handlers) handleRefreshCommands(w http.ResponseWriter, r *http.Request) {
	if err := h.index.Refresh(r.Context()); err != nil {
		writeServiceError(w, "refresh_commands", err)
		return
	}
	writeJSON(w, http.StatusOK, h.index.Stats())
}
