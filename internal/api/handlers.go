/**
 * @description
 * This file contains the shared pieces of the management API handlers: the handler
 * set itself, JSON helpers, and the mapping from service errors to HTTP statuses.
 *
 * @dependencies
 * - internal/app, internal/store: For service logic and the error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/maddeth/boozie-bot-sub000/internal/app"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

// Handlers holds the application services the management API uses.
type Handlers struct {
	ledger   *app.LedgerService
	commands *app.CommandService
	index    *app.CommandIndex
}

// NewHandlers creates a new handler set.
func NewHandlers(ledger *app.LedgerService, commands *app.CommandService, index *app.CommandIndex) *Handlers {
	return &Handlers{ledger: ledger, commands: commands, index: index}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps the service error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrPoolInactive):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidAccount),
		errors.Is(err, app.ErrInvalidPoolName),
		errors.Is(err, app.ErrInvalidCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs the failure and writes the mapped status. Internal errors are
// not echoed to the caller.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		log.Printf("level=error component=api endpoint=%s outcome=failed status=%d err=%v", endpoint, status, err)
	default:
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	}

	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		message = "Internal server error"
	case http.StatusServiceUnavailable:
		message = "Storage temporarily unavailable"
	}
	writeError(w, status, message)
}

func queryInt(r *http.Request, name string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return value
}
