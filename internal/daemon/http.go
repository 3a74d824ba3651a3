package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"stratavore/internal/fleet"
)

const maxRequestBody = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeErrorBody(w, err, nil)
}

// writeActionError is writeServiceError for endpoints whose success body is
// {"success": true}. The dashboard reads success:false on failure.
func writeActionError(w http.ResponseWriter, err error) {
	success := false
	writeErrorBody(w, err, &success)
}

func writeErrorBody(w http.ResponseWriter, err error, success *bool) {
	if err == nil {
		return
	}
	status, code := errorStatus(err)
	message := err.Error()
	var fleetErr *fleet.Error
	if errors.As(err, &fleetErr) && fleetErr.Message != "" && fleetErr.Kind != fleet.ErrorStorage {
		message = fleetErr.Message
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code, Success: success})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Unavailable"
	}
	kind := fleet.KindOf(err)
	switch kind {
	case fleet.ErrorNotFound:
		return http.StatusNotFound, string(kind)
	case fleet.ErrorInvalidProject:
		return http.StatusUnprocessableEntity, string(kind)
	case fleet.ErrorInvalid, fleet.ErrorInvalidResume, fleet.ErrorInvalidState:
		return http.StatusBadRequest, string(kind)
	case fleet.ErrorDuplicateName, fleet.ErrorProjectInUse, fleet.ErrorConflictingActiveSession, fleet.ErrorAlreadyTerminal:
		return http.StatusConflict, string(kind)
	case fleet.ErrorQuotaExceeded:
		return http.StatusTooManyRequests, string(kind)
	case fleet.ErrorStorage:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: string(fleet.ErrorInvalid)})
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	if method == http.MethodGet && r.Method == http.MethodHead {
		return true
	}
	writeMethodNotAllowed(w, method)
	return false
}

// decodeJSON reads a bounded request body into out. An empty body leaves out
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid json body")
		return false
	}
	return true
}

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
