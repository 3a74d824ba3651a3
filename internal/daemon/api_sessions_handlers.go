package daemon

import (
	"net/http"

	"stratavore/internal/types"
)

func (a *API) SessionsList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: a.Fleet.ListSessions(queryValue(r, "project"))})
}

func (a *API) SessionGet(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := queryValue(r, "session_id")
	if id == "" {
		writeBadRequest(w, "session_id is required")
		return
	}
	session, err := a.Fleet.GetSession(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session})
}

func (a *API) SessionStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.StartSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := a.Fleet.StartSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session})
}

func (a *API) SessionActivity(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.SessionActivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := a.Fleet.RecordActivity(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session})
}

func (a *API) SessionEnd(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.EndSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := a.Fleet.EndSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session})
}
