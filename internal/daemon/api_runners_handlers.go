package daemon

import (
	"net/http"
	"strconv"

	"stratavore/internal/logging"
	"stratavore/internal/types"
)

func (a *API) RunnersList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	runners := a.Fleet.ListRunners(queryValue(r, "project"))
	writeJSON(w, http.StatusOK, runnersResponse{Runners: runners, Total: len(runners)})
}

func (a *API) RunnerGet(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := queryValue(r, "id")
	if id == "" {
		writeBadRequest(w, "id is required")
		return
	}
	runner, err := a.Fleet.GetRunner(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runnerResponse{Runner: runner})
}

func (a *API) RunnerLaunch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.LaunchRunnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runner, err := a.Fleet.Launch(r.Context(), req)
	if err != nil {
		a.logger().Warn("runner_launch_rejected",
			logging.F("project", req.ProjectName),
			logging.Err(err),
		)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, runnerResponse{Runner: runner})
}

func (a *API) RunnerStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.StopRunnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runner, err := a.Fleet.Stop(r.Context(), req)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Runner: runner})
}

// RunnerHeartbeat accepts liveness and telemetry reports. A report the fleet
// drops as stale or illegal still answers 200 with accepted=false so runners
// never retry it.
func (a *API) RunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := a.Fleet.Heartbeat(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

const defaultChangesLimit = 100

// RunnerChanges serves the transition log, optionally narrowed to one
// runner. Entries outlive garbage-collected runners until the log wraps.
func (a *API) RunnerChanges(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := defaultChangesLimit
	if raw := queryValue(r, "limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	changes := a.Fleet.Changes().Recent(queryValue(r, "id"), limit)
	writeJSON(w, http.StatusOK, changesResponse{Changes: changes})
}
