package daemon

import (
	"context"
	"net/http"
	"os"
	"time"

	"stratavore/internal/types"
)

const shutdownGrace = 5 * time.Second

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": a.Version,
		"pid":     os.Getpid(),
	})
}

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	status := types.DaemonStatus{
		DaemonID:  a.DaemonID,
		Hostname:  a.Hostname,
		Version:   a.Version,
		StartedAt: a.StartedAt,
		Healthy:   true,
	}
	if a.Beacon != nil {
		status.LastHeartbeat = a.Beacon.Last()
		status.Healthy = a.Beacon.Healthy()
	}
	writeJSON(w, http.StatusOK, types.StatusResponse{
		Daemon:  status,
		Metrics: a.Fleet.Metrics(),
	})
}

func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.Fleet.Metrics().Snake())
}

// Reconcile runs a sweep on demand. A sweep cut short by its timeout still
// reports the runners it reached, with 503 and the error field set.
func (a *API) Reconcile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if a.Reconciler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "reconciler not available", Code: "Unavailable"})
		return
	}
	result := a.Reconciler.Reconcile(r.Context())
	a.Reconciler.LogResult(result)
	status := http.StatusOK
	if result.Err != nil {
		status, _ = errorStatus(result.Err)
	}
	writeJSON(w, status, result.Response())
}

func (a *API) ShutdownDaemon(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if a.Shutdown == nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "shutdown not available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = a.Shutdown(ctx)
	}()
}
