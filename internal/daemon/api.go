package daemon

import (
	"context"
	"time"

	"stratavore/internal/fleet"
	"stratavore/internal/heartbeat"
	"stratavore/internal/logging"
	"stratavore/internal/types"
)

// API serves the control routes over a Fleet. Read routes are answered from
// the fleet's in-memory snapshot and never wait on a reconcile sweep.
type API struct {
	Version    string
	DaemonID   string
	Hostname   string
	StartedAt  time.Time
	Fleet      *fleet.Fleet
	Reconciler *fleet.Reconciler
	Beacon     *heartbeat.Beacon
	Shutdown   func(context.Context) error
	Logger     logging.Logger
}

type runnersResponse struct {
	Runners []*types.Runner `json:"runners"`
	Total   int             `json:"total"`
}

type runnerResponse struct {
	Runner *types.Runner `json:"runner"`
}

type changesResponse struct {
	Changes []fleet.Change `json:"changes"`
}

type projectsResponse struct {
	Projects []*types.Project `json:"projects"`
}

type projectResponse struct {
	Project *types.Project `json:"project"`
}

type sessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type sessionResponse struct {
	Session *types.Session `json:"session"`
}

type successResponse struct {
	Success bool          `json:"success"`
	Runner  *types.Runner `json:"runner,omitempty"`
}

func (a *API) logger() logging.Logger {
	if a.Logger == nil {
		return logging.Nop()
	}
	return a.Logger
}
