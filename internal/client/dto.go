package client

import (
	"time"

	"stratavore/internal/types"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

type RunnersResponse struct {
	Runners []*types.Runner `json:"runners"`
	Total   int             `json:"total"`
}

type RunnerResponse struct {
	Runner *types.Runner `json:"runner"`
}

type ProjectsResponse struct {
	Projects []*types.Project `json:"projects"`
}

type ProjectResponse struct {
	Project *types.Project `json:"project"`
}

type SessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
}

type SuccessResponse struct {
	Success bool          `json:"success"`
	Runner  *types.Runner `json:"runner,omitempty"`
}

// RunnerChange is one entry of the daemon's transition log.
type RunnerChange struct {
	Seq      uint64             `json:"seq"`
	RunnerID string             `json:"runnerId"`
	Project  string             `json:"project"`
	From     types.RunnerStatus `json:"from"`
	To       types.RunnerStatus `json:"to"`
	Reason   string             `json:"reason,omitempty"`
	Source   string             `json:"source"`
	At       time.Time          `json:"at"`
}

type ChangesResponse struct {
	Changes []RunnerChange `json:"changes"`
}
