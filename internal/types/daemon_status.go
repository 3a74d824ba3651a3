package types

import "time"

type DaemonStatus struct {
	DaemonID      string    `json:"daemonId"`
	Hostname      string    `json:"hostname"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Healthy       bool      `json:"healthy"`
}

type GlobalMetrics struct {
	ActiveRunners  int   `json:"activeRunners"`
	ActiveProjects int   `json:"activeProjects"`
	TotalSessions  int   `json:"totalSessions"`
	TokensUsed     int64 `json:"tokensUsed"`
	TokenLimit     int64 `json:"tokenLimit"`
}

type StatusResponse struct {
	Daemon  DaemonStatus  `json:"daemon"`
	Metrics GlobalMetrics `json:"metrics"`
	Error   string        `json:"error,omitempty"`
}

// MetricsResponse is the snake_case counter view served on /metrics.
type MetricsResponse struct {
	ActiveRunners  int   `json:"active_runners"`
	ActiveProjects int   `json:"active_projects"`
	TotalSessions  int   `json:"total_sessions"`
	TokensUsed     int64 `json:"tokens_used"`
	TokenLimit     int64 `json:"token_limit"`
}

func (m GlobalMetrics) Snake() MetricsResponse {
	return MetricsResponse{
		ActiveRunners:  m.ActiveRunners,
		ActiveProjects: m.ActiveProjects,
		TotalSessions:  m.TotalSessions,
		TokensUsed:     m.TokensUsed,
		TokenLimit:     m.TokenLimit,
	}
}

type ReconcileResponse struct {
	ReconciledCount int      `json:"reconciledCount"`
	FailedRunnerIDs []string `json:"failedRunnerIds"`
	Error           string   `json:"error,omitempty"`
}
