package types

import (
	"maps"
	"slices"
	"time"
)

type RunnerStatus string

const (
	RunnerStatusPending    RunnerStatus = "pending"
	RunnerStatusRunning    RunnerStatus = "running"
	RunnerStatusPaused     RunnerStatus = "paused"
	RunnerStatusFailed     RunnerStatus = "failed"
	RunnerStatusTerminated RunnerStatus = "terminated"
)

// Live reports whether the status counts toward a project's active runners.
func (s RunnerStatus) Live() bool {
	switch s {
	case RunnerStatusPending, RunnerStatusRunning, RunnerStatusPaused:
		return true
	default:
		return false
	}
}

func (s RunnerStatus) Terminal() bool {
	return s == RunnerStatusFailed || s == RunnerStatusTerminated
}

func ParseRunnerStatus(raw string) (RunnerStatus, bool) {
	switch status := RunnerStatus(raw); status {
	case RunnerStatusPending, RunnerStatusRunning, RunnerStatusPaused, RunnerStatusFailed, RunnerStatusTerminated:
		return status, true
	default:
		return "", false
	}
}

type ConversationMode string

const (
	ConversationModeNew      ConversationMode = "new"
	ConversationModeContinue ConversationMode = "continue"
	ConversationModeResume   ConversationMode = "resume"
)

func ParseConversationMode(raw string) (ConversationMode, bool) {
	switch mode := ConversationMode(raw); mode {
	case "":
		return ConversationModeNew, true
	case ConversationModeNew, ConversationModeContinue, ConversationModeResume:
		return mode, true
	default:
		return "", false
	}
}

type Runner struct {
	ID                  string            `json:"id"`
	RuntimeType         string            `json:"runtimeType"`
	RuntimeID           string            `json:"runtimeId"`
	NodeID              string            `json:"nodeId"`
	ProjectName         string            `json:"projectName"`
	ProjectPath         string            `json:"projectPath"`
	Status              RunnerStatus      `json:"status"`
	Flags               []string          `json:"flags"`
	Capabilities        []string          `json:"capabilities"`
	Environment         map[string]string `json:"environment"`
	SessionID           string            `json:"sessionId"`
	ConversationMode    ConversationMode  `json:"conversationMode"`
	ResumeFrom          string            `json:"resumeFrom,omitempty"`
	TokensUsed          int64             `json:"tokensUsed"`
	CPUPercent          float64           `json:"cpuPercent"`
	MemoryMB            float64           `json:"memoryMb"`
	RestartAttempts     int               `json:"restartAttempts"`
	MaxRestartAttempts  int               `json:"maxRestartAttempts"`
	StartedAt           time.Time         `json:"startedAt"`
	LastHeartbeat       time.Time         `json:"lastHeartbeat"`
	HeartbeatTTLSeconds int               `json:"heartbeatTtlSeconds"`
	StopRequestedAt     *time.Time        `json:"stopRequestedAt,omitempty"`
	StopDeadline        *time.Time        `json:"stopDeadline,omitempty"`
	FailureReason       string            `json:"failureReason,omitempty"`
	CleanShutdown       bool              `json:"cleanShutdown,omitempty"`
	TerminatedAt        *time.Time        `json:"terminatedAt,omitempty"`
	ExitCode            *int              `json:"exitCode,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

func (r *Runner) HeartbeatTTL() time.Duration {
	return time.Duration(r.HeartbeatTTLSeconds) * time.Second
}

func (r *Runner) Clone() *Runner {
	if r == nil {
		return nil
	}
	out := *r
	out.Flags = slices.Clone(r.Flags)
	out.Capabilities = slices.Clone(r.Capabilities)
	out.Environment = maps.Clone(r.Environment)
	out.StopRequestedAt = cloneTime(r.StopRequestedAt)
	out.StopDeadline = cloneTime(r.StopDeadline)
	out.TerminatedAt = cloneTime(r.TerminatedAt)
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return &out
}

type LaunchRunnerRequest struct {
	ProjectName        string            `json:"projectName"`
	ProjectPath        string            `json:"projectPath"`
	Flags              []string          `json:"flags,omitempty"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	Environment        map[string]string `json:"environment,omitempty"`
	ConversationMode   ConversationMode  `json:"conversationMode,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
	RuntimeType        string            `json:"runtimeType,omitempty"`
	RuntimeID          string            `json:"runtimeId,omitempty"`
	HeartbeatTTL       int               `json:"heartbeatTtlSeconds,omitempty"`
	MaxRestartAttempts *int              `json:"maxRestartAttempts,omitempty"`
}

type StopRunnerRequest struct {
	RunnerID       string `json:"runnerId"`
	Force          bool   `json:"force,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// HeartbeatRequest is the liveness and telemetry report a runner sends.
// Every field except RunnerID is optional. TokensUsed is cumulative.
type HeartbeatRequest struct {
	RunnerID     string       `json:"runnerId"`
	Timestamp    *time.Time   `json:"timestamp,omitempty"`
	Status       RunnerStatus `json:"status,omitempty"`
	ExitCode     *int         `json:"exitCode,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	TokensUsed   *int64       `json:"tokensUsed,omitempty"`
	CPUPercent   *float64     `json:"cpuPercent,omitempty"`
	MemoryMB     *float64     `json:"memoryMb,omitempty"`
	MessageDelta int          `json:"messageDelta,omitempty"`
}

type HeartbeatResult struct {
	Accepted bool         `json:"accepted"`
	Status   RunnerStatus `json:"status,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
