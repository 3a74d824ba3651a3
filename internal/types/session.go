package types

import "time"

type Session struct {
	ID            string     `json:"id"`
	RunnerID      string     `json:"runner_id"`
	ProjectName   string     `json:"project_name"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	MessageCount  int        `json:"message_count"`
	TokensUsed    int64      `json:"tokens_used"`
	Resumable     bool       `json:"resumable"`
	ResumedFrom   string     `json:"resumed_from,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Session) Open() bool {
	return s.EndedAt == nil
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.EndedAt = cloneTime(s.EndedAt)
	out.LastMessageAt = cloneTime(s.LastMessageAt)
	return &out
}

type StartSessionRequest struct {
	RunnerID    string           `json:"runner_id"`
	Mode        ConversationMode `json:"mode,omitempty"`
	ResumedFrom string           `json:"resumed_from,omitempty"`
}

type SessionActivityRequest struct {
	SessionID    string `json:"session_id"`
	MessageDelta int    `json:"message_delta"`
	TokenDelta   int64  `json:"token_delta"`
}

type EndSessionRequest struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary,omitempty"`
	Resumable *bool  `json:"resumable,omitempty"`
}
