package fleet

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"stratavore/internal/logging"
	"stratavore/internal/types"
)

// StartSession opens a session for a live runner. It runs under the runner's
// lock, so two concurrent starts for one runner cannot both succeed.
func (f *Fleet) StartSession(ctx context.Context, req types.StartSessionRequest) (*types.Session, error) {
	runnerID := strings.TrimSpace(req.RunnerID)
	if runnerID == "" {
		return nil, invalidError("runner id is required")
	}
	mode, ok := types.ParseConversationMode(string(req.Mode))
	if !ok {
		return nil, invalidError("unknown conversation mode %q", req.Mode)
	}
	var session *types.Session
	runner, err := f.runners.mutate(ctx, runnerID, func(cur *types.Runner) (*types.Runner, mutation, error) {
		if !cur.Status.Live() {
			return nil, keep, invalidStateError("runner %s is %s", runnerID, cur.Status)
		}
		now := f.now()
		opened, err := f.openSession(ctx, cur, mode, strings.TrimSpace(req.ResumedFrom), now)
		if err != nil {
			return nil, keep, err
		}
		session = opened
		cur.SessionID = opened.ID
		cur.ConversationMode = mode
		cur.UpdatedAt = now
		return cur, write, nil
	})
	if err != nil {
		return nil, err
	}
	f.syncProject(ctx, runner.ProjectName, true)
	return session, nil
}

// ackSession opens the runner's first session when it is acknowledged,
// using the mode it was launched with. An already open session is adopted.
// Callers hold the runner's lock.
func (f *Fleet) ackSession(ctx context.Context, runner *types.Runner, now time.Time) error {
	if open := f.openSessionFor(runner.ID); open != nil {
		runner.SessionID = open.ID
		return nil
	}
	session, err := f.openSession(ctx, runner, runner.ConversationMode, runner.ResumeFrom, now)
	if IsKind(err, ErrorInvalidResume) {
		// The resume target was valid at launch; fall back to a fresh
		// conversation rather than leaving the runner unacknowledged.
		f.logger.Warn("session_resume_fallback",
			logging.F("runner_id", runner.ID),
			logging.F("resume_from", runner.ResumeFrom),
			logging.Err(err),
		)
		runner.ConversationMode = types.ConversationModeNew
		runner.ResumeFrom = ""
		session, err = f.openSession(ctx, runner, types.ConversationModeNew, "", now)
	}
	if err != nil {
		return err
	}
	runner.SessionID = session.ID
	return nil
}

// openSession validates the resume link and inserts a new open session.
// Callers hold the runner's lock.
func (f *Fleet) openSession(ctx context.Context, runner *types.Runner, mode types.ConversationMode, resumedFrom string, now time.Time) (*types.Session, error) {
	if open := f.openSessionFor(runner.ID); open != nil {
		return nil, newError(ErrorConflictingActiveSession, "runner %s already has open session %s", runner.ID, open.ID)
	}
	switch mode {
	case types.ConversationModeResume:
		if resumedFrom == "" {
			return nil, invalidResumeError("resume requires resumed_from")
		}
		if _, err := f.resumeTarget(resumedFrom, runner.ProjectName); err != nil {
			return nil, err
		}
	case types.ConversationModeContinue:
		if resumedFrom != "" {
			if _, err := f.resumeTarget(resumedFrom, runner.ProjectName); err != nil {
				return nil, err
			}
		} else if latest := f.latestResumable(runner.ProjectName); latest != nil {
			resumedFrom = latest.ID
		}
	default:
		if resumedFrom != "" {
			return nil, invalidResumeError("mode %s does not take resumed_from", mode)
		}
	}

	session := &types.Session{
		ID:          f.newID(),
		RunnerID:    runner.ID,
		ProjectName: runner.ProjectName,
		StartedAt:   now,
		ResumedFrom: resumedFrom,
		CreatedAt:   now,
	}
	inserted, err := f.sessions.insert(ctx, session.ID, session)
	if errors.Is(err, errSlotExists) {
		return nil, invalidError("session id %q already in use", session.ID)
	}
	if err != nil {
		return nil, err
	}
	f.logger.Info("session_started",
		logging.F("session_id", inserted.ID),
		logging.F("runner_id", runner.ID),
		logging.F("mode", string(mode)),
		logging.F("resumed_from", resumedFrom),
	)
	return inserted, nil
}

// resumeTarget checks that id names a closed, resumable session of project.
func (f *Fleet) resumeTarget(id, project string) (*types.Session, error) {
	target, ok := f.sessions.get(id)
	if !ok {
		return nil, invalidResumeError("session %q does not exist", id)
	}
	switch {
	case target.Open():
		return nil, invalidResumeError("session %s is still open", id)
	case !target.Resumable:
		return nil, invalidResumeError("session %s is not resumable", id)
	case target.ProjectName != project:
		return nil, invalidResumeError("session %s belongs to project %q", id, target.ProjectName)
	}
	return target, nil
}

func (f *Fleet) latestResumable(project string) *types.Session {
	var latest *types.Session
	f.sessions.each(func(s *types.Session) {
		if s.ProjectName != project || s.Open() || !s.Resumable {
			return
		}
		if latest == nil || s.EndedAt.After(*latest.EndedAt) {
			latest = s.Clone()
		}
	})
	return latest
}

func (f *Fleet) openSessionFor(runnerID string) *types.Session {
	var open *types.Session
	f.sessions.each(func(s *types.Session) {
		if open == nil && s.RunnerID == runnerID && s.Open() {
			open = s.Clone()
		}
	})
	return open
}

// forwardActivity adds heartbeat deltas to the runner's open session.
func (f *Fleet) forwardActivity(ctx context.Context, runner *types.Runner, messageDelta int, tokenDelta int64, now time.Time) error {
	if runner.SessionID == "" {
		return nil
	}
	_, err := f.sessions.mutate(ctx, runner.SessionID, func(cur *types.Session) (*types.Session, mutation, error) {
		if !cur.Open() {
			return cur, keep, nil
		}
		addActivity(cur, messageDelta, tokenDelta, now)
		return cur, write, nil
	})
	if IsKind(err, ErrorNotFound) {
		return nil
	}
	return err
}

func addActivity(session *types.Session, messageDelta int, tokenDelta int64, now time.Time) {
	session.MessageCount += messageDelta
	session.TokensUsed += tokenDelta
	if messageDelta > 0 {
		stamp := now
		session.LastMessageAt = &stamp
	}
}

// closeRunnerSessions ends every open session owned by runnerID.
func (f *Fleet) closeRunnerSessions(ctx context.Context, runnerID string, resumable bool, now time.Time) error {
	var ids []string
	f.sessions.each(func(s *types.Session) {
		if s.RunnerID == runnerID && s.Open() {
			ids = append(ids, s.ID)
		}
	})
	for _, id := range ids {
		if _, err := f.closeSession(ctx, id, resumable, "", now); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fleet) closeSession(ctx context.Context, id string, resumable bool, summary string, now time.Time) (bool, error) {
	closed := false
	_, err := f.sessions.mutate(ctx, id, func(cur *types.Session) (*types.Session, mutation, error) {
		if !cur.Open() {
			return cur, keep, nil
		}
		stamp := now
		cur.EndedAt = &stamp
		cur.Resumable = resumable
		if summary != "" {
			cur.Summary = summary
		}
		closed = true
		return cur, write, nil
	})
	if IsKind(err, ErrorNotFound) {
		return false, nil
	}
	return closed, err
}

// RecordActivity adds message and token deltas to an open session. Deltas
// are additive and are not deduplicated.
func (f *Fleet) RecordActivity(ctx context.Context, req types.SessionActivityRequest) (*types.Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return nil, invalidError("session id is required")
	}
	if req.MessageDelta < 0 || req.TokenDelta < 0 {
		return nil, invalidStateError("activity deltas must not be negative")
	}
	session, err := f.sessions.mutate(ctx, id, func(cur *types.Session) (*types.Session, mutation, error) {
		if !cur.Open() {
			return nil, keep, invalidStateError("session %s has ended", id)
		}
		if req.MessageDelta == 0 && req.TokenDelta == 0 {
			return cur, keep, nil
		}
		addActivity(cur, req.MessageDelta, req.TokenDelta, f.now())
		return cur, write, nil
	})
	if err != nil {
		return nil, err
	}
	f.syncProject(ctx, session.ProjectName, true)
	return session, nil
}

// EndSession closes an open session. Sessions ended explicitly are
// resumable unless the caller says otherwise.
func (f *Fleet) EndSession(ctx context.Context, req types.EndSessionRequest) (*types.Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return nil, invalidError("session id is required")
	}
	resumable := true
	if req.Resumable != nil {
		resumable = *req.Resumable
	}
	session, err := f.sessions.mutate(ctx, id, func(cur *types.Session) (*types.Session, mutation, error) {
		if !cur.Open() {
			return nil, keep, invalidStateError("session %s has already ended", id)
		}
		now := f.now()
		cur.EndedAt = &now
		cur.Resumable = resumable
		cur.Summary = strings.TrimSpace(req.Summary)
		return cur, write, nil
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("session_ended",
		logging.F("session_id", id),
		logging.F("resumable", resumable),
	)
	f.syncProject(ctx, session.ProjectName, true)
	return session, nil
}

func (f *Fleet) GetSession(id string) (*types.Session, error) {
	session, ok := f.sessions.get(strings.TrimSpace(id))
	if !ok {
		return nil, notFoundError("session %q not found", id)
	}
	return session, nil
}

// ListSessions returns sessions, newest first, optionally for one project.
func (f *Fleet) ListSessions(project string) []*types.Session {
	project = strings.TrimSpace(project)
	sessions := f.sessions.snapshot(func(s *types.Session) bool {
		return project == "" || s.ProjectName == project
	})
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}
