package fleet

import (
	"context"
	"errors"
	"maps"
	"math"
	"sort"
	"strings"
	"time"

	"stratavore/internal/heartbeat"
	"stratavore/internal/logging"
	"stratavore/internal/types"
)

// maxDurationSeconds is the largest second count a time.Duration can hold.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// Launch registers a pending runner for an active project. Launches are
// serialized so the global and per-project quotas are exact.
func (f *Fleet) Launch(ctx context.Context, req types.LaunchRunnerRequest) (*types.Runner, error) {
	projectName := strings.TrimSpace(req.ProjectName)
	if projectName == "" {
		return nil, newError(ErrorInvalidProject, "project name is required")
	}
	mode, ok := types.ParseConversationMode(string(req.ConversationMode))
	if !ok {
		return nil, invalidError("unknown conversation mode %q", req.ConversationMode)
	}
	if req.HeartbeatTTL < 0 || int64(req.HeartbeatTTL) > maxDurationSeconds {
		return nil, invalidError("heartbeat ttl must be between 0 and %d seconds", maxDurationSeconds)
	}
	if req.MaxRestartAttempts != nil && *req.MaxRestartAttempts < 0 {
		return nil, invalidError("max restart attempts must not be negative")
	}
	resumeFrom := strings.TrimSpace(req.SessionID)
	if mode == types.ConversationModeNew {
		resumeFrom = ""
	}
	if mode == types.ConversationModeResume && resumeFrom == "" {
		return nil, invalidResumeError("resume requires a session id to resume from")
	}
	if resumeFrom != "" {
		if _, err := f.resumeTarget(resumeFrom, projectName); err != nil {
			return nil, err
		}
	}

	f.launchMu.Lock()
	defer f.launchMu.Unlock()

	var launched *types.Runner
	_, err := f.projects.mutate(ctx, projectName, func(project *types.Project) (*types.Project, mutation, error) {
		if project.Archived() {
			return nil, keep, newError(ErrorInvalidProject, "project %q is archived", projectName)
		}
		if err := f.checkQuotas(projectName); err != nil {
			return nil, keep, err
		}

		now := f.now()
		runner := f.newRunner(req, project, mode, resumeFrom, now)
		inserted, err := f.runners.insert(ctx, runner.ID, runner)
		if err != nil {
			if errors.Is(err, errSlotExists) {
				return nil, keep, invalidError("runner id %q already in use", runner.ID)
			}
			return nil, keep, err
		}
		launched = inserted

		applyAggregates(project, f.aggregatesFor(projectName))
		project.LastAccessedAt = now
		project.UpdatedAt = now
		return project, write, nil
	})
	if launched == nil {
		if IsKind(err, ErrorNotFound) {
			return nil, newError(ErrorInvalidProject, "project %q does not exist", projectName)
		}
		return nil, err
	}
	if err != nil {
		// The runner is stored; the next sweep repairs the project cache.
		f.logger.Error("project_refresh_failed", logging.F("project", projectName), logging.Err(err))
	}
	f.logger.Info("runner_launched",
		logging.F("runner_id", launched.ID),
		logging.F("project", projectName),
		logging.F("mode", string(launched.ConversationMode)),
	)
	return launched, nil
}

func (f *Fleet) checkQuotas(project string) error {
	perProject, global := 0, 0
	f.runners.each(func(r *types.Runner) {
		if !r.Status.Live() {
			return
		}
		global++
		if r.ProjectName == project {
			perProject++
		}
	})
	if capacity := f.limits.MaxRunnersPerProject; capacity > 0 && perProject >= capacity {
		return quotaError("project %q already has %d of %d runners", project, perProject, capacity)
	}
	if capacity := f.limits.MaxRunners; capacity > 0 && global >= capacity {
		return quotaError("fleet already has %d of %d runners", global, capacity)
	}
	if limit := f.limits.TokenLimit; limit > 0 {
		var used int64
		f.sessions.each(func(s *types.Session) { used += s.TokensUsed })
		if used >= limit {
			return quotaError("token budget exhausted: %d of %d used", used, limit)
		}
	}
	return nil
}

func (f *Fleet) newRunner(req types.LaunchRunnerRequest, project *types.Project, mode types.ConversationMode, resumeFrom string, now time.Time) *types.Runner {
	runtimeType := strings.TrimSpace(req.RuntimeType)
	if runtimeType == "" {
		runtimeType = DefaultRuntimeType
	}
	path := strings.TrimSpace(req.ProjectPath)
	if path == "" {
		path = project.Path
	}
	ttl := time.Duration(req.HeartbeatTTL) * time.Second
	if ttl <= 0 {
		ttl = f.limits.DefaultHeartbeatTTL
	}
	maxRestarts := f.limits.DefaultMaxRestartAttempts
	if req.MaxRestartAttempts != nil {
		maxRestarts = *req.MaxRestartAttempts
	}
	return &types.Runner{
		ID:                  f.newID(),
		RuntimeType:         runtimeType,
		RuntimeID:           strings.TrimSpace(req.RuntimeID),
		NodeID:              f.nodeID,
		ProjectName:         project.Name,
		ProjectPath:         path,
		Status:              types.RunnerStatusPending,
		Flags:               normalizeTags(req.Flags),
		Capabilities:        normalizeTags(req.Capabilities),
		Environment:         maps.Clone(req.Environment),
		ConversationMode:    mode,
		ResumeFrom:          resumeFrom,
		MaxRestartAttempts:  maxRestarts,
		StartedAt:           now,
		LastHeartbeat:       now,
		HeartbeatTTLSeconds: int(ttl / time.Second),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Stop terminates a runner immediately when force is set. Otherwise it
// records a grace deadline and returns; the runner is expected to report
// terminated before the deadline, after which the reconciler kills it.
func (f *Fleet) Stop(ctx context.Context, req types.StopRunnerRequest) (*types.Runner, error) {
	id := strings.TrimSpace(req.RunnerID)
	if id == "" {
		return nil, invalidError("runner id is required")
	}
	if req.TimeoutSeconds < 0 || int64(req.TimeoutSeconds) > maxDurationSeconds {
		return nil, invalidError("stop timeout must be between 0 and %d seconds", maxDurationSeconds)
	}
	var from types.RunnerStatus
	stopped, err := f.runners.mutate(ctx, id, func(cur *types.Runner) (*types.Runner, mutation, error) {
		from = cur.Status
		if cur.Status.Terminal() {
			return nil, keep, newError(ErrorAlreadyTerminal, "runner %s is already %s", id, cur.Status)
		}
		now := f.now()
		if req.Force {
			if err := terminate(cur, -1, false, now); err != nil {
				return nil, keep, err
			}
			if err := f.closeRunnerSessions(ctx, cur.ID, false, now); err != nil {
				return nil, keep, err
			}
			return cur, write, nil
		}
		grace := time.Duration(req.TimeoutSeconds) * time.Second
		if grace <= 0 {
			grace = f.limits.DefaultStopTimeout
		}
		deadline := now.Add(grace)
		if cur.StopDeadline != nil && cur.StopDeadline.Before(deadline) {
			return cur, keep, nil
		}
		if cur.StopRequestedAt == nil {
			cur.StopRequestedAt = &now
		}
		cur.StopDeadline = &deadline
		cur.UpdatedAt = now
		return cur, write, nil
	})
	if err != nil {
		return nil, err
	}
	if req.Force {
		f.record(stopped, from, "force stop", SourceAPI)
		f.syncProject(ctx, stopped.ProjectName, false)
	} else {
		f.logger.Info("runner_stop_requested",
			logging.F("runner_id", id),
			logging.F("deadline", stopped.StopDeadline.Format(time.RFC3339)),
		)
	}
	return stopped, nil
}

// Heartbeat applies a runner's liveness and telemetry report. Reports that
// cannot be applied are logged and dropped with Accepted=false; only storage
// failures are returned as errors.
func (f *Fleet) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResult, error) {
	id := strings.TrimSpace(req.RunnerID)
	if id == "" {
		return types.HeartbeatResult{}, invalidError("runner id is required")
	}
	var (
		from       types.RunnerStatus
		acked      bool
		reason     string
		tokenDelta int64
	)
	runner, err := f.runners.mutate(ctx, id, func(cur *types.Runner) (*types.Runner, mutation, error) {
		from = cur.Status
		if cur.Status.Terminal() {
			return nil, keep, invalidStateError("runner %s is %s", id, cur.Status)
		}
		now := f.now()
		stamp := now
		if req.Timestamp != nil && !req.Timestamp.IsZero() {
			stamp = req.Timestamp.UTC()
			if stamp.After(now) {
				stamp = now
			}
		}
		if stamp.Before(cur.LastHeartbeat) {
			return nil, keep, invalidStateError("stale heartbeat for runner %s", id)
		}
		if err := validateReport(req); err != nil {
			return nil, keep, err
		}
		cur.LastHeartbeat = heartbeat.Advance(cur.LastHeartbeat, stamp)
		cur.UpdatedAt = now

		if cur.Status == types.RunnerStatusPending {
			if err := transition(cur, types.RunnerStatusRunning, now); err != nil {
				return nil, keep, err
			}
			acked = true
			if err := f.ackSession(ctx, cur, now); err != nil {
				return nil, keep, err
			}
		}

		delta, err := applyTelemetry(cur, req)
		if err != nil {
			return nil, keep, err
		}
		tokenDelta = delta
		if tokenDelta > 0 || req.MessageDelta > 0 {
			if err := f.forwardActivity(ctx, cur, req.MessageDelta, tokenDelta, now); err != nil {
				return nil, keep, err
			}
		}

		if req.Status != "" && req.Status != cur.Status {
			if err := f.applyReportedStatus(ctx, cur, req, now); err != nil {
				return nil, keep, err
			}
			reason = "reported " + string(req.Status)
		}
		return cur, write, nil
	})
	if err != nil {
		var fleetErr *Error
		if errors.As(err, &fleetErr) && fleetErr.Kind != ErrorStorage {
			f.logger.Warn("heartbeat_dropped",
				logging.F("runner_id", id),
				logging.F("kind", string(fleetErr.Kind)),
				logging.F("reason", fleetErr.Message),
			)
			return types.HeartbeatResult{Accepted: false, Reason: fleetErr.Message}, nil
		}
		return types.HeartbeatResult{}, err
	}
	if acked {
		f.appendChange(runner, from, types.RunnerStatusRunning, "acknowledged", SourceHeartbeat)
		from = types.RunnerStatusRunning
	}
	f.record(runner, from, reason, SourceHeartbeat)
	if acked || from != runner.Status || tokenDelta > 0 || req.MessageDelta > 0 {
		f.syncProject(ctx, runner.ProjectName, tokenDelta > 0 || req.MessageDelta > 0)
	}
	return types.HeartbeatResult{Accepted: true, Status: runner.Status}, nil
}

// applyTelemetry updates resource counters on a running or paused runner and
// returns the increase in cumulative tokens.
// validateReport rejects reports that can never apply. It runs before the
// acknowledgement opens a session, so a dropped report leaves nothing behind.
func validateReport(req types.HeartbeatRequest) error {
	if req.MessageDelta < 0 {
		return invalidStateError("message delta must not be negative")
	}
	switch req.Status {
	case "", types.RunnerStatusRunning, types.RunnerStatusPaused, types.RunnerStatusTerminated, types.RunnerStatusFailed:
		return nil
	}
	return invalidStateError("runner cannot report status %q", req.Status)
}

func applyTelemetry(runner *types.Runner, req types.HeartbeatRequest) (int64, error) {
	if req.TokensUsed == nil && req.CPUPercent == nil && req.MemoryMB == nil && req.MessageDelta == 0 {
		return 0, nil
	}
	if runner.Status != types.RunnerStatusRunning && runner.Status != types.RunnerStatusPaused {
		return 0, invalidStateError("runner %s does not accept telemetry while %s", runner.ID, runner.Status)
	}
	var delta int64
	if req.TokensUsed != nil && *req.TokensUsed > runner.TokensUsed {
		delta = *req.TokensUsed - runner.TokensUsed
		runner.TokensUsed = *req.TokensUsed
	}
	if req.CPUPercent != nil {
		runner.CPUPercent = *req.CPUPercent
	}
	if req.MemoryMB != nil {
		runner.MemoryMB = *req.MemoryMB
	}
	return delta, nil
}

func (f *Fleet) applyReportedStatus(ctx context.Context, runner *types.Runner, req types.HeartbeatRequest, now time.Time) error {
	switch req.Status {
	case types.RunnerStatusRunning, types.RunnerStatusPaused:
		return transition(runner, req.Status, now)
	case types.RunnerStatusTerminated:
		exitCode := 0
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		clean := exitCode == 0
		if err := terminate(runner, exitCode, clean, now); err != nil {
			return err
		}
		return f.closeRunnerSessions(ctx, runner.ID, clean, now)
	case types.RunnerStatusFailed:
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "reported failure"
		}
		if err := fail(runner, reason, req.ExitCode, now); err != nil {
			return err
		}
		return f.closeRunnerSessions(ctx, runner.ID, false, now)
	default:
		return invalidStateError("runner %s cannot report status %q", runner.ID, req.Status)
	}
}

func (f *Fleet) GetRunner(id string) (*types.Runner, error) {
	runner, ok := f.runners.get(strings.TrimSpace(id))
	if !ok {
		return nil, notFoundError("runner %q not found", id)
	}
	return runner, nil
}

// ListRunners returns runners, newest first, optionally for one project.
func (f *Fleet) ListRunners(project string) []*types.Runner {
	project = strings.TrimSpace(project)
	runners := f.runners.snapshot(func(r *types.Runner) bool {
		return project == "" || r.ProjectName == project
	})
	sort.SliceStable(runners, func(i, j int) bool {
		if !runners[i].CreatedAt.Equal(runners[j].CreatedAt) {
			return runners[i].CreatedAt.After(runners[j].CreatedAt)
		}
		return runners[i].ID < runners[j].ID
	})
	return runners
}
