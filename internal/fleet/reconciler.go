package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stratavore/internal/heartbeat"
	"stratavore/internal/logging"
	"stratavore/internal/types"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultReconcileTimeout  = 10 * time.Second
)

type sweepOutcome int

const (
	outcomeUnchanged sweepOutcome = iota
	outcomeRestarted
	outcomeFailed
	outcomeTerminated
	outcomeCollected
)

// SweepResult reports one reconciliation pass. Err is set when the sweep
// stopped early or a repair step failed; the counters cover the work that
// did complete.
type SweepResult struct {
	ReconciledCount   int
	FailedRunnerIDs   []string
	Restarted         int
	Failed            int
	Terminated        int
	Collected         int
	SessionsClosed    int
	ProjectsCorrected int
	Duration          time.Duration
	Err               error
}

func (r SweepResult) Response() types.ReconcileResponse {
	resp := types.ReconcileResponse{
		ReconciledCount: r.ReconciledCount,
		FailedRunnerIDs: r.FailedRunnerIDs,
	}
	if resp.FailedRunnerIDs == nil {
		resp.FailedRunnerIDs = []string{}
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

type ReconcilerOptions struct {
	Timeout time.Duration
	Beacon  *heartbeat.Beacon
	Logger  logging.Logger
}

// Reconciler repairs drift between the registries. Sweeps never overlap;
// each record is visited under its own short lock so API traffic proceeds
// while a sweep runs.
type Reconciler struct {
	fleet   *Fleet
	timeout time.Duration
	beacon  *heartbeat.Beacon
	logger  logging.Logger
	sem     chan struct{}
}

func NewReconciler(f *Fleet, opts ReconcilerOptions) *Reconciler {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultReconcileTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = f.logger
	}
	return &Reconciler{
		fleet:   f,
		timeout: timeout,
		beacon:  opts.Beacon,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// Run sweeps on every tick until ctx is done. Each tick also refreshes the
// daemon beacon.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := r.fleet.clock.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("reconciler_started", logging.F("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler_stopped")
			return nil
		case <-ticker.C:
			if r.beacon != nil {
				r.beacon.Beat()
			}
			result := r.Reconcile(ctx)
			r.logResult("timer", result)
		}
	}
}

// Reconcile runs one sweep bounded by the configured timeout.
func (r *Reconciler) Reconcile(ctx context.Context) SweepResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.Sweep(ctx)
}

// Sweep waits for any running sweep to finish, then reconciles every
// runner, orphaned session and project aggregate. It returns partial
// results when ctx ends first.
func (r *Reconciler) Sweep(ctx context.Context) SweepResult {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return SweepResult{Err: fmt.Errorf("waiting for running sweep: %w", ctx.Err())}
	}
	defer func() { <-r.sem }()

	f := r.fleet
	started := time.Now()
	mark := f.changes.Seq()
	var result SweepResult

	runners := f.runners.snapshot(nil)
	for i, runner := range runners {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("sweep stopped after %d of %d runners: %w", i, len(runners), err)
			result.Duration = time.Since(started)
			return result
		}
		if !f.projectExists(runner.ProjectName) {
			// Terminal runners need no project to be collected once past
			// retention; until then they are reported like any other.
			if runner.Status.Terminal() {
				outcome, err := r.reconcileRunner(ctx, runner.ID, mark)
				if err == nil && outcome == outcomeCollected {
					result.ReconciledCount++
					result.Collected++
					continue
				}
			}
			r.logger.Warn("reconcile_unresolved_project",
				logging.F("runner_id", runner.ID),
				logging.F("project", runner.ProjectName),
			)
			result.FailedRunnerIDs = append(result.FailedRunnerIDs, runner.ID)
			continue
		}
		outcome, err := r.reconcileRunner(ctx, runner.ID, mark)
		if err != nil {
			r.logger.Error("reconcile_runner_failed", logging.F("runner_id", runner.ID), logging.Err(err))
			result.FailedRunnerIDs = append(result.FailedRunnerIDs, runner.ID)
			continue
		}
		result.ReconciledCount++
		switch outcome {
		case outcomeRestarted:
			result.Restarted++
		case outcomeFailed:
			result.Failed++
		case outcomeTerminated:
			result.Terminated++
		case outcomeCollected:
			result.Collected++
		}
	}

	var errs []error
	closed, err := r.closeOrphanedSessions(ctx)
	result.SessionsClosed = closed
	if err != nil {
		errs = append(errs, err)
	}
	corrected, err := r.refreshAggregates(ctx)
	result.ProjectsCorrected = corrected
	if err != nil {
		errs = append(errs, err)
	}
	result.Err = errors.Join(errs...)
	result.Duration = time.Since(started)
	return result
}

func (r *Reconciler) reconcileRunner(ctx context.Context, id string, mark uint64) (sweepOutcome, error) {
	f := r.fleet
	if f.changes.ChangedSince(mark, id) {
		return outcomeUnchanged, nil
	}
	var (
		from    types.RunnerStatus
		outcome sweepOutcome
		reason  string
	)
	runner, err := f.runners.mutate(ctx, id, func(cur *types.Runner) (*types.Runner, mutation, error) {
		from = cur.Status
		now := f.now()
		switch {
		case cur.Status.Terminal():
			if f.limits.Retention > 0 && cur.TerminatedAt != nil && now.Sub(*cur.TerminatedAt) > f.limits.Retention {
				outcome = outcomeCollected
				return cur, drop, nil
			}
			return cur, keep, nil

		case cur.StopDeadline != nil && !now.Before(*cur.StopDeadline):
			if err := terminate(cur, -1, false, now); err != nil {
				return nil, keep, err
			}
			if err := f.closeRunnerSessions(ctx, cur.ID, false, now); err != nil {
				return nil, keep, err
			}
			outcome, reason = outcomeTerminated, "stop deadline passed"
			return cur, write, nil

		case f.monitor.Expired(livenessReference(cur), cur.HeartbeatTTL()):
			if err := f.closeRunnerSessions(ctx, cur.ID, false, now); err != nil {
				return nil, keep, err
			}
			switch {
			case cur.StopRequestedAt != nil:
				// Already asked to stop; a silent runner is treated as gone.
				if err := terminate(cur, -1, false, now); err != nil {
					return nil, keep, err
				}
				outcome, reason = outcomeTerminated, "heartbeat timeout while stopping"
			case canRestart(cur):
				if err := restart(cur, now); err != nil {
					return nil, keep, err
				}
				outcome = outcomeRestarted
				reason = fmt.Sprintf("heartbeat timeout, restart %d/%d", cur.RestartAttempts, cur.MaxRestartAttempts)
			default:
				if err := fail(cur, "heartbeat timeout", nil, now); err != nil {
					return nil, keep, err
				}
				outcome, reason = outcomeFailed, "heartbeat timeout"
			}
			return cur, write, nil
		}
		return cur, keep, nil
	})
	if IsKind(err, ErrorNotFound) {
		return outcomeUnchanged, nil
	}
	if err != nil {
		return outcomeUnchanged, err
	}
	switch outcome {
	case outcomeCollected:
		f.changes.Forget(id)
		r.logger.Info("runner_collected", logging.F("runner_id", id), logging.F("project", runner.ProjectName))
	case outcomeRestarted:
		// A pending runner restarts into pending, which still needs an entry.
		f.appendChange(runner, from, runner.Status, reason, SourceReconciler)
	default:
		f.record(runner, from, reason, SourceReconciler)
	}
	return outcome, nil
}

// closeOrphanedSessions ends open sessions whose runner is terminal or gone.
// They stay resumable only when the runner shut down cleanly.
func (r *Reconciler) closeOrphanedSessions(ctx context.Context) (int, error) {
	f := r.fleet
	open := f.sessions.snapshot(func(s *types.Session) bool { return s.Open() })
	closed := 0
	var errs []error
	for _, session := range open {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		runner, ok := f.runners.get(session.RunnerID)
		if ok && !runner.Status.Terminal() {
			continue
		}
		resumable := ok && runner.CleanShutdown
		done, err := f.closeSession(ctx, session.ID, resumable, "", f.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", session.ID, err))
			continue
		}
		if done {
			closed++
			r.logger.Info("session_orphan_closed",
				logging.F("session_id", session.ID),
				logging.F("runner_id", session.RunnerID),
				logging.F("resumable", resumable),
			)
		}
	}
	return closed, errors.Join(errs...)
}

// refreshAggregates overwrites every project's cached counters with values
// computed from the registries.
func (r *Reconciler) refreshAggregates(ctx context.Context) (int, error) {
	f := r.fleet
	corrected := 0
	var errs []error
	for _, project := range f.projects.snapshot(nil) {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}
		drifted, err := f.refreshProject(ctx, project.Name, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh project %s: %w", project.Name, err))
			continue
		}
		if drifted {
			corrected++
			r.logger.Debug("project_aggregates_corrected", logging.F("project", project.Name))
		}
	}
	return corrected, errors.Join(errs...)
}

func (r *Reconciler) logResult(trigger string, result SweepResult) {
	fields := []logging.Field{
		logging.F("trigger", trigger),
		logging.F("reconciled", result.ReconciledCount),
		logging.F("failed_runners", len(result.FailedRunnerIDs)),
		logging.F("restarted", result.Restarted),
		logging.F("failed", result.Failed),
		logging.F("terminated", result.Terminated),
		logging.F("collected", result.Collected),
		logging.F("sessions_closed", result.SessionsClosed),
		logging.F("projects_corrected", result.ProjectsCorrected),
		logging.F("duration_ms", result.Duration.Milliseconds()),
	}
	if result.Err != nil {
		r.logger.Warn("reconcile_sweep", append(fields, logging.Err(result.Err))...)
		return
	}
	r.logger.Info("reconcile_sweep", fields...)
}

// LogResult records an on-demand sweep the same way timer sweeps are logged.
func (r *Reconciler) LogResult(result SweepResult) {
	r.logResult("api", result)
}
