package fleet

import (
	"time"

	"stratavore/internal/types"
)

var allowedTransitions = map[types.RunnerStatus]map[types.RunnerStatus]struct{}{
	types.RunnerStatusPending: {
		types.RunnerStatusRunning:    {},
		types.RunnerStatusFailed:     {}, // Launch acknowledgement timeout.
		types.RunnerStatusTerminated: {}, // Stopped before the first heartbeat.
	},
	types.RunnerStatusRunning: {
		types.RunnerStatusPaused:     {},
		types.RunnerStatusFailed:     {},
		types.RunnerStatusTerminated: {},
	},
	types.RunnerStatusPaused: {
		types.RunnerStatusRunning:    {},
		types.RunnerStatusTerminated: {},
		types.RunnerStatusFailed:     {},
	},
}

// restartableFrom lists the states that may re-enter pending through the
// heartbeat-timeout restart path. No other path leads back to pending.
var restartableFrom = map[types.RunnerStatus]struct{}{
	types.RunnerStatusPending: {},
	types.RunnerStatusRunning: {},
	types.RunnerStatusPaused:  {},
}

func canTransition(from, to types.RunnerStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func canRestart(runner *types.Runner) bool {
	if _, ok := restartableFrom[runner.Status]; !ok {
		return false
	}
	return runner.RestartAttempts < runner.MaxRestartAttempts
}

func transition(runner *types.Runner, to types.RunnerStatus, now time.Time) error {
	if runner.Status == to {
		return nil
	}
	if !canTransition(runner.Status, to) {
		return invalidStateError("runner %s cannot move from %s to %s", runner.ID, runner.Status, to)
	}
	runner.Status = to
	runner.UpdatedAt = now
	if to.Terminal() {
		stamp := now
		runner.TerminatedAt = &stamp
		runner.StopDeadline = nil
	}
	return nil
}

// terminate moves a live runner to terminated and records how it exited.
func terminate(runner *types.Runner, exitCode int, clean bool, now time.Time) error {
	if err := transition(runner, types.RunnerStatusTerminated, now); err != nil {
		return err
	}
	code := exitCode
	runner.ExitCode = &code
	runner.CleanShutdown = clean
	return nil
}

func fail(runner *types.Runner, reason string, exitCode *int, now time.Time) error {
	if err := transition(runner, types.RunnerStatusFailed, now); err != nil {
		return err
	}
	runner.FailureReason = reason
	if exitCode != nil {
		code := *exitCode
		runner.ExitCode = &code
	}
	runner.CleanShutdown = false
	return nil
}

// restart sends a live runner back to pending for another acknowledgement
// window. The runner starts a fresh conversation when it is next acked.
func restart(runner *types.Runner, now time.Time) error {
	if !canRestart(runner) {
		return invalidStateError("runner %s cannot restart from %s after %d/%d attempts",
			runner.ID, runner.Status, runner.RestartAttempts, runner.MaxRestartAttempts)
	}
	runner.Status = types.RunnerStatusPending
	runner.RestartAttempts++
	runner.StartedAt = now
	runner.UpdatedAt = now
	runner.SessionID = ""
	runner.ResumeFrom = ""
	runner.ConversationMode = types.ConversationModeNew
	runner.CPUPercent = 0
	runner.MemoryMB = 0
	return nil
}

// livenessReference is the instant the heartbeat TTL is measured from. A
// freshly launched or restarted runner is measured from its start.
func livenessReference(runner *types.Runner) time.Time {
	if runner.StartedAt.After(runner.LastHeartbeat) {
		return runner.StartedAt
	}
	return runner.LastHeartbeat
}
