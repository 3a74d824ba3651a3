package fleet

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratavore/internal/types"
)

var allStatuses = []types.RunnerStatus{
	types.RunnerStatusPending,
	types.RunnerStatusRunning,
	types.RunnerStatusPaused,
	types.RunnerStatusFailed,
	types.RunnerStatusTerminated,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]types.RunnerStatus]bool{
		{types.RunnerStatusPending, types.RunnerStatusRunning}:    true,
		{types.RunnerStatusPending, types.RunnerStatusFailed}:     true,
		{types.RunnerStatusPending, types.RunnerStatusTerminated}: true,
		{types.RunnerStatusRunning, types.RunnerStatusPaused}:     true,
		{types.RunnerStatusRunning, types.RunnerStatusFailed}:     true,
		{types.RunnerStatusRunning, types.RunnerStatusTerminated}: true,
		{types.RunnerStatusPaused, types.RunnerStatusRunning}:     true,
		{types.RunnerStatusPaused, types.RunnerStatusTerminated}:  true,
		{types.RunnerStatusPaused, types.RunnerStatusFailed}:      true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to {
				continue
			}
			want := allowed[[2]types.RunnerStatus{from, to}]
			assert.Equal(t, want, canTransition(from, to), "%s -> %s", from, to)

			runner := &types.Runner{ID: "r", Status: from}
			err := transition(runner, to, testEpoch)
			if want {
				require.NoError(t, err)
				assert.Equal(t, to, runner.Status)
			} else {
				requireKind(t, err, ErrorInvalidState)
				assert.Equal(t, from, runner.Status)
			}
		}
	}
}

func TestRestartOnlyWithinBudget(t *testing.T) {
	runner := &types.Runner{ID: "r", Status: types.RunnerStatusRunning, MaxRestartAttempts: 2, SessionID: "s", ResumeFrom: "old", ConversationMode: types.ConversationModeResume}
	require.NoError(t, restart(runner, testEpoch))
	assert.Equal(t, types.RunnerStatusPending, runner.Status)
	assert.Equal(t, 1, runner.RestartAttempts)
	assert.Empty(t, runner.SessionID)
	assert.Empty(t, runner.ResumeFrom)
	assert.Equal(t, types.ConversationModeNew, runner.ConversationMode)

	require.NoError(t, restart(runner, testEpoch))
	requireKind(t, restart(runner, testEpoch), ErrorInvalidState)
	assert.Equal(t, 2, runner.RestartAttempts)

	for _, status := range []types.RunnerStatus{types.RunnerStatusFailed, types.RunnerStatusTerminated} {
		terminal := &types.Runner{ID: "t", Status: status, MaxRestartAttempts: 5}
		requireKind(t, restart(terminal, testEpoch), ErrorInvalidState)
	}
}

func TestLivenessReferenceUsesLaterOfStartAndHeartbeat(t *testing.T) {
	runner := &types.Runner{StartedAt: testEpoch, LastHeartbeat: testEpoch.Add(time.Minute)}
	assert.Equal(t, testEpoch.Add(time.Minute), livenessReference(runner))
	runner.StartedAt = testEpoch.Add(time.Hour)
	assert.Equal(t, testEpoch.Add(time.Hour), livenessReference(runner))
}

// TestRandomOperationsFollowStateMachine drives runners through random
// operation sequences and checks every recorded transition is a legal edge.
func TestRandomOperationsFollowStateMachine(t *testing.T) {
	ctx := context.Background()
	seed := time.Now().UnixNano()
	rng := rand.New(rand.NewSource(seed))
	t.Logf("seed %d", seed)

	f, clk := newTestFleet(t, Limits{DefaultMaxRestartAttempts: 2, Retention: time.Hour})
	mustCreateProject(t, f, "alpha")
	reconciler := NewReconciler(f, ReconcilerOptions{})
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, mustLaunch(t, f, "alpha").ID)
	}
	reported := []types.RunnerStatus{"", types.RunnerStatusRunning, types.RunnerStatusPaused, types.RunnerStatusTerminated, types.RunnerStatusFailed, types.RunnerStatusPending}

	for step := 0; step < 400; step++ {
		id := ids[rng.Intn(len(ids))]
		before, beforeErr := f.GetRunner(id)
		switch op := rng.Intn(6); op {
		case 0, 1:
			_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: id, Status: reported[rng.Intn(len(reported))]})
			require.NoError(t, err)
		case 2:
			_, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: id, Force: rng.Intn(2) == 0, TimeoutSeconds: rng.Intn(40)})
			if beforeErr == nil && before.Status.Terminal() {
				requireKind(t, err, ErrorAlreadyTerminal)
			} else if beforeErr != nil {
				requireKind(t, err, ErrorNotFound)
			} else {
				require.NoError(t, err)
			}
		case 3:
			clk.Advance(time.Duration(rng.Intn(90)) * time.Second)
		case 4:
			require.NoError(t, reconciler.Reconcile(ctx).Err)
		case 5:
			if rng.Intn(4) == 0 {
				ids = append(ids, mustLaunch(t, f, "alpha").ID)
			}
		}
		if beforeErr == nil && before.Status.Terminal() {
			after, err := f.GetRunner(id)
			if err == nil {
				assert.Equal(t, before.Status, after.Status, "terminal runners never leave their state")
			}
		}
	}

	for _, change := range f.Changes().Recent("", 0) {
		if change.To == types.RunnerStatusPending {
			assert.Equal(t, SourceReconciler, change.Source, "only restarts re-enter pending")
			assert.Contains(t, []types.RunnerStatus{types.RunnerStatusPending, types.RunnerStatusRunning, types.RunnerStatusPaused}, change.From)
			continue
		}
		assert.True(t, canTransition(change.From, change.To), "illegal edge %s -> %s (%s)", change.From, change.To, change.Reason)
	}
	for _, runner := range f.ListRunners("") {
		assert.LessOrEqual(t, runner.RestartAttempts, runner.MaxRestartAttempts)
	}
}
