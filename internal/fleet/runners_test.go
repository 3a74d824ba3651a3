package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratavore/internal/types"
)

func TestLaunchCreatesPendingRunner(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{DefaultMaxRestartAttempts: 2})
	mustCreateProject(t, f, "alpha")

	runner, err := f.Launch(ctx, types.LaunchRunnerRequest{
		ProjectName:  "alpha",
		Flags:        []string{"--fast", "--fast"},
		Capabilities: []string{"edit"},
		Environment:  map[string]string{"MODE": "ci"},
		RuntimeID:    "pid-42",
		HeartbeatTTL: 15,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, runner.ID)
	assert.Equal(t, types.RunnerStatusPending, runner.Status)
	assert.Equal(t, "/p/alpha", runner.ProjectPath)
	assert.Equal(t, "node-test", runner.NodeID)
	assert.Equal(t, DefaultRuntimeType, runner.RuntimeType)
	assert.Equal(t, types.ConversationModeNew, runner.ConversationMode)
	assert.Equal(t, []string{"--fast"}, runner.Flags)
	assert.Equal(t, 15, runner.HeartbeatTTLSeconds)
	assert.Equal(t, 2, runner.MaxRestartAttempts)
	assert.True(t, testEpoch.Equal(runner.StartedAt))

	other := mustLaunch(t, f, "alpha")
	assert.NotEqual(t, runner.ID, other.ID)
	assert.Equal(t, int(DefaultHeartbeatTTL/time.Second), other.HeartbeatTTLSeconds)
}

func TestLaunchValidatesProject(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})

	_, err := f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "ghost"})
	requireKind(t, err, ErrorInvalidProject)
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{})
	requireKind(t, err, ErrorInvalidProject)

	mustCreateProject(t, f, "alpha")
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha", ConversationMode: "sideways"})
	requireKind(t, err, ErrorInvalid)
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha", ConversationMode: types.ConversationModeResume})
	requireKind(t, err, ErrorInvalidResume)
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha", MaxRestartAttempts: intPtr(-1)})
	requireKind(t, err, ErrorInvalid)
	assert.Empty(t, f.ListRunners(""))
}

func TestLaunchEnforcesQuotas(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{MaxRunnersPerProject: 2, MaxRunners: 3})
	mustCreateProject(t, f, "alpha")
	mustCreateProject(t, f, "beta")

	first := mustLaunch(t, f, "alpha")
	mustLaunch(t, f, "alpha")
	_, err := f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha"})
	requireKind(t, err, ErrorQuotaExceeded)

	mustLaunch(t, f, "beta")
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "beta"})
	requireKind(t, err, ErrorQuotaExceeded)

	// Terminal runners free their slot.
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: first.ID, Force: true})
	require.NoError(t, err)
	mustLaunch(t, f, "beta")
}

func TestLaunchEnforcesTokenLimit(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{TokenLimit: 1000})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")
	mustAck(t, f, runner.ID)

	_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, TokensUsed: int64Ptr(999)})
	require.NoError(t, err)
	mustLaunch(t, f, "alpha")

	_, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, TokensUsed: int64Ptr(1000)})
	require.NoError(t, err)
	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha"})
	requireKind(t, err, ErrorQuotaExceeded)
}

func TestConcurrentLaunchRespectsGlobalQuota(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{MaxRunners: 5})
	mustCreateProject(t, f, "alpha")
	mustCreateProject(t, f, "beta")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		launched int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		project := "alpha"
		if i%2 == 1 {
			project = "beta"
		}
		go func() {
			defer wg.Done()
			_, err := f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: project})
			if err == nil {
				mu.Lock()
				launched++
				mu.Unlock()
				return
			}
			if !IsKind(err, ErrorQuotaExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, launched)
	assert.Len(t, f.ListRunners(""), 5)
}

func TestHeartbeatAcknowledgesAndStartsSession(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")

	clk.Advance(5 * time.Second)
	result, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.RunnerStatusRunning, result.Status)

	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusRunning, got.Status)
	assert.True(t, clk.Now().Equal(got.LastHeartbeat))
	require.NotEmpty(t, got.SessionID)

	session, err := f.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runner.ID, session.RunnerID)
	assert.Equal(t, "alpha", session.ProjectName)
	assert.True(t, session.Open())

	// A second heartbeat keeps the same session.
	mustAck(t, f, runner.ID)
	again, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, got.SessionID, again.SessionID)
	assert.Len(t, f.ListSessions("alpha"), 1)
}

func TestHeartbeatTelemetryForwardsToSession(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")
	mustAck(t, f, runner.ID)

	clk.Advance(time.Second)
	_, err := f.Heartbeat(ctx, types.HeartbeatRequest{
		RunnerID:     runner.ID,
		TokensUsed:   int64Ptr(500),
		CPUPercent:   func() *float64 { v := 12.5; return &v }(),
		MemoryMB:     func() *float64 { v := 256.0; return &v }(),
		MessageDelta: 2,
	})
	require.NoError(t, err)

	// Duplicate and lower cumulative counts do not double-count tokens.
	_, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, TokensUsed: int64Ptr(500)})
	require.NoError(t, err)
	_, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, TokensUsed: int64Ptr(200)})
	require.NoError(t, err)

	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.TokensUsed)
	assert.Equal(t, 12.5, got.CPUPercent)
	assert.Equal(t, 256.0, got.MemoryMB)

	session, err := f.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), session.TokensUsed)
	assert.Equal(t, 2, session.MessageCount)
	require.NotNil(t, session.LastMessageAt)

	project, err := f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(500), project.TotalTokens)
	assert.True(t, clk.Now().Equal(project.LastAccessedAt))
}

func TestHeartbeatDropsUnknownTerminalAndStaleReports(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")
	mustAck(t, f, runner.ID)

	result, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: "ghost"})
	require.NoError(t, err)
	assert.False(t, result.Accepted)

	clk.Advance(time.Minute)
	mustAck(t, f, runner.ID)
	stale := testEpoch.Add(time.Second)
	result, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Timestamp: &stale, TokensUsed: int64Ptr(10)})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.True(t, clk.Now().Equal(got.LastHeartbeat), "last heartbeat never moves backwards")
	assert.Zero(t, got.TokensUsed)

	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, Force: true})
	require.NoError(t, err)
	result, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, TokensUsed: int64Ptr(10)})
	require.NoError(t, err)
	assert.False(t, result.Accepted)

	_, err = f.Heartbeat(ctx, types.HeartbeatRequest{})
	requireKind(t, err, ErrorInvalid)
}

func TestHeartbeatFutureTimestampIsClamped(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")

	future := clk.Now().Add(time.Hour)
	_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Timestamp: &future})
	require.NoError(t, err)
	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.True(t, clk.Now().Equal(got.LastHeartbeat))
}

func TestRejectedFirstHeartbeatOpensNoSession(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")

	for _, req := range []types.HeartbeatRequest{
		{RunnerID: runner.ID, Status: "bogus"},
		{RunnerID: runner.ID, Status: types.RunnerStatusPending},
		{RunnerID: runner.ID, MessageDelta: -1},
	} {
		result, err := f.Heartbeat(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Accepted)
		assert.NotEmpty(t, result.Reason)
	}

	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusPending, got.Status)
	assert.Empty(t, got.SessionID)
	assert.Empty(t, f.ListSessions("alpha"))
	assert.Zero(t, f.Metrics().TotalSessions)

	session, err := f.StartSession(ctx, types.StartSessionRequest{RunnerID: runner.ID})
	require.NoError(t, err)
	assert.Equal(t, runner.ID, session.RunnerID)
}

func TestApplyTelemetryRejectsTerminalRunner(t *testing.T) {
	runner := &types.Runner{ID: "r", Status: types.RunnerStatusTerminated}
	_, err := applyTelemetry(runner, types.HeartbeatRequest{TokensUsed: int64Ptr(1)})
	requireKind(t, err, ErrorInvalidState)

	runner.Status = types.RunnerStatusPending
	_, err = applyTelemetry(runner, types.HeartbeatRequest{CPUPercent: func() *float64 { v := 1.0; return &v }()})
	requireKind(t, err, ErrorInvalidState)

	runner.Status = types.RunnerStatusPaused
	delta, err := applyTelemetry(runner, types.HeartbeatRequest{TokensUsed: int64Ptr(40)})
	require.NoError(t, err)
	assert.Equal(t, int64(40), delta)
}

func TestHeartbeatReportedStatuses(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")
	mustAck(t, f, runner.ID)

	result, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Status: types.RunnerStatusPaused})
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusPaused, result.Status)

	result, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Status: types.RunnerStatusPending})
	require.NoError(t, err)
	assert.False(t, result.Accepted)

	result, err = f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Status: types.RunnerStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusRunning, result.Status)

	result, err = f.Heartbeat(ctx, types.HeartbeatRequest{
		RunnerID: runner.ID,
		Status:   types.RunnerStatusFailed,
		Reason:   "model crashed",
		ExitCode: intPtr(3),
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusFailed, result.Status)

	got, err := f.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, "model crashed", got.FailureReason)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	require.NotNil(t, got.TerminatedAt)

	session, err := f.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.False(t, session.Open())
	assert.False(t, session.Resumable)
}

func TestForceStopScenario(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	_, err := f.CreateProject(ctx, types.CreateProjectRequest{Name: "alpha", Path: "/home/alpha"})
	require.NoError(t, err)

	r1 := mustLaunch(t, f, "alpha")
	project, err := f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, project.ActiveRunners)

	mustAck(t, f, r1.ID)
	got, err := f.GetRunner(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusRunning, got.Status)

	stopped, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: r1.ID, Force: true})
	require.NoError(t, err)
	assert.Equal(t, types.RunnerStatusTerminated, stopped.Status)
	require.NotNil(t, stopped.ExitCode)
	assert.Equal(t, -1, *stopped.ExitCode)

	result := NewReconciler(f, ReconcilerOptions{}).Reconcile(ctx)
	require.NoError(t, result.Err)
	project, err = f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, project.ActiveRunners)

	session, err := f.GetSession(stopped.SessionID)
	require.NoError(t, err)
	assert.False(t, session.Open())
	assert.False(t, session.Resumable)
}

func TestStopErrors(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")

	_, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: "ghost"})
	requireKind(t, err, ErrorNotFound)
	_, err = f.Stop(ctx, types.StopRunnerRequest{})
	requireKind(t, err, ErrorInvalid)

	runner := mustLaunch(t, f, "alpha")
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: -5})
	requireKind(t, err, ErrorInvalid)

	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, Force: true})
	require.NoError(t, err)
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, Force: true})
	requireKind(t, err, ErrorAlreadyTerminal)
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID})
	requireKind(t, err, ErrorAlreadyTerminal)
}

func TestDurationsBeyondRangeAreRejected(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	longest := maxDurationSeconds
	tooLong := longest + 1

	_, err := f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha", HeartbeatTTL: int(tooLong)})
	requireKind(t, err, ErrorInvalid)
	assert.Empty(t, f.ListRunners(""))

	runner := mustLaunch(t, f, "alpha")
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: int(tooLong)})
	requireKind(t, err, ErrorInvalid)

	// The longest representable grace period is honoured, not wrapped.
	stopped, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: int(longest)})
	require.NoError(t, err)
	require.NotNil(t, stopped.StopDeadline)
	assert.True(t, stopped.StopDeadline.After(clk.Now().Add(100*365*24*time.Hour)))
}

func TestGracefulStopRoundTrip(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		exitCode  *int
		resumable bool
	}{
		{name: "clean exit", exitCode: nil, resumable: true},
		{name: "zero exit", exitCode: intPtr(0), resumable: true},
		{name: "error exit", exitCode: intPtr(2), resumable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, clk := newTestFleet(t, Limits{})
			mustCreateProject(t, f, "alpha")
			runner := mustLaunch(t, f, "alpha")
			mustAck(t, f, runner.ID)

			stopping, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: 30})
			require.NoError(t, err)
			assert.Equal(t, types.RunnerStatusRunning, stopping.Status)
			require.NotNil(t, stopping.StopDeadline)
			assert.True(t, clk.Now().Add(30*time.Second).Equal(*stopping.StopDeadline))

			clk.Advance(10 * time.Second)
			result, err := f.Heartbeat(ctx, types.HeartbeatRequest{
				RunnerID: runner.ID,
				Status:   types.RunnerStatusTerminated,
				ExitCode: tc.exitCode,
			})
			require.NoError(t, err)
			assert.True(t, result.Accepted)

			got, err := f.GetRunner(runner.ID)
			require.NoError(t, err)
			assert.Equal(t, types.RunnerStatusTerminated, got.Status)
			assert.Equal(t, tc.resumable, got.CleanShutdown)
			assert.Nil(t, got.StopDeadline)

			session, err := f.GetSession(got.SessionID)
			require.NoError(t, err)
			assert.False(t, session.Open())
			assert.Equal(t, tc.resumable, session.Resumable)

			// Nothing left for the deadline to enforce.
			clk.Advance(time.Minute)
			sweep := NewReconciler(f, ReconcilerOptions{}).Reconcile(ctx)
			require.NoError(t, sweep.Err)
			after, err := f.GetRunner(runner.ID)
			require.NoError(t, err)
			assert.Equal(t, got.ExitCode, after.ExitCode)
		})
	}
}

func TestGracefulStopKeepsEarliestDeadline(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")

	first, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: 10})
	require.NoError(t, err)
	second, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, *first.StopDeadline, *second.StopDeadline)

	third, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, TimeoutSeconds: 1})
	require.NoError(t, err)
	assert.True(t, clk.Now().Add(time.Second).Equal(*third.StopDeadline))

	defaulted, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: mustLaunch(t, f, "alpha").ID})
	require.NoError(t, err)
	assert.True(t, clk.Now().Add(DefaultStopTimeout).Equal(*defaulted.StopDeadline))
}

func TestConcurrentHeartbeatsAndStops(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, mustLaunch(t, f, "alpha").ID)
	}
	reconciler := NewReconciler(f, ReconcilerOptions{})

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(id string, j int) {
				defer wg.Done()
				_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: id, TokensUsed: int64Ptr(int64(j * 10)), MessageDelta: 1})
				assert.NoError(t, err)
			}(id, j)
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.Stop(ctx, types.StopRunnerRequest{RunnerID: id, Force: true})
			assert.NoError(t, err)
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		result := reconciler.Reconcile(ctx)
		assert.NoError(t, result.Err)
	}()
	wg.Wait()

	for _, id := range ids {
		runner, err := f.GetRunner(id)
		require.NoError(t, err)
		assert.Equal(t, types.RunnerStatusTerminated, runner.Status)
	}
	for _, session := range f.ListSessions("alpha") {
		assert.False(t, session.Open(), "session %s left open", session.ID)
	}
	result := reconciler.Reconcile(ctx)
	require.NoError(t, result.Err)
	project, err := f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, project.ActiveRunners)
}
