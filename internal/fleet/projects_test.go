package fleet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratavore/internal/types"
)

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})

	created, err := f.CreateProject(ctx, types.CreateProjectRequest{Name: "beta", Path: "/p/beta"})
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusActive, created.Status)
	assert.True(t, testEpoch.Equal(created.CreatedAt))

	_, err = f.CreateProject(ctx, types.CreateProjectRequest{Name: "beta", Path: "/elsewhere"})
	requireKind(t, err, ErrorDuplicateName)

	got, err := f.GetProject("beta")
	require.NoError(t, err)
	assert.Equal(t, "/p/beta", got.Path)
}

func TestCreateProjectValidatesInput(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})

	_, err := f.CreateProject(ctx, types.CreateProjectRequest{Path: "/p"})
	requireKind(t, err, ErrorInvalid)
	_, err = f.CreateProject(ctx, types.CreateProjectRequest{Name: "x"})
	requireKind(t, err, ErrorInvalid)

	project, err := f.CreateProject(ctx, types.CreateProjectRequest{
		Name: "tags", Path: "/p/tags", Tags: []string{"b", " a ", "b", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, project.Tags)
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.CreateProject(ctx, types.CreateProjectRequest{Name: "race", Path: "/p/race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case IsKind(err, ErrorDuplicateName):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 15, duplicates)
}

func TestGetProjectNotFound(t *testing.T) {
	f, _ := newTestFleet(t, Limits{})
	_, err := f.GetProject("missing")
	requireKind(t, err, ErrorNotFound)
}

func TestListProjectsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "zeta")
	mustCreateProject(t, f, "alpha")
	mustCreateProject(t, f, "mid")
	_, err := f.ArchiveProject(ctx, "mid")
	require.NoError(t, err)

	names := func(projects []*types.Project) []string {
		var out []string
		for _, p := range projects {
			out = append(out, p.Name)
		}
		return out
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names(f.ListProjects("")))
	assert.Equal(t, []string{"alpha", "zeta"}, names(f.ListProjects(types.ProjectStatusActive)))
	assert.Equal(t, []string{"mid"}, names(f.ListProjects(types.ProjectStatusArchived)))
	assert.Empty(t, f.ListProjects("operator-defined"))
}

func TestArchiveBlocksLaunchButKeepsLiveRunners(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")
	mustAck(t, f, runner.ID)

	clk.Advance(minute)
	archived, err := f.ArchiveProject(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, archived.Archived())
	require.NotNil(t, archived.ArchivedAt)
	firstArchivedAt := *archived.ArchivedAt

	clk.Advance(minute)
	again, err := f.ArchiveProject(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, firstArchivedAt.Equal(*again.ArchivedAt), "archive is idempotent")

	_, err = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha"})
	requireKind(t, err, ErrorInvalidProject)

	result, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.RunnerStatusRunning, result.Status)

	_, err = f.ArchiveProject(ctx, "missing")
	requireKind(t, err, ErrorNotFound)
}

func TestDeleteProjectRules(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	runner := mustLaunch(t, f, "alpha")

	// Pending runners are live.
	requireKind(t, f.DeleteProject(ctx, "alpha"), ErrorProjectInUse)

	mustAck(t, f, runner.ID)
	_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: runner.ID, Status: types.RunnerStatusPaused})
	require.NoError(t, err)
	requireKind(t, f.DeleteProject(ctx, "alpha"), ErrorProjectInUse)

	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: runner.ID, Force: true})
	require.NoError(t, err)
	require.NoError(t, f.DeleteProject(ctx, "alpha"))

	_, err = f.GetProject("alpha")
	requireKind(t, err, ErrorNotFound)
	requireKind(t, f.DeleteProject(ctx, "alpha"), ErrorNotFound)

	// The terminal runner is kept for audit.
	_, err = f.GetRunner(runner.ID)
	require.NoError(t, err)
}

func TestDeleteNeverOrphansConcurrentLaunch(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		f, _ := newTestFleet(t, Limits{})
		mustCreateProject(t, f, "alpha")

		var (
			wg        sync.WaitGroup
			launchErr error
			deleteErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, launchErr = f.Launch(ctx, types.LaunchRunnerRequest{ProjectName: "alpha"})
		}()
		go func() {
			defer wg.Done()
			deleteErr = f.DeleteProject(ctx, "alpha")
		}()
		wg.Wait()

		switch {
		case launchErr == nil:
			requireKind(t, deleteErr, ErrorProjectInUse)
		case deleteErr == nil:
			requireKind(t, launchErr, ErrorInvalidProject)
		default:
			t.Fatalf("launch %v, delete %v", launchErr, deleteErr)
		}
	}
}

func TestProjectAggregatesMatchEnumeration(t *testing.T) {
	ctx := context.Background()
	f, clk := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	mustCreateProject(t, f, "beta")

	var alpha []*types.Runner
	for i := 0; i < 4; i++ {
		alpha = append(alpha, mustLaunch(t, f, "alpha"))
	}
	mustLaunch(t, f, "beta")
	mustAck(t, f, alpha[0].ID)
	mustAck(t, f, alpha[1].ID)
	_, err := f.Heartbeat(ctx, types.HeartbeatRequest{RunnerID: alpha[1].ID, TokensUsed: int64Ptr(300)})
	require.NoError(t, err)
	_, err = f.Stop(ctx, types.StopRunnerRequest{RunnerID: alpha[2].ID, Force: true})
	require.NoError(t, err)

	clk.Advance(2 * DefaultHeartbeatTTL)
	r := NewReconciler(f, ReconcilerOptions{})
	result := r.Reconcile(ctx)
	require.NoError(t, result.Err)

	for _, name := range []string{"alpha", "beta"} {
		project, err := f.GetProject(name)
		require.NoError(t, err)
		assert.Equal(t, liveCount(f, name), project.ActiveRunners, name)
		assert.Equal(t, len(f.ListRunners(name)), project.TotalRunners, name)
		assert.Equal(t, len(f.ListSessions(name)), project.TotalSessions, name)
		var tokens int64
		for _, s := range f.ListSessions(name) {
			tokens += s.TokensUsed
		}
		assert.Equal(t, tokens, project.TotalTokens, name)
	}

	alphaProject, err := f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(300), alphaProject.TotalTokens)
}

func TestReconcileCorrectsAggregateDrift(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFleet(t, Limits{})
	mustCreateProject(t, f, "alpha")
	mustLaunch(t, f, "alpha")

	_, err := f.projects.mutate(ctx, "alpha", func(cur *types.Project) (*types.Project, mutation, error) {
		cur.ActiveRunners = 42
		cur.TotalTokens = 7
		return cur, write, nil
	})
	require.NoError(t, err)

	result := NewReconciler(f, ReconcilerOptions{}).Reconcile(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.ProjectsCorrected)

	project, err := f.GetProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, project.ActiveRunners)
	assert.Equal(t, int64(0), project.TotalTokens)
}
