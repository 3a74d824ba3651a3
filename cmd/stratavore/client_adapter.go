package main

import (
	"context"
	"strings"

	stratavoreclient "stratavore/internal/client"
	"stratavore/internal/types"
)

// clientFactory builds a daemon client. An empty addr uses the configured
// daemon address.
type clientFactory func(addr string) (commandClient, error)

type commandClient interface {
	EnsureDaemon(ctx context.Context) error
	Health(ctx context.Context) (*stratavoreclient.HealthResponse, error)
	ShutdownDaemon(ctx context.Context) error
	Status(ctx context.Context) (*types.StatusResponse, error)
	Reconcile(ctx context.Context) (*types.ReconcileResponse, error)

	ListRunners(ctx context.Context, project string) ([]*types.Runner, error)
	GetRunner(ctx context.Context, id string) (*types.Runner, error)
	LaunchRunner(ctx context.Context, req types.LaunchRunnerRequest) (*types.Runner, error)
	StopRunner(ctx context.Context, req types.StopRunnerRequest) (*types.Runner, error)
	Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.HeartbeatResult, error)
	RunnerChanges(ctx context.Context, runnerID string, limit int) ([]stratavoreclient.RunnerChange, error)

	ListProjects(ctx context.Context, status string) ([]*types.Project, error)
	GetProject(ctx context.Context, name string) (*types.Project, error)
	CreateProject(ctx context.Context, req types.CreateProjectRequest) (*types.Project, error)
	ArchiveProject(ctx context.Context, name string) (*types.Project, error)
	DeleteProject(ctx context.Context, name string) error

	ListSessions(ctx context.Context, project string) ([]*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
}

var _ commandClient = (*stratavoreclient.Client)(nil)

func newStratavoreClient(addr string) (commandClient, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return stratavoreclient.New()
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return stratavoreclient.NewWithBaseURL(addr), nil
}
