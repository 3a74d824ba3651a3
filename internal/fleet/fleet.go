// Package fleet owns the runner, project and session registries and the
// reconciler that repairs drift between them.
//
// Every record lives in a table slot with its own lock. Operations that
// touch more than one record take locks in the order
// launch -> project -> runner -> session and never in reverse.
package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stratavore/internal/clock"
	"stratavore/internal/heartbeat"
	"stratavore/internal/logging"
	"stratavore/internal/store"
	"stratavore/internal/types"
)

const (
	DefaultHeartbeatTTL       = 60 * time.Second
	DefaultMaxRestartAttempts = 3
	DefaultStopTimeout        = 30 * time.Second
	DefaultRetention          = 24 * time.Hour
	DefaultRuntimeType        = "process"
)

// Limits are the quotas and lifecycle defaults applied to new runners.
// Zero caps mean unlimited.
type Limits struct {
	MaxRunners                int
	MaxRunnersPerProject      int
	TokenLimit                int64
	DefaultHeartbeatTTL       time.Duration
	DefaultMaxRestartAttempts int
	DefaultStopTimeout        time.Duration
	Retention                 time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		DefaultHeartbeatTTL:       DefaultHeartbeatTTL,
		DefaultMaxRestartAttempts: DefaultMaxRestartAttempts,
		DefaultStopTimeout:        DefaultStopTimeout,
		Retention:                 DefaultRetention,
	}
}

func (l Limits) withDefaults() Limits {
	defaults := DefaultLimits()
	if l.DefaultHeartbeatTTL <= 0 {
		l.DefaultHeartbeatTTL = defaults.DefaultHeartbeatTTL
	}
	if l.DefaultMaxRestartAttempts < 0 {
		l.DefaultMaxRestartAttempts = 0
	}
	if l.DefaultStopTimeout <= 0 {
		l.DefaultStopTimeout = defaults.DefaultStopTimeout
	}
	if l.Retention < 0 {
		l.Retention = 0
	}
	return l
}

type Options struct {
	Backend           store.Backend
	Clock             clock.Clock
	Logger            logging.Logger
	NodeID            string
	Limits            Limits
	NewID             func() string
	ChangeLogCapacity int
}

type Fleet struct {
	clock   clock.Clock
	logger  logging.Logger
	nodeID  string
	limits  Limits
	newID   func() string
	monitor *heartbeat.Monitor
	changes *ChangeLog
	backend store.Backend

	launchMu sync.Mutex
	runners  *table[types.Runner]
	projects *table[types.Project]
	sessions *table[types.Session]
}

// Open builds a fleet over opts.Backend and loads every stored record into
// memory. Reads are served from memory afterwards.
func Open(ctx context.Context, opts Options) (*Fleet, error) {
	backend := opts.Backend
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	nodeID := strings.TrimSpace(opts.NodeID)
	if nodeID == "" {
		nodeID = "local"
	}
	limits := opts.Limits.withDefaults()

	f := &Fleet{
		clock:    clk,
		logger:   logger,
		nodeID:   nodeID,
		limits:   limits,
		newID:    newID,
		monitor:  heartbeat.NewMonitor(clk, limits.DefaultHeartbeatTTL),
		changes:  NewChangeLog(opts.ChangeLogCapacity),
		backend:  backend,
		runners:  newTable("runner", store.NewCollection[types.Runner](backend, store.BucketRunners), (*types.Runner).Clone),
		projects: newTable("project", store.NewCollection[types.Project](backend, store.BucketProjects), (*types.Project).Clone),
		sessions: newTable("session", store.NewCollection[types.Session](backend, store.BucketSessions), (*types.Session).Clone),
	}
	for _, t := range []interface{ load(context.Context) error }{f.projects, f.runners, f.sessions} {
		if err := t.load(ctx); err != nil {
			return nil, storageError("load fleet state", err)
		}
	}
	logger.Info("fleet_loaded",
		logging.F("backend", backend.Name()),
		logging.F("projects", f.projects.count()),
		logging.F("runners", f.runners.count()),
		logging.F("sessions", f.sessions.count()),
	)
	return f, nil
}

func (f *Fleet) Close() error {
	if f == nil || f.backend == nil {
		return nil
	}
	return f.backend.Close()
}

func (f *Fleet) Limits() Limits {
	return f.limits
}

func (f *Fleet) NodeID() string {
	return f.nodeID
}

func (f *Fleet) Changes() *ChangeLog {
	return f.changes
}

func (f *Fleet) now() time.Time {
	return f.clock.Now()
}

func (f *Fleet) record(runner *types.Runner, from types.RunnerStatus, reason string, source ChangeSource) {
	if runner == nil || from == runner.Status {
		return
	}
	f.appendChange(runner, from, runner.Status, reason, source)
}

func (f *Fleet) appendChange(runner *types.Runner, from, to types.RunnerStatus, reason string, source ChangeSource) {
	f.changes.Append(Change{
		RunnerID: runner.ID,
		Project:  runner.ProjectName,
		From:     from,
		To:       to,
		Reason:   reason,
		Source:   source,
		At:       runner.UpdatedAt,
	})
	f.logger.Info("runner_transition",
		logging.F("runner_id", runner.ID),
		logging.F("project", runner.ProjectName),
		logging.F("from", string(from)),
		logging.F("to", string(to)),
		logging.F("reason", reason),
		logging.F("source", string(source)),
	)
}

// Metrics computes the global counters from the registries.
// ActiveProjects counts projects with at least one live runner.
func (f *Fleet) Metrics() types.GlobalMetrics {
	metrics := types.GlobalMetrics{TokenLimit: f.limits.TokenLimit}
	liveByProject := map[string]struct{}{}
	f.runners.each(func(r *types.Runner) {
		if r.Status.Live() {
			metrics.ActiveRunners++
			liveByProject[r.ProjectName] = struct{}{}
		}
	})
	f.projects.each(func(p *types.Project) {
		if _, ok := liveByProject[p.Name]; ok {
			metrics.ActiveProjects++
		}
	})
	f.sessions.each(func(s *types.Session) {
		metrics.TotalSessions++
		metrics.TokensUsed += s.TokensUsed
	})
	return metrics
}
