package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stratavore/internal/clock"
	"stratavore/internal/config"
	"stratavore/internal/fleet"
	"stratavore/internal/heartbeat"
	"stratavore/internal/logging"
	"stratavore/internal/store"
)

const readHeaderTimeout = 10 * time.Second

type Options struct {
	Addr              string
	Version           string
	Fleet             *fleet.Fleet
	Clock             clock.Clock
	Logger            logging.Logger
	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration
}

// Daemon runs the control API and the periodic reconciler side by side.
type Daemon struct {
	addr       string
	interval   time.Duration
	logger     logging.Logger
	fleet      *fleet.Fleet
	reconciler *fleet.Reconciler
	beacon     *heartbeat.Beacon
	api        *API
}

func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = fleet.DefaultReconcileInterval
	}
	beacon := heartbeat.NewBeacon(clk, interval)
	reconciler := fleet.NewReconciler(opts.Fleet, fleet.ReconcilerOptions{
		Timeout: opts.ReconcileTimeout,
		Beacon:  beacon,
		Logger:  logger,
	})
	hostname, _ := os.Hostname()
	api := &API{
		Version:    opts.Version,
		DaemonID:   uuid.NewString(),
		Hostname:   hostname,
		StartedAt:  clk.Now(),
		Fleet:      opts.Fleet,
		Reconciler: reconciler,
		Beacon:     beacon,
		Logger:     logger,
	}
	return &Daemon{
		addr:       opts.Addr,
		interval:   interval,
		logger:     logger,
		fleet:      opts.Fleet,
		reconciler: reconciler,
		beacon:     beacon,
		api:        api,
	}
}

// Open builds a daemon from the core config: storage backend, fleet limits
// and reconcile cadence.
func Open(ctx context.Context, cfg config.CoreConfig, version string, logger logging.Logger) (*Daemon, error) {
	path, err := cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(cfg.StorageBackend(), path)
	if err != nil {
		return nil, err
	}
	f, err := fleet.Open(ctx, fleet.Options{
		Backend: backend,
		Logger:  logger,
		NodeID:  cfg.NodeID(),
		Limits: fleet.Limits{
			MaxRunners:                cfg.Fleet.MaxRunners,
			MaxRunnersPerProject:      cfg.Fleet.MaxRunnersPerProject,
			TokenLimit:                cfg.Fleet.TokenLimit,
			DefaultHeartbeatTTL:       cfg.HeartbeatTTL(),
			DefaultMaxRestartAttempts: cfg.Fleet.DefaultMaxRestartAttempts,
			DefaultStopTimeout:        cfg.StopTimeout(),
			Retention:                 cfg.Retention(),
		},
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return New(Options{
		Addr:              cfg.DaemonAddress(),
		Version:           version,
		Fleet:             f,
		Logger:            logger,
		ReconcileInterval: cfg.ReconcileInterval(),
		ReconcileTimeout:  cfg.ReconcileTimeout(),
	}), nil
}

func (d *Daemon) API() *API {
	return d.api
}

func (d *Daemon) Close() error {
	return d.fleet.Close()
}

func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve answers API requests on ln and runs the reconcile loop until ctx is
// done or POST /shutdown is received. It shuts the server down gracefully
// before returning.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.api.Shutdown = func(context.Context) error {
		cancel()
		return nil
	}
	server := &http.Server{
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("daemon_listening",
			logging.F("addr", ln.Addr().String()),
			logging.F("daemon_id", d.api.DaemonID),
			logging.F("node_id", d.fleet.NodeID()),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.reconciler.Run(gctx, d.interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShutdown()
		err := server.Shutdown(shutdownCtx)
		d.logger.Info("daemon_stopped")
		return err
	})
	return g.Wait()
}
