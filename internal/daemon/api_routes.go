package daemon

import "net/http"

// APIPrefix is where the dashboard mounts the API. Every route is served
// both bare and under the prefix.
const APIPrefix = "/api/v1"

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.Health)
	mux.HandleFunc("/status", a.Status)
	mux.HandleFunc("/metrics", a.Metrics)
	mux.HandleFunc("/reconcile", a.Reconcile)
	mux.HandleFunc("/shutdown", a.ShutdownDaemon)

	mux.HandleFunc("/runners/list", a.RunnersList)
	mux.HandleFunc("/runners/get", a.RunnerGet)
	mux.HandleFunc("/runners/launch", a.RunnerLaunch)
	mux.HandleFunc("/runners/stop", a.RunnerStop)
	mux.HandleFunc("/runners/heartbeat", a.RunnerHeartbeat)
	mux.HandleFunc("/runners/changes", a.RunnerChanges)

	mux.HandleFunc("/projects/list", a.ProjectsList)
	mux.HandleFunc("/projects/get", a.ProjectGet)
	mux.HandleFunc("/projects/create", a.ProjectCreate)
	mux.HandleFunc("/projects/archive", a.ProjectArchive)
	mux.HandleFunc("/projects/delete", a.ProjectDelete)

	mux.HandleFunc("/sessions/list", a.SessionsList)
	mux.HandleFunc("/sessions/get", a.SessionGet)
	mux.HandleFunc("/sessions/start", a.SessionStart)
	mux.HandleFunc("/sessions/activity", a.SessionActivity)
	mux.HandleFunc("/sessions/end", a.SessionEnd)
}

// Handler builds the full middleware chain around the API routes.
func (a *API) Handler() http.Handler {
	routes := http.NewServeMux()
	a.RegisterRoutes(routes)

	root := http.NewServeMux()
	root.Handle(APIPrefix+"/", http.StripPrefix(APIPrefix, routes))
	root.Handle("/", routes)
	return LoggingMiddleware(a.logger(), RecoverMiddleware(a.logger(), root))
}
