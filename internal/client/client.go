package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stratavore/internal/config"
	"stratavore/internal/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to the Stratavore daemon's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the daemon address in the core config.
func New() (*Client, error) {
	cfg, err := config.LoadCoreConfig()
	if err != nil {
		return nil, err
	}
	return NewWithBaseURL(cfg.DaemonBaseURL()), nil
}

func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context) (*types.StatusResponse, error) {
	var resp types.StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Metrics(ctx context.Context) (*types.MetricsResponse, error) {
	var resp types.MetricsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Reconcile(ctx context.Context) (*types.ReconcileResponse, error) {
	var resp types.ReconcileResponse
	if err := c.doJSON(ctx, http.MethodPost, "/reconcile", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ShutdownDaemon(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/shutdown", nil, nil)
}

func (c *Client) ListRunners(ctx context.Context, project string) ([]*types.Runner, error) {
	var resp RunnersResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/runners/list", "project", project), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runners, nil
}

func (c *Client) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	var resp RunnerResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/runners/get", "id", id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runner, nil
}

// RunnerChanges returns recent runner transitions, newest last. An empty
// runnerID returns every runner's; a zero limit uses the daemon default.
func (c *Client) RunnerChanges(ctx context.Context, runnerID string, limit int) ([]RunnerChange, error) {
	query := url.Values{}
	if runnerID = strings.TrimSpace(runnerID); runnerID != "" {
		query.Set("id", runnerID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/runners/changes"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp ChangesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

func (c *Client) LaunchRunner(ctx context.Context, req types.LaunchRunnerRequest) (*types.Runner, error) {
	var resp RunnerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/runners/launch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Runner, nil
}

func (c *Client) StopRunner(ctx context.Context, req types.StopRunnerRequest) (*types.Runner, error) {
	var resp SuccessResponse
	if err := c.doJSON(ctx, http.MethodPost, "/runners/stop", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New("stop was not acknowledged")
	}
	return resp.Runner, nil
}

func (c *Client) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.HeartbeatResult, error) {
	var resp types.HeartbeatResult
	if err := c.doJSON(ctx, http.MethodPost, "/runners/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListProjects(ctx context.Context, status string) ([]*types.Project, error) {
	var resp ProjectsResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/projects/list", "status", status), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (c *Client) GetProject(ctx context.Context, name string) (*types.Project, error) {
	var resp ProjectResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/projects/get", "name", name), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Project, nil
}

func (c *Client) CreateProject(ctx context.Context, req types.CreateProjectRequest) (*types.Project, error) {
	var resp ProjectResponse
	if err := c.doJSON(ctx, http.MethodPost, "/projects/create", req, &resp); err != nil {
		return nil, err
	}
	return resp.Project, nil
}

func (c *Client) ArchiveProject(ctx context.Context, name string) (*types.Project, error) {
	var resp ProjectResponse
	if err := c.doJSON(ctx, http.MethodPost, "/projects/archive", types.ProjectNameRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return resp.Project, nil
}

func (c *Client) DeleteProject(ctx context.Context, name string) error {
	var resp SuccessResponse
	if err := c.doJSON(ctx, http.MethodPost, "/projects/delete", types.ProjectNameRequest{Name: name}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("delete was not acknowledged")
	}
	return nil
}

func (c *Client) ListSessions(ctx context.Context, project string) ([]*types.Session, error) {
	var resp SessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/sessions/list", "project", project), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/sessions/get", "session_id", id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) StartSession(ctx context.Context, req types.StartSessionRequest) (*types.Session, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/start", req, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) RecordActivity(ctx context.Context, req types.SessionActivityRequest) (*types.Session, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/activity", req, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) EndSession(ctx context.Context, req types.EndSessionRequest) (*types.Session, error) {
	var resp SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/end", req, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// EnsureDaemon starts a background daemon when none answers on the
// configured address.
func (c *Client) EnsureDaemon(ctx context.Context) error {
	if resp, err := c.Health(ctx); err == nil && resp.OK {
		return nil
	}
	if err := StartBackgroundDaemon(); err != nil {
		return err
	}

	deadline := time.Now().Add(4 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := c.Health(ctx)
		if err == nil && resp.OK {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("daemon not healthy after start")
	}
	return lastErr
}

func withQuery(path, key, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return path
	}
	return path + "?" + url.Values{key: []string{value}}.Encode()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.http
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: resp.Status}
}

// APIError is a non-2xx answer from the daemon. Code carries the fleet error
// kind, e.g. QuotaExceeded.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsUnavailable reports whether err means no daemon is listening.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// TerminateProcess signals a daemon process found through /health.
func TerminateProcess(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}
