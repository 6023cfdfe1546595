// Package httpx exposes the deployment server over HTTP.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/build"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/pipeline"
)

// BuildService accepts deployment requests and answers status queries.
type BuildService interface {
	RequestDeployment(ctx context.Context, rawURL string) (build.RequestResult, error)
	GetRepositoryStatus(ctx context.Context, rawURL string) (build.RepositoryStatus, error)
	Exists(ctx context.Context, rawURL string) (bool, error)
	OverrideServiceStatus(ctx context.Context, id int64, value string) (*domain.Service, error)
}

// ServiceReader resolves stored services.
type ServiceReader interface {
	GetService(ctx context.Context, id int64) (*domain.Service, error)
}

// ClusterDeployer applies workloads and ingress directly.
type ClusterDeployer interface {
	Deploy(ctx context.Context, req cluster.DeployRequest) error
	ApplyIngress(ctx context.Context, project string, services []string) error
}

// PipelineStarter launches a stage 1 / stage 2 orchestration.
type PipelineStarter interface {
	Start(ctx context.Context, key, rawURL string) error
}

// DashboardMonitor streams pod state for a project.
type DashboardMonitor interface {
	// Start returns a func that ends the started session only.
	Start(ctx context.Context, key, project string) (func(), error)
}

// ClusterManager performs operational actions on deployed services.
type ClusterManager interface {
	RestartPod(ctx context.Context, pod string) error
	RestartWorkload(ctx context.Context, project, service string) error
	Scale(ctx context.Context, project, service string, replicas int32) error
	Logs(ctx context.Context, pod string) (string, error)
	StreamLogs(ctx context.Context, pod string, onLine func(string) error) error
}

// LiveBus is the keyed event bus behind live channels.
type LiveBus interface {
	Subscribe(key string, h events.Handler) func()
	Publish(key, name string, data any)
}

// Deps are the collaborators served by the router.
type Deps struct {
	Builds    BuildService
	Services  ServiceReader
	Deployer  ClusterDeployer
	Pipeline  PipelineStarter
	Dashboard DashboardMonitor
	Manager   ClusterManager
	Bus       LiveBus
	// Health checks keyed by component name.
	Health map[string]func(context.Context) error

	DeployStreamTimeout    time.Duration
	DashboardStreamTimeout time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	builds    BuildService
	services  ServiceReader
	deployer  ClusterDeployer
	pipeline  PipelineStarter
	dashboard DashboardMonitor
	manager   ClusterManager
	bus       LiveBus
	health    map[string]func(context.Context) error
	upgrader  websocket.Upgrader

	deployTimeout    time.Duration
	dashboardTimeout time.Duration
	heartbeat        time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestOutcomes    *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		builds:    deps.Builds,
		services:  deps.Services,
		deployer:  deps.Deployer,
		pipeline:  deps.Pipeline,
		dashboard: deps.Dashboard,
		manager:   deps.Manager,
		bus:       deps.Bus,
		health:    deps.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		deployTimeout:    deps.DeployStreamTimeout,
		dashboardTimeout: deps.DashboardStreamTimeout,
		heartbeat:        defaultHeartbeat,
	}
	if r.deployTimeout <= 0 {
		r.deployTimeout = 5 * time.Minute
	}
	if r.dashboardTimeout <= 0 {
		r.dashboardTimeout = 30 * time.Minute
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/repository", r.instrument("/repository", r.handleRepository))
	r.mux.HandleFunc("/repository/exists", r.instrument("/repository/exists", r.handleRepositoryExists))
	r.mux.HandleFunc("/service/", r.instrument("/service/:id/status", r.handleServiceStatus))
	r.mux.HandleFunc("/api/deploy", r.instrument("/api/deploy", r.handleDeploy))
	r.mux.HandleFunc("/api/ingress", r.instrument("/api/ingress", r.handleIngress))
	r.mux.HandleFunc("/metrics/deployments", r.instrument("/metrics/deployments", r.handleDeploymentStream))
	r.mux.HandleFunc("/metrics/dashboard", r.instrument("/metrics/dashboard", r.handleDashboardStream))
	r.mux.HandleFunc("/management/pod/restart", r.instrument("/management/pod/restart", r.handleRestartPod))
	r.mux.HandleFunc("/management/service/restart", r.instrument("/management/service/restart", r.handleRestartService))
	r.mux.HandleFunc("/management/service/scale", r.instrument("/management/service/scale", r.handleScaleService))
	r.mux.HandleFunc("/management/logs", r.instrument("/management/logs", r.handleLogs))
	r.mux.HandleFunc("/management/logs/stream", r.instrument("/management/logs/stream", r.handleLogStream))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		if err := r.health[name](ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleRepository(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		repoURL := strings.TrimSpace(req.URL.Query().Get("repo_url"))
		if repoURL == "" {
			writeError(w, http.StatusBadRequest, "repo_url query parameter required")
			return
		}
		status, err := r.builds.GetRepositoryStatus(req.Context(), repoURL)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodPost:
		var payload struct {
			RepositoryURL string `json:"repository_url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.RepositoryURL) == "" {
			writeError(w, http.StatusBadRequest, "repository_url is required")
			return
		}
		result, err := r.builds.RequestDeployment(req.Context(), payload.RepositoryURL)
		if err != nil {
			r.recordOutcome("rejected")
			writeServiceError(w, err)
			return
		}
		r.recordOutcome(string(result.Outcome))
		code := http.StatusAccepted
		if result.Outcome == build.OutcomeAlreadyDeployed {
			code = http.StatusOK
		}
		writeJSON(w, code, result)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRepositoryExists(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	repoURL := strings.TrimSpace(req.URL.Query().Get("repo_url"))
	if repoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url query parameter required")
		return
	}
	exists, err := r.builds.Exists(req.Context(), repoURL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (r *Router) handleServiceStatus(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/service/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "status" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPatch && req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	svc, err := r.builds.OverrideServiceStatus(req.Context(), id, payload.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// decodeDeployRequest validates the body and fills service names and ports
// from the store.
func (r *Router) decodeDeployRequest(w http.ResponseWriter, req *http.Request) (cluster.DeployRequest, bool) {
	var payload cluster.DeployRequest
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return payload, false
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return payload, false
	}
	if err := payload.Validate(); err != nil {
		writeServiceError(w, err)
		return payload, false
	}
	for i, spec := range payload.Services {
		svc, err := r.services.GetService(req.Context(), spec.ServiceID)
		if err != nil {
			writeServiceError(w, err)
			return payload, false
		}
		payload.Services[i].Name = svc.Name
		if spec.Port == nil {
			payload.Services[i].Port = svc.Port
		}
	}
	return payload, true
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	payload, ok := r.decodeDeployRequest(w, req)
	if !ok {
		return
	}
	if err := r.deployer.Deploy(req.Context(), payload); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "deployed",
		"projectName": payload.ProjectName,
		"services":    len(payload.Services),
	})
}

func (r *Router) handleIngress(w http.ResponseWriter, req *http.Request) {
	payload, ok := r.decodeDeployRequest(w, req)
	if !ok {
		return
	}
	names := make([]string, 0, len(payload.Services))
	for _, svc := range payload.Services {
		names = append(names, svc.Name)
	}
	if err := r.deployer.ApplyIngress(req.Context(), payload.ProjectName, names); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "applied",
		"projectName": payload.ProjectName,
		"ingress":     domain.IngressName(payload.ProjectName),
	})
}

var deployTerminal = map[string]bool{
	events.AllComplete:      true,
	events.DeploymentFailed: true,
}

// repoURLParam reads the repository query parameter, accepting repo_url and
// the camel-case repoUrl.
func repoURLParam(req *http.Request) string {
	q := req.URL.Query()
	if v := strings.TrimSpace(q.Get("repo_url")); v != "" {
		return v
	}
	return strings.TrimSpace(q.Get("repoUrl"))
}

// handleDeploymentStream subscribes the caller to the orchestration of the
// repository and starts it. The channel is keyed on the normalized URI so
// every spelling of one repository attaches to the same run.
func (r *Router) handleDeploymentStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	uri, err := domain.NormalizeURI(repoURLParam(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, "repo_url query parameter required")
		return
	}
	r.serveChannel(w, req, channel{
		key:       uri,
		timeout:   r.deployTimeout,
		connected: "Deployment monitoring connection successful",
		terminal:  deployTerminal,
		start: func() error {
			err := r.pipeline.Start(context.Background(), uri, uri)
			if errors.Is(err, pipeline.ErrRunActive) {
				r.logger.Info("attached to running orchestration", "repository", uri)
				return nil
			}
			return err
		},
	})
}

// handleDashboardStream streams pod metrics of the project behind the
// repository.
func (r *Router) handleDashboardStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	uri, err := domain.NormalizeURI(repoURLParam(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, "repo_url query parameter required")
		return
	}
	key := domain.MetricKey(uri)
	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	r.serveChannel(w, req, channel{
		key:       key,
		timeout:   r.dashboardTimeout,
		connected: "Dashboard monitoring connection successful",
		start: func() error {
			var err error
			stop, err = r.dashboard.Start(context.Background(), key, domain.ProjectName(uri))
			return err
		},
	})
}

func (r *Router) handleRestartPod(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		PodName string `json:"podName"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.manager.RestartPod(req.Context(), payload.PodName); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting", "podName": payload.PodName})
}

type serviceTarget struct {
	RepoURL     string `json:"repoUrl"`
	ServiceName string `json:"serviceName"`
	Replicas    *int32 `json:"replicas,omitempty"`
}

// project resolves the cluster project name, rejecting bad input.
func (t serviceTarget) project() (string, error) {
	uri, err := domain.NormalizeURI(t.RepoURL)
	if err != nil {
		return "", err
	}
	if !domain.ValidServiceName(t.ServiceName) {
		return "", cluster.ErrInvalidDeployRequest
	}
	return domain.ProjectName(uri), nil
}

func (r *Router) decodeTarget(w http.ResponseWriter, req *http.Request) (serviceTarget, string, bool) {
	var payload serviceTarget
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return payload, "", false
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return payload, "", false
	}
	project, err := payload.project()
	if err != nil {
		writeError(w, http.StatusBadRequest, "repoUrl and a valid serviceName are required")
		return payload, "", false
	}
	return payload, project, true
}

func (r *Router) handleRestartService(w http.ResponseWriter, req *http.Request) {
	target, project, ok := r.decodeTarget(w, req)
	if !ok {
		return
	}
	if err := r.manager.RestartWorkload(req.Context(), project, target.ServiceName); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "restarting",
		"deployment": domain.WorkloadName(project, target.ServiceName),
	})
}

func (r *Router) handleScaleService(w http.ResponseWriter, req *http.Request) {
	target, project, ok := r.decodeTarget(w, req)
	if !ok {
		return
	}
	if target.Replicas == nil || *target.Replicas < 0 {
		writeError(w, http.StatusBadRequest, "replicas must be zero or more")
		return
	}
	if err := r.manager.Scale(req.Context(), project, target.ServiceName, *target.Replicas); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "scaled",
		"deployment": domain.WorkloadName(project, target.ServiceName),
		"replicas":   *target.Replicas,
	})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	pod := req.URL.Query().Get("pod")
	logs, err := r.manager.Logs(req.Context(), pod)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"podName": pod, "logs": logs})
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	pod := req.URL.Query().Get("pod")
	if !cluster.ValidPodName(pod) {
		writeServiceError(w, cluster.ErrInvalidPodName)
		return
	}
	sink, ctx, cancel, err := r.openSink(w, req)
	if err != nil {
		if errors.Is(err, errStreamUnsupported) {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer cancel()
	defer sink.Close()

	ctx, stop := context.WithTimeout(ctx, r.dashboardTimeout)
	defer stop()
	err = r.manager.StreamLogs(ctx, pod, func(line string) error {
		return sink.Send("log", line)
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("log stream ended", "pod", pod, "error", err)
		_ = sink.Send("error", events.Message{Message: err.Error()})
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
