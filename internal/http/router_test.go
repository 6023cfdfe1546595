package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/build"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type buildsStub struct {
	mu        sync.Mutex
	result    build.RequestResult
	err       error
	status    build.RepositoryStatus
	exists    bool
	requested []string
	override  struct {
		id    int64
		value string
	}
}

func (b *buildsStub) RequestDeployment(_ context.Context, rawURL string) (build.RequestResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requested = append(b.requested, rawURL)
	return b.result, b.err
}

func (b *buildsStub) GetRepositoryStatus(context.Context, string) (build.RepositoryStatus, error) {
	return b.status, b.err
}

func (b *buildsStub) Exists(context.Context, string) (bool, error) {
	return b.exists, b.err
}

func (b *buildsStub) OverrideServiceStatus(_ context.Context, id int64, value string) (*domain.Service, error) {
	b.override.id = id
	b.override.value = value
	if b.err != nil {
		return nil, b.err
	}
	return &domain.Service{ID: id, Name: "cart", Status: domain.ServiceStatus(value)}, nil
}

type servicesStub map[int64]*domain.Service

func (s servicesStub) GetService(_ context.Context, id int64) (*domain.Service, error) {
	svc, ok := s[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return svc, nil
}

type deployerStub struct {
	mu       sync.Mutex
	requests []cluster.DeployRequest
	ingress  []string
	err      error
}

func (d *deployerStub) Deploy(_ context.Context, req cluster.DeployRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.err
}

func (d *deployerStub) ApplyIngress(_ context.Context, project string, services []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ingress = append([]string{project}, services...)
	return d.err
}

type pipelineStub struct {
	start func(key, rawURL string) error
}

func (p pipelineStub) Start(_ context.Context, key, rawURL string) error {
	if p.start == nil {
		return nil
	}
	return p.start(key, rawURL)
}

type dashboardStub struct {
	mu      sync.Mutex
	started []string
	stopped []string
	err     error
}

func (d *dashboardStub) Start(_ context.Context, key, project string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, key+"|"+project)
	if d.err != nil {
		return nil, d.err
	}
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.stopped = append(d.stopped, key)
	}, nil
}

type managerStub struct {
	mu       sync.Mutex
	calls    []string
	replicas int32
	lines    []string
	err      error
}

func (m *managerStub) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *managerStub) RestartPod(_ context.Context, pod string) error {
	if !cluster.ValidPodName(pod) {
		return cluster.ErrInvalidPodName
	}
	return m.record("restart-pod " + pod)
}

func (m *managerStub) RestartWorkload(_ context.Context, project, service string) error {
	return m.record("restart " + domain.WorkloadName(project, service))
}

func (m *managerStub) Scale(_ context.Context, project, service string, replicas int32) error {
	m.mu.Lock()
	m.replicas = replicas
	m.mu.Unlock()
	return m.record("scale " + domain.WorkloadName(project, service))
}

func (m *managerStub) Logs(_ context.Context, pod string) (string, error) {
	if !cluster.ValidPodName(pod) {
		return "", cluster.ErrInvalidPodName
	}
	return strings.Join(m.lines, "\n"), m.err
}

func (m *managerStub) StreamLogs(ctx context.Context, _ string, onLine func(string) error) error {
	for _, line := range m.lines {
		if err := onLine(line); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *managerStub) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type testDeps struct {
	builds    *buildsStub
	services  servicesStub
	deployer  *deployerStub
	dashboard *dashboardStub
	manager   *managerStub
	bus       *events.Bus
}

func setupRouter(t *testing.T, mutate func(*Deps)) (*Router, *testDeps) {
	t.Helper()
	deps := &testDeps{
		builds: &buildsStub{},
		services: servicesStub{
			1: {ID: 1, Name: "cart", Port: intPtr(3000)},
			2: {ID: 2, Name: "user"},
		},
		deployer:  &deployerStub{},
		dashboard: &dashboardStub{},
		manager:   &managerStub{},
		bus:       events.NewBus(testLogger()),
	}
	cfg := Deps{
		Builds:                 deps.builds,
		Services:               deps.services,
		Deployer:               deps.deployer,
		Pipeline:               pipelineStub{},
		Dashboard:              deps.dashboard,
		Manager:                deps.manager,
		Bus:                    deps.bus,
		DeployStreamTimeout:    2 * time.Second,
		DashboardStreamTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	router := NewRouter(testLogger(), cfg)
	router.heartbeat = 5 * time.Millisecond
	return router, deps
}

func intPtr(v int) *int { return &v }

func doJSON(router *Router, method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	msg, _ := payload["error"].(string)
	return msg
}

func TestRequestDeploymentAccepted(t *testing.T) {
	router, deps := setupRouter(t, nil)
	deps.builds.result = build.RequestResult{Outcome: build.OutcomeAccepted, Repository: "github.com/acme/shop", Services: []string{"cart"}}

	rr := doJSON(router, http.MethodPost, "/repository", map[string]string{"repository_url": "https://github.com/acme/shop.git"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "accepted" {
		t.Fatalf("unexpected status field %v", body["status"])
	}
	if len(deps.builds.requested) != 1 || deps.builds.requested[0] != "https://github.com/acme/shop.git" {
		t.Fatalf("unexpected requests %v", deps.builds.requested)
	}
}

func TestRequestDeploymentAlreadyDeployed(t *testing.T) {
	router, deps := setupRouter(t, nil)
	deps.builds.result = build.RequestResult{Outcome: build.OutcomeAlreadyDeployed}

	rr := doJSON(router, http.MethodPost, "/repository", map[string]string{"repository_url": "github.com/acme/shop"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestRequestDeploymentValidation(t *testing.T) {
	router, _ := setupRouter(t, nil)

	rr := doJSON(router, http.MethodPost, "/repository", map[string]string{"repository_url": "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if msg := parseError(t, rr.Body.String()); msg != "repository_url is required" {
		t.Fatalf("unexpected error message %q", msg)
	}

	req := httptest.NewRequest(http.MethodPost, "/repository", strings.NewReader("{"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed body, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodDelete, "/repository", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "run in progress", err: build.ErrRunInProgress, want: http.StatusConflict},
		{name: "invalid", err: build.ErrInvalidRequest, want: http.StatusBadRequest},
		{name: "empty uri", err: domain.ErrEmptyURI, want: http.StatusBadRequest},
		{name: "not found", err: repository.ErrNotFound, want: http.StatusNotFound},
		{name: "wrapped", err: errors.Join(errors.New("ctx"), repository.ErrInvalidTransition), want: http.StatusBadRequest},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, deps := setupRouter(t, nil)
			deps.builds.err = tc.err
			rr := doJSON(router, http.MethodPost, "/repository", map[string]string{"repository_url": "github.com/acme/shop"})
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestRepositoryStatusAndExists(t *testing.T) {
	router, deps := setupRouter(t, nil)
	deps.builds.status = build.RepositoryStatus{State: domain.RepositoryNotExist}
	deps.builds.exists = true

	rr := doJSON(router, http.MethodGet, "/repository?repo_url=github.com/acme/shop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), string(domain.RepositoryNotExist)) {
		t.Fatalf("expected state in body, got %s", rr.Body.String())
	}

	rr = doJSON(router, http.MethodGet, "/repository", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without repo_url, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodGet, "/repository/exists?repo_url=github.com/acme/shop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"exists":true}` {
		t.Fatalf("unexpected exists body %s", rr.Body.String())
	}
}

func TestOverrideServiceStatus(t *testing.T) {
	router, deps := setupRouter(t, nil)

	rr := doJSON(router, http.MethodPatch, "/service/7/status", map[string]string{"status": "DEPLOYED"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if deps.builds.override.id != 7 || deps.builds.override.value != "DEPLOYED" {
		t.Fatalf("unexpected override %+v", deps.builds.override)
	}

	rr = doJSON(router, http.MethodPatch, "/service/abc/status", map[string]string{"status": "DEPLOYED"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad id, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodPatch, "/service/7/logs", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown path, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodGet, "/service/7/status", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestDeployResolvesStoredServices(t *testing.T) {
	router, deps := setupRouter(t, nil)

	rr := doJSON(router, http.MethodPost, "/api/deploy", map[string]any{
		"projectName": "shop",
		"services": []map[string]any{
			{"serviceId": 1, "imageUri": "123.dkr.ecr/shop-cart:abc"},
			{"serviceId": 2, "imageUri": "123.dkr.ecr/shop-user:abc"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(deps.deployer.requests) != 1 {
		t.Fatalf("expected one deploy call, got %d", len(deps.deployer.requests))
	}
	got := deps.deployer.requests[0]
	if got.ProjectName != "shop" || len(got.Services) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Services[0].Name != "cart" || got.Services[0].Port == nil || *got.Services[0].Port != 3000 {
		t.Fatalf("expected cart resolved with port 3000, got %+v", got.Services[0])
	}
	if got.Services[1].Name != "user" || got.Services[1].Port != nil {
		t.Fatalf("expected user resolved without port, got %+v", got.Services[1])
	}
}

func TestDeployRejectsInvalidRequests(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{name: "no project", body: map[string]any{"services": []map[string]any{{"serviceId": 1, "imageUri": "img"}}}, want: http.StatusBadRequest},
		{name: "no services", body: map[string]any{"projectName": "shop"}, want: http.StatusBadRequest},
		{name: "missing image", body: map[string]any{"projectName": "shop", "services": []map[string]any{{"serviceId": 1}}}, want: http.StatusBadRequest},
		{name: "unknown service", body: map[string]any{"projectName": "shop", "services": []map[string]any{{"serviceId": 9, "imageUri": "img"}}}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, deps := setupRouter(t, nil)
			rr := doJSON(router, http.MethodPost, "/api/deploy", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			if len(deps.deployer.requests) != 0 {
				t.Fatalf("expected no deploy call")
			}
		})
	}
}

func TestApplyIngress(t *testing.T) {
	router, deps := setupRouter(t, nil)

	rr := doJSON(router, http.MethodPost, "/api/ingress", map[string]any{
		"projectName": "shop",
		"services":    []map[string]any{{"serviceId": 1, "imageUri": "img"}, {"serviceId": 2, "imageUri": "img"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if strings.Join(deps.deployer.ingress, ",") != "shop,cart,user" {
		t.Fatalf("unexpected ingress call %v", deps.deployer.ingress)
	}
}

func TestManagementEndpoints(t *testing.T) {
	router, deps := setupRouter(t, nil)
	deps.manager.lines = []string{"booted", "listening"}

	rr := doJSON(router, http.MethodPost, "/management/pod/restart", map[string]string{"podName": "shop-cart-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = doJSON(router, http.MethodPost, "/management/pod/restart", map[string]string{"podName": "Bad_Pod"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for invalid pod, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodPost, "/management/service/restart", map[string]string{
		"repoUrl": "https://github.com/acme/shop.git", "serviceName": "cart",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodPost, "/management/service/scale", map[string]any{
		"repoUrl": "github.com/acme/shop", "serviceName": "cart", "replicas": 3,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if deps.manager.replicas != 3 {
		t.Fatalf("expected 3 replicas, got %d", deps.manager.replicas)
	}

	rr = doJSON(router, http.MethodPost, "/management/service/scale", map[string]any{
		"repoUrl": "github.com/acme/shop", "serviceName": "cart",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without replicas, got %d", rr.Code)
	}

	rr = doJSON(router, http.MethodPost, "/management/service/restart", map[string]string{"serviceName": "cart"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without repoUrl, got %d", rr.Code)
	}

	want := []string{"restart-pod shop-cart-1", "restart shop-cart", "scale shop-cart"}
	if got := deps.manager.recorded(); strings.Join(got, ";") != strings.Join(want, ";") {
		t.Fatalf("expected calls %v, got %v", want, got)
	}

	rr = doJSON(router, http.MethodGet, "/management/logs?pod=shop-cart-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var logs map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if logs["logs"] != "booted\nlistening" {
		t.Fatalf("unexpected logs %q", logs["logs"])
	}
}

func TestHealthReportsComponents(t *testing.T) {
	router, _ := setupRouter(t, func(d *Deps) {
		d.Health = map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
			"docker":   func(context.Context) error { return errors.New("daemon unreachable") },
		}
	})

	rr := doJSON(router, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var body struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", body.Status)
	}
	if body.Components["database"]["status"] != "up" || body.Components["docker"]["error"] != "daemon unreachable" {
		t.Fatalf("unexpected components %v", body.Components)
	}

	healthy, _ := setupRouter(t, nil)
	if rr := doJSON(healthy, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 without checks, got %d", rr.Code)
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	router, _ := setupRouter(t, nil)
	doJSON(router, http.MethodGet, "/healthz", nil)

	rr := doJSON(router, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "happymsp_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}
