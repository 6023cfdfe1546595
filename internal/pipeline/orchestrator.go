// Package pipeline coordinates build completion with the cluster rollout of a
// repository and reports progress on the live channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/metrics"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

// ErrRunActive is returned by Start when the repository is already being
// orchestrated.
var ErrRunActive = errors.New("pipeline: orchestration already running")

// ErrClosed is returned by Start once the Orchestrator is closed.
var ErrClosed = errors.New("pipeline: orchestrator closed")

// Publisher emits live channel events.
type Publisher interface {
	Publish(key, name string, data any)
	ServiceLog(key, service, step, status, message string)
}

// ImageChecker confirms a pushed tag is present in the remote registry.
type ImageChecker interface {
	ImageExists(ctx context.Context, imageURI, tag string) bool
}

// Deployer hands a rollout to the cluster.
type Deployer interface {
	Deploy(ctx context.Context, req cluster.DeployRequest) error
}

// Poller waits on cluster state.
type Poller interface {
	WaitForResources(ctx context.Context, project, service string) error
	WaitForPods(ctx context.Context, project, service string, report cluster.ReportFunc) error
	WaitForIngress(ctx context.Context, project string) (string, error)
	IngressURL(ctx context.Context, project string) string
}

// Submitter schedules background work.
type Submitter interface {
	Go(ctx context.Context, task func()) error
}

// Timings bounds the wait for build artifacts.
type Timings struct {
	ArtifactInterval time.Duration
	ArtifactTimeout  time.Duration
}

// DefaultTimings polls every 3s for up to 10 minutes.
func DefaultTimings() Timings {
	return Timings{ArtifactInterval: 3 * time.Second, ArtifactTimeout: 600 * time.Second}
}

// Options configures an Orchestrator.
type Options struct {
	Store    repository.Store
	Checker  ImageChecker
	Deployer Deployer
	Poller   Poller
	Events   Publisher
	Pool     Submitter
	// Rollouts runs the per-service monitoring chains. Defaults to Pool.
	Rollouts Submitter
	Logger   *slog.Logger
	Timings  Timings
}

// Orchestrator runs stage 1 (wait for artifacts) and stage 2 (deploy and
// monitor every service) of a deployment.
type Orchestrator struct {
	store    repository.Store
	checker  ImageChecker
	deployer Deployer
	poller   Poller
	events   Publisher
	pool     Submitter
	rollouts Submitter
	logger   *slog.Logger
	timings  Timings

	// ctx bounds every run started through Start.
	ctx    context.Context
	cancel context.CancelFunc
	active sync.Map
}

// New constructs an Orchestrator. A nil Checker disables registry
// confirmation.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timings := opts.Timings
	if timings.ArtifactInterval <= 0 || timings.ArtifactTimeout <= 0 {
		timings = DefaultTimings()
	}
	rollouts := opts.Rollouts
	if rollouts == nil {
		rollouts = opts.Pool
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    opts.Store,
		checker:  opts.Checker,
		deployer: opts.Deployer,
		poller:   opts.Poller,
		events:   opts.Events,
		pool:     opts.Pool,
		rollouts: rollouts,
		logger:   logger,
		timings:  timings,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels every run started through Start. Runs still report their
// failure before returning.
func (o *Orchestrator) Close() {
	o.cancel()
}

// Start schedules a run that publishes under key. ctx only bounds the wait
// for a worker; the run itself lives until it finishes or Close is called.
func (o *Orchestrator) Start(ctx context.Context, key, rawURL string) error {
	uri, err := domain.NormalizeURI(rawURL)
	if err != nil {
		return err
	}
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	if _, loaded := o.active.LoadOrStore(uri, key); loaded {
		return ErrRunActive
	}
	err = o.pool.Go(ctx, func() {
		defer o.active.Delete(uri)
		o.Run(o.ctx, key, uri)
	})
	if err != nil {
		o.active.Delete(uri)
		return fmt.Errorf("schedule orchestration: %w", err)
	}
	return nil
}

// Running reports whether uri has an orchestration in flight.
func (o *Orchestrator) Running(uri string) bool {
	_, ok := o.active.Load(uri)
	return ok
}

// Run executes both stages for the normalized uri and reports under key.
// It never panics past its boundary.
func (o *Orchestrator) Run(ctx context.Context, key, uri string) {
	logger := o.logger.With("repository", uri)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("orchestration panicked", "panic", r)
			o.events.Publish(key, events.DeploymentFailed, events.Message{
				Message: fmt.Sprintf("Internal server error occurred: %v", r),
			})
			metrics.PipelineRun("panic")
		}
	}()

	project := domain.ProjectName(uri)
	o.events.Publish(key, events.Stage1Start, events.Message{Message: "🏗️ Stage 1: Building and creating images..."})

	stage1 := time.Now()
	specs, err := o.waitForArtifacts(ctx, uri)
	metrics.ObserveStage("artifacts", stage1)
	if err != nil {
		logger.Warn("artifacts not ready", "error", err)
		o.events.Publish(key, events.Stage1Failed, events.Message{Message: "❌ Build/Deployment preparation timed out"})
		o.events.Publish(key, events.DeploymentFailed, events.Message{
			Message: "Deployment aborted: Build information not found or timed out.",
		})
		metrics.PipelineRun("artifacts_timeout")
		return
	}
	o.events.Publish(key, events.Stage1Success, events.Message{
		Message: fmt.Sprintf("✅ Build complete: %d service images registered", len(specs)),
	})

	stage2 := time.Now()
	defer metrics.ObserveStage("rollout", stage2)
	req := cluster.DeployRequest{ProjectName: project, Services: specs}
	o.events.Publish(key, events.Stage2Start, events.Message{
		Message: fmt.Sprintf("🚀 Starting EKS deployment for %d services (%s).", len(specs), project),
		Payload: req,
	})
	if err := o.deployer.Deploy(ctx, req); err != nil {
		logger.Error("cluster deploy failed", "error", err)
		for _, svc := range specs {
			o.setStatus(svc.ServiceID, domain.StatusFailed, logger)
		}
		o.events.Publish(key, events.DeploymentFailed, events.Message{
			Message: fmt.Sprintf("EKS deployment request failed: %v", err),
		})
		metrics.PipelineRun("deploy_failed")
		return
	}

	if o.monitorAll(ctx, key, project, specs) {
		address := o.poller.IngressURL(ctx, project)
		logger.Info("deployment complete", "project", project, "address", address)
		o.events.Publish(key, events.AllComplete, events.Message{
			Message: "🎉 All services have been successfully deployed!",
			Address: address,
		})
		metrics.PipelineRun("deployed")
		return
	}
	logger.Warn("deployment finished with failures", "project", project)
	o.events.Publish(key, events.DeploymentFailed, events.Message{
		Message: "❌ Deployment failed for some services. Please check the logs.",
	})
	metrics.PipelineRun("failed")
}

// waitForArtifacts polls until every service of uri has a build artifact
// confirmed in the registry, returning the rollout specs.
func (o *Orchestrator) waitForArtifacts(ctx context.Context, uri string) ([]cluster.ServiceSpec, error) {
	var specs []cluster.ServiceSpec
	err := wait.PollUntilContextTimeout(ctx, o.timings.ArtifactInterval, o.timings.ArtifactTimeout, true, func(ctx context.Context) (bool, error) {
		ready, err := o.readySpecs(ctx, uri)
		if err != nil {
			o.logger.Debug("artifact check failed", "repository", uri, "error", err)
			return false, nil
		}
		specs = ready
		return ready != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// readySpecs returns nil until every service has a confirmed artifact.
func (o *Orchestrator) readySpecs(ctx context.Context, uri string) ([]cluster.ServiceSpec, error) {
	repo, err := o.store.FindRepositoryByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if len(repo.Services) == 0 {
		return nil, nil
	}
	specs := make([]cluster.ServiceSpec, 0, len(repo.Services))
	for _, svc := range repo.Services {
		artifacts, err := o.store.ListArtifacts(ctx, svc.ID)
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, nil
		}
		latest := artifacts[len(artifacts)-1]
		if o.checker != nil && !o.checker.ImageExists(ctx, latest.URI, latest.Tag) {
			return nil, nil
		}
		specs = append(specs, cluster.ServiceSpec{
			ServiceID: svc.ID,
			Name:      svc.Name,
			ImageURI:  latest.URI,
			Port:      svc.Port,
		})
	}
	return specs, nil
}

// monitorAll runs one monitoring chain per service concurrently and reports
// whether every chain succeeded.
func (o *Orchestrator) monitorAll(ctx context.Context, key, project string, specs []cluster.ServiceSpec) bool {
	results := make([]bool, len(specs))
	var wg sync.WaitGroup
	for i, svc := range specs {
		i, svc := i, svc
		wg.Add(1)
		err := o.rollouts.Go(ctx, func() {
			defer wg.Done()
			results[i] = o.monitorService(ctx, key, project, svc)
		})
		if err != nil {
			wg.Done()
			o.logger.Error("schedule service monitor failed", "service", svc.Name, "error", err)
			o.setStatus(svc.ServiceID, domain.StatusFailed, o.logger)
		}
	}
	wg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// monitorService walks resource, pod and ingress readiness for one service.
func (o *Orchestrator) monitorService(ctx context.Context, key, project string, svc cluster.ServiceSpec) bool {
	logger := o.logger.With("project", project, "service", svc.Name)
	name := svc.Name
	o.setStatus(svc.ServiceID, domain.StatusDeploying, logger)

	fail := func(step, message string, err error) bool {
		logger.Warn("service rollout failed", "step", step, "error", err)
		o.events.ServiceLog(key, name, step, events.StepFailed, message)
		o.setStatus(svc.ServiceID, domain.StatusFailed, logger)
		return false
	}

	o.events.ServiceLog(key, name, events.StepResource, events.StepPending, "Waiting for K8s resource creation...")
	if err := o.poller.WaitForResources(ctx, project, name); err != nil {
		return fail(events.StepResource, "Resource creation failed", err)
	}
	o.events.ServiceLog(key, name, events.StepResource, events.StepSuccess, "K8s resource creation confirmed")

	err := o.poller.WaitForPods(ctx, project, name, func(status, message string) {
		o.events.ServiceLog(key, name, events.StepPod, status, message)
	})
	if err != nil {
		return fail(events.StepPod, "Pod startup failed (Timeout)", err)
	}

	o.events.ServiceLog(key, name, events.StepIngress, events.StepPending, "Waiting for external access address (ALB) allocation...")
	host, err := o.poller.WaitForIngress(ctx, project)
	if err != nil {
		return fail(events.StepIngress, "Ingress configuration failed", err)
	}
	o.events.ServiceLog(key, name, events.StepIngress, events.StepInfo, "Access address secured: "+host)
	o.events.Publish(key, events.IngressInfo, events.IngressAddress{ServiceName: name, Address: "http://" + host})
	o.events.ServiceLog(key, name, events.StepIngress, events.StepSuccess, "Ready for external access")

	o.setStatus(svc.ServiceID, domain.StatusDeployed, logger)
	logger.Info("service deployed", "host", host)
	return true
}

func (o *Orchestrator) setStatus(id int64, status domain.ServiceStatus, logger *slog.Logger) {
	if err := o.store.UpdateServiceStatus(context.Background(), id, status, false); err != nil {
		logger.Warn("update service status failed", "service_id", id, "status", status, "error", err)
	}
}
