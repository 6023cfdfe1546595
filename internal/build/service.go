// Package build drives the build-push half of a deployment: clone, discover,
// then build and push every service image in turn.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/docker"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/git"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/lock"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/metrics"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/registry"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/scanner"
)

const buildLogLimit = 64 << 10

var (
	// ErrRunInProgress indicates another run holds the repository.
	ErrRunInProgress = errors.New("build: deployment already in progress")
	// ErrInvalidRequest wraps user input the pipeline cannot act on.
	ErrInvalidRequest = errors.New("build: invalid request")
)

// Cloner fetches a repository into a directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string) (git.CloneResult, error)
}

// Workspace hands out scratch directories.
type Workspace interface {
	Prepare() (string, error)
	Cleanup(path string) error
}

// ImageBuilder builds a service image; failures are reported in the result.
type ImageBuilder interface {
	BuildImage(ctx context.Context, serviceName, dir, tag string) docker.BuildResult
}

// ImagePusher publishes a local image; failures are reported in the result.
type ImagePusher interface {
	PushImage(ctx context.Context, serviceName, localTag string) registry.PushResult
	RegistryURI() string
}

// Submitter schedules background work.
type Submitter interface {
	Go(ctx context.Context, task func()) error
}

// Outcome of a deployment request.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeAlreadyDeployed Outcome = "already_deployed"
)

// RequestResult is returned to the caller of RequestDeployment.
type RequestResult struct {
	Outcome    Outcome  `json:"status"`
	Repository string   `json:"repository"`
	Commit     string   `json:"commit"`
	Services   []string `json:"services,omitempty"`
}

// Options configures a Service.
type Options struct {
	Store     repository.Store
	Cloner    Cloner
	Workspace Workspace
	Builder   ImageBuilder
	Pusher    ImagePusher
	Locker    lock.Locker
	Pool      Submitter
	Logger    *slog.Logger

	// RunTimeout bounds one asynchronous build-push run.
	RunTimeout time.Duration
}

// Service implements the build-push pipeline.
type Service struct {
	store      repository.Store
	cloner     Cloner
	workspace  Workspace
	builder    ImageBuilder
	pusher     ImagePusher
	locker     lock.Locker
	pool       Submitter
	logger     *slog.Logger
	runTimeout time.Duration
}

// New constructs a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		store:      opts.Store,
		cloner:     opts.Cloner,
		workspace:  opts.Workspace,
		builder:    opts.Builder,
		pusher:     opts.Pusher,
		locker:     locker,
		pool:       opts.Pool,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// job is everything the asynchronous driver needs for one run.
type job struct {
	repoID   int64
	uri      string
	project  string
	commit   string
	dir      string
	services []runService
	release  func()
}

type runService struct {
	id   int64
	info scanner.ServiceInfo
}

// RequestDeployment resolves the repository head and, unless it was already
// deployed, registers the discovered services and schedules the build-push run.
func (s *Service) RequestDeployment(ctx context.Context, rawURL string) (RequestResult, error) {
	uri, err := domain.NormalizeURI(rawURL)
	if err != nil {
		return RequestResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	release, err := s.locker.Acquire(ctx, uri, s.runTimeout+time.Minute)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return RequestResult{}, ErrRunInProgress
		}
		return RequestResult{}, err
	}

	dir, err := s.workspace.Prepare()
	if err != nil {
		release()
		return RequestResult{}, fmt.Errorf("prepare workspace: %w", err)
	}
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		s.cleanup(dir)
		release()
	}()

	cloneURL := strings.TrimSpace(rawURL)
	if !strings.Contains(cloneURL, "://") {
		cloneURL = git.CloneURL(uri)
	}
	clone, err := s.cloner.Clone(ctx, cloneURL, dir)
	if err != nil {
		if errors.Is(err, git.ErrServicesDirMissing) {
			return RequestResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return RequestResult{}, fmt.Errorf("clone %s: %w", uri, err)
	}
	result := RequestResult{Repository: uri, Commit: clone.Commit}

	repo, err := s.store.FindRepositoryByURI(ctx, uri)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		repo = &domain.Repository{URI: uri}
		if err := s.store.CreateRepository(ctx, repo); err != nil {
			return RequestResult{}, fmt.Errorf("create repository: %w", err)
		}
		s.logger.Info("repository registered", "repository", uri, "id", repo.ID)
	case err != nil:
		return RequestResult{}, fmt.Errorf("load repository: %w", err)
	}

	if repo.LatestCommit != "" && repo.LatestCommit == clone.Commit {
		s.logger.Info("commit already deployed", "repository", uri, "commit", clone.Commit)
		result.Outcome = OutcomeAlreadyDeployed
		for _, svc := range repo.Services {
			result.Services = append(result.Services, svc.Name)
		}
		return result, nil
	}

	scan, err := scanner.Scan(clone.Path, s.logger)
	if err != nil {
		return RequestResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	j := &job{
		repoID:  repo.ID,
		uri:     uri,
		project: domain.ProjectName(uri),
		commit:  clone.Commit,
		dir:     dir,
		release: release,
	}
	for _, info := range scan.Services {
		svc := &domain.Service{
			RepositoryID: repo.ID,
			Name:         info.Name,
			Address:      s.placeholderAddress(info.Name),
			Port:         info.Port,
			Status:       domain.StatusPending,
		}
		if err := s.store.UpsertService(ctx, svc); err != nil {
			return RequestResult{}, fmt.Errorf("register service %s: %w", info.Name, err)
		}
		if err := s.store.DeleteArtifacts(ctx, svc.ID); err != nil {
			return RequestResult{}, fmt.Errorf("reset artifacts of %s: %w", info.Name, err)
		}
		j.services = append(j.services, runService{id: svc.ID, info: info})
		result.Services = append(result.Services, info.Name)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	err = s.pool.Go(ctx, func() {
		defer cancel()
		s.run(runCtx, j)
	})
	if err != nil {
		cancel()
		s.failInFlight(context.Background(), repo.ID)
		return RequestResult{}, fmt.Errorf("schedule build: %w", err)
	}
	handedOff = true

	s.logger.Info("deployment accepted", "repository", uri, "commit", clone.Commit, "services", len(j.services))
	result.Outcome = OutcomeAccepted
	return result, nil
}

func (s *Service) placeholderAddress(name string) string {
	registryURI := ""
	if s.pusher != nil {
		registryURI = s.pusher.RegistryURI()
	}
	if registryURI == "" {
		return name + ":latest"
	}
	return registryURI + "/" + name + ":latest"
}

// run builds and pushes each service sequentially. It owns the scratch
// directory and the run lock and never panics past its boundary.
func (s *Service) run(ctx context.Context, j *job) {
	start := time.Now()
	logger := s.logger.With("repository", j.uri, "commit", j.commit)
	defer j.release()
	defer s.cleanup(j.dir)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("build run panicked", "panic", r)
			s.failInFlight(context.Background(), j.repoID)
			metrics.PipelineRun("build_panic")
		}
	}()

	if _, err := s.store.GetRepository(ctx, j.repoID); err != nil {
		logger.Error("build run aborted", "error", err)
		s.failInFlight(context.Background(), j.repoID)
		return
	}

	var failed int
	for _, svc := range j.services {
		if !s.processService(ctx, logger.With("service", svc.info.Name), j, svc) {
			failed++
		}
	}

	if err := s.store.UpdateLatestCommit(context.Background(), j.repoID, j.commit); err != nil {
		logger.Error("update latest commit failed", "error", err)
	}
	metrics.ObserveStage("build_push", start)
	logger.Info("build run finished", "services", len(j.services), "failed", failed, "duration", time.Since(start).String())
}

// processService returns false when the service ended FAILED.
func (s *Service) processService(ctx context.Context, logger *slog.Logger, j *job, svc runService) bool {
	fail := func(stage, buildLog string, err error) bool {
		logger.Error("service build-push failed", "stage", stage, "error", err)
		if buildLog != "" {
			if err := s.store.UpdateServiceBuildLog(context.Background(), svc.id, tail(buildLog)); err != nil {
				logger.Warn("persist build log failed", "error", err)
			}
		}
		if err := s.store.UpdateServiceStatus(context.Background(), svc.id, domain.StatusFailed, false); err != nil {
			logger.Warn("mark service failed", "error", err)
		}
		metrics.ServiceBuild(stage + "_failed")
		return false
	}

	if err := s.store.UpdateServiceStatus(ctx, svc.id, domain.StatusBuilding, false); err != nil {
		return fail("build", "", err)
	}
	tag := domain.ImageTag(j.project, svc.info.Name, j.commit)
	built := s.builder.BuildImage(ctx, svc.info.Name, svc.info.Path, tag)
	if !built.Success {
		return fail("build", built.Log, built.Err)
	}
	logger.Info("image built", "tag", tag)

	for _, next := range []domain.ServiceStatus{domain.StatusBuilt, domain.StatusPushing} {
		if err := s.store.UpdateServiceStatus(ctx, svc.id, next, false); err != nil {
			return fail("push", built.Log, err)
		}
	}
	pushed := s.pusher.PushImage(ctx, svc.info.Name, tag)
	if !pushed.Success {
		log := built.Log
		if pushed.Log != "" {
			log += "\n" + pushed.Log
		}
		return fail("push", log+"\npush failed: "+pushed.Error, errors.New(pushed.Error))
	}

	if err := s.store.UpdateServiceAddress(ctx, svc.id, pushed.ImageURI); err != nil {
		return fail("push", built.Log, err)
	}
	_, commitTag := domain.SplitImageRef(tag)
	artifact := &domain.BuildArtifact{
		ServiceID: svc.id,
		Name:      domain.ImageName(j.project, svc.info.Name),
		URI:       pushed.ImageURI,
		Tag:       commitTag,
	}
	if err := s.store.CreateArtifact(ctx, artifact); err != nil {
		return fail("push", built.Log, err)
	}
	if err := s.store.UpdateServiceStatus(ctx, svc.id, domain.StatusPushed, false); err != nil {
		_ = s.store.DeleteArtifacts(context.Background(), svc.id)
		return fail("push", built.Log, err)
	}
	if err := s.store.UpdateServiceBuildLog(ctx, svc.id, tail(built.Log)); err != nil {
		logger.Warn("persist build log failed", "error", err)
	}
	metrics.ServiceBuild("pushed")
	logger.Info("image pushed", "image", pushed.ImageURI)
	return true
}

// failInFlight marks every service the driver still owns as FAILED.
func (s *Service) failInFlight(ctx context.Context, repoID int64) {
	services, err := s.store.ListServices(ctx, repoID)
	if err != nil {
		s.logger.Error("list services for cleanup failed", "repository_id", repoID, "error", err)
		return
	}
	for _, svc := range services {
		if !svc.Status.InFlight() {
			continue
		}
		if err := s.store.UpdateServiceStatus(ctx, svc.ID, domain.StatusFailed, false); err != nil {
			s.logger.Warn("mark service failed", "service", svc.Name, "error", err)
		}
	}
}

func (s *Service) cleanup(dir string) {
	if err := s.workspace.Cleanup(dir); err != nil {
		s.logger.Warn("workspace cleanup failed", "dir", dir, "error", err)
	}
}

// tail keeps the last buildLogLimit bytes of log, starting on a rune
// boundary so the result stays valid UTF-8.
func tail(log string) string {
	if len(log) <= buildLogLimit {
		return log
	}
	start := len(log) - buildLogLimit
	for start < len(log) && !utf8.RuneStart(log[start]) {
		start++
	}
	return log[start:]
}
