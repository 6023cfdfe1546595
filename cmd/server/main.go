package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/app/migrate"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/build"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/dashboard"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/docker"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/git"
	httpx "github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/http"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/lock"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/metrics"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/pipeline"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/registry"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository/memory"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository/postgres"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/workerpool"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/workspace"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/pkg/config"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("server", logger.ParseLevel(cfg.LogLevel))
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]func(context.Context) error{}

	var store repository.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				log.Error("failed to configure migrations", "error", err)
				os.Exit(1)
			}
			if err := runner.Up(ctx); err != nil {
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		store = postgres.New(pool)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.New()
	}
	health["database"] = store.Ping

	var locker lock.Locker = lock.NewLocal()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLocker, err := lock.NewRedis(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis lock unavailable, using in-process locks", "error", err)
		} else {
			defer redisLocker.Close()
			locker = redisLocker
		}
	}

	dockerClient, err := docker.New(docker.Options{
		Host:       cfg.DockerHost,
		APIVersion: cfg.DockerAPIVersion,
		Platform:   cfg.DockerPlatform,
	})
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if daemon, err := dockerClient.Describe(ctx); err != nil {
		log.Warn("docker daemon unreachable", "error", err)
	} else {
		log.Info("docker daemon connected", "version", daemon.Version, "api", daemon.APIVersion, "os", daemon.OS, "arch", daemon.Arch, "platform", dockerClient.Platform())
	}
	health["docker"] = dockerClient.Ping

	var ecrAPI ecriface.ECRAPI
	if cfg.ECRRegistryURI != "" {
		ecrAPI, err = registry.NewECRAPI(cfg.AWSRegion)
		if err != nil {
			log.Error("failed to create ecr client", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("ECR_REGISTRY_URI not set, registry pushes disabled")
	}
	registryClient := registry.New(ecrAPI, dockerClient, cfg.ECRRegistryURI, log)

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	kube, err := cluster.NewClientset()
	if err != nil {
		log.Error("failed to create kubernetes client", "error", err)
		os.Exit(1)
	}
	health["kubernetes"] = func(context.Context) error {
		_, err := kube.Discovery().ServerVersion()
		return err
	}

	buildPool := workerpool.New("build", cfg.BuildWorkers, log)
	monitorPool := workerpool.New("monitor", cfg.MonitorWorkers, log)
	rolloutPool := workerpool.New("rollout", cfg.MonitorWorkers, log)
	dashboardPool := workerpool.New("dashboard", cfg.MonitorWorkers, log)
	bus := events.NewBus(log)

	secrets := cluster.NewPullSecrets(kube, cfg.KubeNamespace, cfg.PullSecretName, registryClient, cfg.PullSecretAutoCreate && registryClient.Enabled(), log)
	if err := secrets.Ensure(ctx); err != nil {
		log.Warn("initial pull secret bootstrap failed", "error", err)
	}
	refresher, err := cluster.NewRefresher(secrets, cfg.PullSecretRefreshSpec)
	if err != nil {
		log.Error("invalid pull secret schedule", "error", err)
		os.Exit(1)
	}
	refresher.Start()

	deployer := cluster.NewDeployer(kube, cfg.KubeNamespace, secrets, log)
	poller := cluster.NewPoller(kube, cfg.KubeNamespace, cluster.DefaultBudgets(), log)

	buildSvc := build.New(build.Options{
		Store:      store,
		Cloner:     git.NewCloner(cfg.GitTimeout),
		Workspace:  workspaceManager,
		Builder:    dockerClient,
		Pusher:     registryClient,
		Locker:     locker,
		Pool:       buildPool,
		Logger:     log,
		RunTimeout: cfg.BuildTimeout,
	})

	var checker pipeline.ImageChecker
	if cfg.ECRCheckEnabled && registryClient.Enabled() {
		checker = registryClient
	}
	orchestrator := pipeline.New(pipeline.Options{
		Store:    store,
		Checker:  checker,
		Deployer: deployer,
		Poller:   poller,
		Events:   bus,
		Pool:     monitorPool,
		Rollouts: rolloutPool,
		Logger:   log,
	})

	monitor := dashboard.New(dashboard.Options{
		Client:    kube,
		Namespace: cfg.KubeNamespace,
		Usage:     cluster.NewUsageReader(cfg.KubectlPath, cfg.KubeNamespace),
		Events:    bus,
		Pool:      dashboardPool,
		Logger:    log,
	})

	router := httpx.NewRouter(log, httpx.Deps{
		Builds:                 buildSvc,
		Services:               store,
		Deployer:               deployer,
		Pipeline:               orchestrator,
		Dashboard:              monitor,
		Manager:                cluster.NewManager(kube, cfg.KubeNamespace, log),
		Bus:                    bus,
		Health:                 health,
		DeployStreamTimeout:    cfg.DeployStreamTimeout,
		DashboardStreamTimeout: cfg.DashboardStreamTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	refresher.Stop()
	monitor.Close()
	orchestrator.Close()
	buildPool.Close()
	monitorPool.Close()
	rolloutPool.Close()
	dashboardPool.Close()
	log.Info("server stopped")
}
