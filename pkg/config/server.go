package config

import "time"

// ServerConfig holds runtime configuration for the deployment server.
type ServerConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DockerHost       string
	DockerAPIVersion string
	DockerPlatform   string
	Workdir          string
	GitTimeout       time.Duration
	BuildTimeout     time.Duration

	AWSRegion       string
	ECRRegistryURI  string
	ECRCheckEnabled bool

	KubeNamespace         string
	PullSecretName        string
	PullSecretAutoCreate  bool
	PullSecretRefreshSpec string
	KubectlPath           string

	BuildWorkers   int
	MonitorWorkers int

	DeployStreamTimeout    time.Duration
	DashboardStreamTimeout time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("SERVER_ADDR", ":8080"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("MIGRATIONS_DIR", "migrations"),
		AutoMigrate:   GetBool("AUTO_MIGRATE", true),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerAPIVersion: GetString("DOCKER_API_VERSION", ""),
		DockerPlatform:   GetString("DOCKER_BUILD_PLATFORM", "linux/amd64"),
		Workdir:          GetString("BUILD_WORKSPACE_PATH", "/tmp/happymsp"),
		GitTimeout:       GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		BuildTimeout:     GetSeconds("BUILD_TIMEOUT_SECONDS", 1800),

		AWSRegion:       GetString("AWS_REGION", "ap-northeast-2"),
		ECRRegistryURI:  GetString("ECR_REGISTRY_URI", ""),
		ECRCheckEnabled: GetBool("ECR_CHECK_ENABLED", true),

		KubeNamespace:         GetString("K8S_NAMESPACE", "default"),
		PullSecretName:        GetString("K8S_PULL_SECRET_NAME", "ecr-registry-secret"),
		PullSecretAutoCreate:  GetBool("K8S_PULL_SECRET_AUTO_CREATE", true),
		PullSecretRefreshSpec: GetString("K8S_PULL_SECRET_REFRESH", "@every 6h"),
		KubectlPath:           GetString("KUBECTL_PATH", "kubectl"),

		BuildWorkers:   GetInt("BUILD_WORKERS", 4),
		MonitorWorkers: GetInt("MONITOR_WORKERS", 64),

		DeployStreamTimeout:    GetSeconds("DEPLOY_STREAM_TIMEOUT_SECONDS", 300),
		DashboardStreamTimeout: GetSeconds("DASHBOARD_STREAM_TIMEOUT_SECONDS", 1800),
	}
}
