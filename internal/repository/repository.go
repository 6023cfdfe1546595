package repository

import (
	"context"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
)

// RepositoryStore persists monorepos keyed by normalized URI.
type RepositoryStore interface {
	FindRepositoryByURI(ctx context.Context, uri string) (*domain.Repository, error)
	GetRepository(ctx context.Context, id int64) (*domain.Repository, error)
	CreateRepository(ctx context.Context, repo *domain.Repository) error
	UpdateLatestCommit(ctx context.Context, id int64, commit string) error
}

// ServiceStore persists the services discovered in a repository.
type ServiceStore interface {
	// UpsertService inserts or updates the service identified by repository and name.
	UpsertService(ctx context.Context, svc *domain.Service) error
	GetService(ctx context.Context, id int64) (*domain.Service, error)
	ListServices(ctx context.Context, repositoryID int64) ([]domain.Service, error)
	// UpdateServiceStatus stores status when the lifecycle allows the change,
	// otherwise it returns ErrInvalidTransition. Force skips the check.
	UpdateServiceStatus(ctx context.Context, id int64, status domain.ServiceStatus, force bool) error
	UpdateServiceAddress(ctx context.Context, id int64, address string) error
	UpdateServiceBuildLog(ctx context.Context, id int64, log string) error
}

// ArtifactStore persists pushed image records.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact *domain.BuildArtifact) error
	ListArtifacts(ctx context.Context, serviceID int64) ([]domain.BuildArtifact, error)
	DeleteArtifacts(ctx context.Context, serviceID int64) error
}

// Store aggregates every persistence capability.
type Store interface {
	RepositoryStore
	ServiceStore
	ArtifactStore
	Ping(ctx context.Context) error
}
