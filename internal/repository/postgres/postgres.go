package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

// Repository implements the store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.RepositoryStore = (*Repository)(nil)
	_ repository.ServiceStore    = (*Repository)(nil)
	_ repository.ArtifactStore   = (*Repository)(nil)
	_ repository.Store           = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// FindRepositoryByURI loads a repository and its services by normalized URI.
func (r *Repository) FindRepositoryByURI(ctx context.Context, uri string) (*domain.Repository, error) {
	const query = `SELECT id, uri, latest_commit, created_at, updated_at FROM repositories WHERE uri = $1`
	return r.loadRepository(ctx, query, uri)
}

// GetRepository loads a repository and its services by identifier.
func (r *Repository) GetRepository(ctx context.Context, id int64) (*domain.Repository, error) {
	const query = `SELECT id, uri, latest_commit, created_at, updated_at FROM repositories WHERE id = $1`
	return r.loadRepository(ctx, query, id)
}

func (r *Repository) loadRepository(ctx context.Context, query string, arg any) (*domain.Repository, error) {
	var repo domain.Repository
	row := r.pool.QueryRow(ctx, query, arg)
	if err := row.Scan(&repo.ID, &repo.URI, &repo.LatestCommit, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	services, err := r.ListServices(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	repo.Services = services
	return &repo, nil
}

// CreateRepository inserts a repository row.
func (r *Repository) CreateRepository(ctx context.Context, repo *domain.Repository) error {
	const query = `INSERT INTO repositories (uri, latest_commit)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, query, repo.URI, repo.LatestCommit).Scan(&repo.ID, &repo.CreatedAt, &repo.UpdatedAt)
}

// UpdateLatestCommit stores the last commit a run completed for.
func (r *Repository) UpdateLatestCommit(ctx context.Context, id int64, commit string) error {
	const query = `UPDATE repositories SET latest_commit = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, commit)
}

// UpsertService inserts or refreshes a service keyed by repository and name.
func (r *Repository) UpsertService(ctx context.Context, svc *domain.Service) error {
	const query = `INSERT INTO services (repository_id, name, address, port, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repository_id, name) DO UPDATE
		SET address = EXCLUDED.address, port = EXCLUDED.port, status = EXCLUDED.status, updated_at = NOW()
		RETURNING id, updated_at`
	return r.pool.QueryRow(ctx, query, svc.RepositoryID, svc.Name, svc.Address, svc.Port, string(svc.Status)).
		Scan(&svc.ID, &svc.UpdatedAt)
}

// GetService loads one service.
func (r *Repository) GetService(ctx context.Context, id int64) (*domain.Service, error) {
	const query = `SELECT id, repository_id, name, address, port, status, build_log, updated_at FROM services WHERE id = $1`
	var svc domain.Service
	var status string
	row := r.pool.QueryRow(ctx, query, id)
	if err := row.Scan(&svc.ID, &svc.RepositoryID, &svc.Name, &svc.Address, &svc.Port, &status, &svc.BuildLog, &svc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	svc.Status = domain.ServiceStatus(status)
	return &svc, nil
}

// ListServices returns the services of a repository ordered by id.
func (r *Repository) ListServices(ctx context.Context, repositoryID int64) ([]domain.Service, error) {
	const query = `SELECT id, repository_id, name, address, port, status, build_log, updated_at
		FROM services WHERE repository_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []domain.Service
	for rows.Next() {
		var svc domain.Service
		var status string
		if err := rows.Scan(&svc.ID, &svc.RepositoryID, &svc.Name, &svc.Address, &svc.Port, &status, &svc.BuildLog, &svc.UpdatedAt); err != nil {
			return nil, err
		}
		svc.Status = domain.ServiceStatus(status)
		services = append(services, svc)
	}
	return services, rows.Err()
}

// UpdateServiceStatus changes status, rejecting lifecycle violations unless forced.
func (r *Repository) UpdateServiceStatus(ctx context.Context, id int64, status domain.ServiceStatus, force bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const lockQuery = `SELECT status FROM services WHERE id = $1 FOR UPDATE`
	var current string
	if err := tx.QueryRow(ctx, lockQuery, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if !force && !domain.ServiceStatus(current).CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current, status)
	}

	const updateQuery = `UPDATE services SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateQuery, id, string(status)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateServiceAddress stores the resolved image address.
func (r *Repository) UpdateServiceAddress(ctx context.Context, id int64, address string) error {
	const query = `UPDATE services SET address = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, address)
}

// UpdateServiceBuildLog stores the retained build log tail.
func (r *Repository) UpdateServiceBuildLog(ctx context.Context, id int64, log string) error {
	const query = `UPDATE services SET build_log = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, log)
}

// CreateArtifact records a pushed image.
func (r *Repository) CreateArtifact(ctx context.Context, artifact *domain.BuildArtifact) error {
	const query = `INSERT INTO build_artifacts (service_id, name, uri, tag)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query, artifact.ServiceID, artifact.Name, artifact.URI, artifact.Tag).
		Scan(&artifact.ID, &artifact.CreatedAt)
}

// ListArtifacts returns a service's artifacts, newest last.
func (r *Repository) ListArtifacts(ctx context.Context, serviceID int64) ([]domain.BuildArtifact, error) {
	const query = `SELECT id, service_id, name, uri, tag, created_at
		FROM build_artifacts WHERE service_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.BuildArtifact
	for rows.Next() {
		var a domain.BuildArtifact
		if err := rows.Scan(&a.ID, &a.ServiceID, &a.Name, &a.URI, &a.Tag, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifacts removes every artifact of a service.
func (r *Repository) DeleteArtifacts(ctx context.Context, serviceID int64) error {
	const query = `DELETE FROM build_artifacts WHERE service_id = $1`
	_, err := r.pool.Exec(ctx, query, serviceID)
	return err
}

func (r *Repository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
