// Package memory provides an in-process Store used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

// Store keeps repositories, services and artifacts in maps.
type Store struct {
	mu sync.RWMutex

	nextID    int64
	repos     map[int64]domain.Repository
	services  map[int64]domain.Service
	artifacts map[int64][]domain.BuildArtifact
	now       func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		repos:     make(map[int64]domain.Repository),
		services:  make(map[int64]domain.Service),
		artifacts: make(map[int64][]domain.BuildArtifact),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) FindRepositoryByURI(_ context.Context, uri string) (*domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, repo := range s.repos {
		if repo.URI == uri {
			return s.withServices(repo), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetRepository(_ context.Context, id int64) (*domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.withServices(repo), nil
}

// withServices must be called with the lock held.
func (s *Store) withServices(repo domain.Repository) *domain.Repository {
	repo.Services = s.listServices(repo.ID)
	return &repo
}

func (s *Store) CreateRepository(_ context.Context, repo *domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	repo.ID = s.id()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	stored := *repo
	stored.Services = nil
	s.repos[repo.ID] = stored
	return nil
}

func (s *Store) UpdateLatestCommit(_ context.Context, id int64, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return repository.ErrNotFound
	}
	repo.LatestCommit = commit
	repo.UpdatedAt = s.now()
	s.repos[id] = repo
	return nil
}

func (s *Store) UpsertService(_ context.Context, svc *domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[svc.RepositoryID]; !ok {
		return repository.ErrNotFound
	}
	svc.UpdatedAt = s.now()
	for id, existing := range s.services {
		if existing.RepositoryID == svc.RepositoryID && existing.Name == svc.Name {
			svc.ID = id
			if svc.BuildLog == "" {
				svc.BuildLog = existing.BuildLog
			}
			s.services[id] = *svc
			return nil
		}
	}
	svc.ID = s.id()
	s.services[svc.ID] = *svc
	return nil
}

func (s *Store) GetService(_ context.Context, id int64) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &svc, nil
}

func (s *Store) ListServices(_ context.Context, repositoryID int64) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listServices(repositoryID), nil
}

func (s *Store) listServices(repositoryID int64) []domain.Service {
	var out []domain.Service
	for _, svc := range s.services {
		if svc.RepositoryID == repositoryID {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) UpdateServiceStatus(_ context.Context, id int64, status domain.ServiceStatus, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !force && !svc.Status.CanTransition(status) {
		return repository.ErrInvalidTransition
	}
	svc.Status = status
	svc.UpdatedAt = s.now()
	s.services[id] = svc
	return nil
}

func (s *Store) UpdateServiceAddress(_ context.Context, id int64, address string) error {
	return s.mutateService(id, func(svc *domain.Service) { svc.Address = address })
}

func (s *Store) UpdateServiceBuildLog(_ context.Context, id int64, log string) error {
	return s.mutateService(id, func(svc *domain.Service) { svc.BuildLog = log })
}

func (s *Store) mutateService(id int64, fn func(*domain.Service)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&svc)
	svc.UpdatedAt = s.now()
	s.services[id] = svc
	return nil
}

func (s *Store) CreateArtifact(_ context.Context, artifact *domain.BuildArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[artifact.ServiceID]; !ok {
		return repository.ErrNotFound
	}
	artifact.ID = s.id()
	artifact.CreatedAt = s.now()
	s.artifacts[artifact.ServiceID] = append(s.artifacts[artifact.ServiceID], *artifact)
	return nil
}

func (s *Store) ListArtifacts(_ context.Context, serviceID int64) ([]domain.BuildArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BuildArtifact, len(s.artifacts[serviceID]))
	copy(out, s.artifacts[serviceID])
	return out, nil
}

func (s *Store) DeleteArtifacts(_ context.Context, serviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, serviceID)
	return nil
}
