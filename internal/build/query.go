package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/repository"
)

// RepositoryStatus is the aggregate view served to clients.
type RepositoryStatus struct {
	State      domain.RepositoryState `json:"state"`
	Repository *domain.Repository     `json:"repository,omitempty"`
}

// GetRepositoryStatus folds the service statuses of rawURL into one state.
// Unknown repositories report NOT_EXIST.
func (s *Service) GetRepositoryStatus(ctx context.Context, rawURL string) (RepositoryStatus, error) {
	uri, err := domain.NormalizeURI(rawURL)
	if err != nil {
		return RepositoryStatus{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	repo, err := s.store.FindRepositoryByURI(ctx, uri)
	if errors.Is(err, repository.ErrNotFound) {
		return RepositoryStatus{State: domain.RepositoryNotExist}, nil
	}
	if err != nil {
		return RepositoryStatus{}, err
	}
	return RepositoryStatus{State: domain.AggregateState(repo.Services), Repository: repo}, nil
}

// Exists reports whether rawURL has been registered.
func (s *Service) Exists(ctx context.Context, rawURL string) (bool, error) {
	uri, err := domain.NormalizeURI(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	_, err = s.store.FindRepositoryByURI(ctx, uri)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// OverrideServiceStatus stores an operator supplied status without lifecycle checks.
func (s *Service) OverrideServiceStatus(ctx context.Context, id int64, value string) (*domain.Service, error) {
	status, err := domain.ParseServiceStatus(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.store.UpdateServiceStatus(ctx, id, status, true); err != nil {
		return nil, err
	}
	s.logger.Info("service status overridden", "service_id", id, "status", status)
	return s.store.GetService(ctx, id)
}
