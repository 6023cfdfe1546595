package domain

import (
	"fmt"
	"strings"
)

// ServiceStatus tracks a service through one build, push and deploy run.
type ServiceStatus string

const (
	StatusPending   ServiceStatus = "PENDING"
	StatusBuilding  ServiceStatus = "BUILDING"
	StatusBuilt     ServiceStatus = "BUILT"
	StatusPushing   ServiceStatus = "PUSHING"
	StatusPushed    ServiceStatus = "PUSHED"
	StatusDeploying ServiceStatus = "DEPLOYING"
	StatusDeployed  ServiceStatus = "DEPLOYED"
	StatusFailed    ServiceStatus = "FAILED"
)

var statusOrder = map[ServiceStatus]int{
	StatusPending:   0,
	StatusBuilding:  1,
	StatusBuilt:     2,
	StatusPushing:   3,
	StatusPushed:    4,
	StatusDeploying: 5,
	StatusDeployed:  6,
}

// ParseServiceStatus validates a textual status value.
func ParseServiceStatus(value string) (ServiceStatus, error) {
	status := ServiceStatus(strings.ToUpper(strings.TrimSpace(value)))
	if status == StatusFailed {
		return status, nil
	}
	if _, ok := statusOrder[status]; !ok {
		return "", fmt.Errorf("unknown service status %q", value)
	}
	return status, nil
}

// Terminal reports whether no further pipeline transition is expected.
func (s ServiceStatus) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// InFlight reports whether the build-push driver still owns the service.
func (s ServiceStatus) InFlight() bool {
	switch s {
	case StatusPending, StatusBuilding, StatusBuilt, StatusPushing:
		return true
	}
	return false
}

// Artifacted reports whether a build artifact must exist for the status.
func (s ServiceStatus) Artifacted() bool {
	rank, ok := statusOrder[s]
	return ok && rank >= statusOrder[StatusPushed]
}

// CanTransition reports whether moving from s to next keeps the run monotonic.
// A reset to PENDING starts a fresh run and is always allowed.
func (s ServiceStatus) CanTransition(next ServiceStatus) bool {
	if next == StatusPending {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	return okFrom && okTo && to > from
}

// RepositoryState is the aggregate deployment state of a repository.
type RepositoryState string

const (
	RepositoryDeployed  RepositoryState = "DEPLOYED"
	RepositoryDeploying RepositoryState = "DEPLOYING"
	RepositoryNotExist  RepositoryState = "NOT_EXIST"
)

// AggregateState folds service statuses into the repository state.
func AggregateState(services []Service) RepositoryState {
	if len(services) == 0 {
		return RepositoryNotExist
	}
	for _, svc := range services {
		if svc.Status != StatusDeployed {
			return RepositoryDeploying
		}
	}
	return RepositoryDeployed
}
