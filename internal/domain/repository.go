package domain

import "time"

// Repository is a monorepo registered for deployment.
type Repository struct {
	ID           int64     `json:"id"`
	URI          string    `json:"uri"`
	LatestCommit string    `json:"latest_commit"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Services     []Service `json:"services,omitempty"`
}

// Service is one independently buildable directory under services/.
type Service struct {
	ID           int64         `json:"id"`
	RepositoryID int64         `json:"repository_id"`
	Name         string        `json:"name"`
	Address      string        `json:"address"`
	Port         *int          `json:"port,omitempty"`
	Status       ServiceStatus `json:"status"`
	BuildLog     string        `json:"-"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// BuildArtifact records an image pushed to the registry for a service.
type BuildArtifact struct {
	ID        int64     `json:"id"`
	ServiceID int64     `json:"service_id"`
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}
