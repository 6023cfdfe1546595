package domain

import (
	"errors"
	"regexp"
	"strings"
)

const (
	// DefaultContainerPort is used when a manifest declares no EXPOSE port.
	DefaultContainerPort = 8080
	// EndpointPort is the port every network endpoint listens on.
	EndpointPort = 80

	metricKeySuffix = "-metric"
	unknownProject  = "unknown-repo"
)

var (
	serviceNamePattern   = regexp.MustCompile(`^[a-z0-9]{1,20}$`)
	projectDisallowed    = regexp.MustCompile(`[^a-z0-9.-]`)
	repositoryDisallowed = regexp.MustCompile(`[^a-z0-9._-]`)

	schemes = []string{"https://", "http://", "git://"}
)

// ErrEmptyURI is returned when a repository URL is blank.
var ErrEmptyURI = errors.New("repository url cannot be empty")

// NormalizeURI strips one scheme prefix, one trailing slash and one trailing
// .git suffix so that every spelling of a repository maps to one lookup key.
func NormalizeURI(raw string) (string, error) {
	uri := strings.TrimSpace(raw)
	if uri == "" {
		return "", ErrEmptyURI
	}
	for _, scheme := range schemes {
		if strings.HasPrefix(uri, scheme) {
			uri = strings.TrimPrefix(uri, scheme)
			break
		}
	}
	uri = strings.TrimSuffix(uri, "/")
	uri = strings.TrimSuffix(uri, ".git")
	if uri == "" {
		return "", ErrEmptyURI
	}
	return uri, nil
}

// ValidServiceName reports whether name may be used as a service identifier.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}

// ProjectName derives the cluster name prefix from a normalized URI.
func ProjectName(normalizedURI string) string {
	trimmed := strings.TrimRight(normalizedURI, "/")
	segment := trimmed
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		segment = trimmed[idx+1:]
	}
	if segment == "" {
		return unknownProject
	}
	return projectDisallowed.ReplaceAllString(strings.ToLower(segment), "-")
}

// WorkloadName names the Deployment for a service.
func WorkloadName(project, service string) string {
	return project + "-" + service
}

// EndpointName names the network Service for a service.
func EndpointName(service string) string {
	return service
}

// IngressName names the project-wide external address resource.
func IngressName(project string) string {
	return project + "-ingress"
}

// ImageName is the local image name and the registry namespace for a service.
func ImageName(project, service string) string {
	name := strings.ToLower(strings.TrimSpace(project)) + "-" + strings.ToLower(strings.TrimSpace(service))
	return repositoryDisallowed.ReplaceAllString(name, "-")
}

// ShortCommit truncates a commit hash to seven characters.
func ShortCommit(sha string) string {
	sha = strings.TrimSpace(sha)
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// ImageTag builds the local image reference <project>-<service>:<commit>.
func ImageTag(project, service, sha string) string {
	return ImageName(project, service) + ":" + ShortCommit(sha)
}

// SplitImageRef separates an image reference into repository and tag.
func SplitImageRef(ref string) (string, string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

// MetricKey is the live channel key used for dashboard metrics.
func MetricKey(repoKey string) string {
	return repoKey + metricKeySuffix
}
