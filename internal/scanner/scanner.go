// Package scanner discovers buildable services under a repository's services/ directory.
package scanner

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/docker"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/git"
)

// ErrServicesDirMissing indicates repoPath has no services/ directory.
var ErrServicesDirMissing = errors.New("scanner: services directory not found")

var exposePattern = regexp.MustCompile(`(?i)^EXPOSE\s+(\S+)`)

// ServiceInfo describes one discovered service.
type ServiceInfo struct {
	Name        string
	Path        string
	HasManifest bool
	Port        *int
}

// Result lists accepted services in name order.
type Result struct {
	Services []ServiceInfo
}

// Scan lists the immediate subdirectories of <repoPath>/services and accepts
// those with a valid name and a Dockerfile. Rejected entries are logged.
func Scan(repoPath string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Join(repoPath, git.ServicesDir)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrServicesDirMissing, root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return Result{}, fmt.Errorf("read services directory: %w", err)
	}

	var result Result
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !domain.ValidServiceName(name) {
			logger.Warn("service skipped: invalid name", "service", name)
			continue
		}
		dir := filepath.Join(root, name)
		manifest := filepath.Join(dir, docker.Manifest)
		if st, err := os.Stat(manifest); err != nil || !st.Mode().IsRegular() {
			logger.Warn("service skipped: Dockerfile not found", "service", name)
			continue
		}
		port := ExposedPort(manifest, logger)
		result.Services = append(result.Services, ServiceInfo{
			Name:        name,
			Path:        dir,
			HasManifest: true,
			Port:        port,
		})
		logger.Info("service discovered", "service", name, "path", dir, "port", portAttr(port))
	}
	sort.Slice(result.Services, func(i, j int) bool {
		return result.Services[i].Name < result.Services[j].Name
	})
	return result, nil
}

// ExposedPort returns the first valid EXPOSE port in the Dockerfile, or nil.
func ExposedPort(dockerfile string, logger *slog.Logger) *int {
	f, err := os.Open(dockerfile)
	if err != nil {
		logger.Warn("read Dockerfile failed", "path", dockerfile, "error", err)
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		m := exposePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if port, ok := parseExposeToken(m[1]); ok {
			return &port
		}
		logger.Warn("invalid EXPOSE port", "path", dockerfile, "value", m[1])
	}
	return nil
}

// parseExposeToken accepts forms like 8080, 8080/tcp and 8000-8010/udp.
func parseExposeToken(token string) (int, bool) {
	_, raw := nat.SplitProtoPort(token)
	start, _, err := nat.ParsePortRangeToInt(raw)
	if err != nil || start < 1 || start > 65535 {
		return 0, false
	}
	return start, true
}

func portAttr(port *int) any {
	if port == nil {
		return nil
	}
	return *port
}
