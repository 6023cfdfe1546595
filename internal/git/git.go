package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
)

// ServicesDir is the convention directory holding one subdirectory per service.
const ServicesDir = "services"

// ErrServicesDirMissing indicates the cloned repository does not follow the
// services/ convention.
var ErrServicesDirMissing = errors.New("git: services directory not found")

// CloneResult describes a finished clone.
type CloneResult struct {
	Path   string
	Commit string
}

// Cloner shells out to the git binary.
type Cloner struct {
	binary  string
	timeout time.Duration
}

// NewCloner returns a Cloner bounded by timeout; zero disables the bound.
func NewCloner(timeout time.Duration) *Cloner {
	return &Cloner{binary: "git", timeout: timeout}
}

// CloneURL turns a normalized repository URI back into a fetchable URL.
func CloneURL(normalized string) string {
	if strings.Contains(normalized, "://") || strings.HasPrefix(normalized, "/") {
		return normalized
	}
	return "https://" + normalized
}

// Clone shallow-clones repoURL into dest and resolves the short commit hash.
func (c *Cloner) Clone(ctx context.Context, repoURL, dest string) (CloneResult, error) {
	if repoURL == "" {
		return CloneResult{}, fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return CloneResult{}, fmt.Errorf("destination cannot be empty")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if _, err := c.run(ctx, dest, "clone", "--depth", "1", repoURL, "."); err != nil {
		return CloneResult{}, fmt.Errorf("git clone failed: %w", err)
	}
	sha, err := c.run(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return CloneResult{}, fmt.Errorf("git rev-parse failed: %w", err)
	}

	info, err := os.Stat(filepath.Join(dest, ServicesDir))
	if err != nil || !info.IsDir() {
		return CloneResult{}, ErrServicesDirMissing
	}
	return CloneResult{Path: dest, Commit: domain.ShortCommit(sha)}, nil
}

func (c *Cloner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
