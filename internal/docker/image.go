package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// Manifest is the file a service directory must contain to be buildable.
const Manifest = "Dockerfile"

// ErrManifestMissing indicates the build context has no Dockerfile.
var ErrManifestMissing = errors.New("docker: Dockerfile not found in build context")

// BuildResult reports one image build. Log holds the combined daemon output.
type BuildResult struct {
	ServiceName string
	Tag         string
	Success     bool
	Log         string
	Err         error
}

// BuildImage builds dir into an image tagged tag. Failures are reported in
// the result, never returned.
func (c *Client) BuildImage(ctx context.Context, serviceName, dir, tag string) BuildResult {
	result := BuildResult{ServiceName: serviceName, Tag: tag}
	fail := func(err error) BuildResult {
		result.Err = err
		if result.Log == "" {
			result.Log = err.Error()
		}
		return result
	}

	if info, err := os.Stat(filepath.Join(dir, Manifest)); err != nil || !info.Mode().IsRegular() {
		return fail(fmt.Errorf("%w: %s", ErrManifestMissing, dir))
	}
	if c == nil || c.inner == nil {
		return fail(fmt.Errorf("docker client not initialized"))
	}
	if tag == "" {
		return fail(fmt.Errorf("image tag cannot be empty"))
	}

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fail(fmt.Errorf("create build context: %w", err))
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  Manifest,
		Platform:    c.Platform(),
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fail(fmt.Errorf("docker image build: %w", err))
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	streamErr := drainStream(resp.Body, &buf)
	result.Log = buf.String()
	if streamErr != nil {
		return fail(fmt.Errorf("docker image build: %w", streamErr))
	}
	result.Success = true
	return result
}

// TagImage adds target as a reference to the local image source.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("docker image tag: %w", err)
	}
	return nil
}

// PushImage pushes ref using auth and returns the daemon output.
func (c *Client) PushImage(ctx context.Context, ref string, auth registry.AuthConfig) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	body, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	defer body.Close()

	var buf bytes.Buffer
	if err := drainStream(body, &buf); err != nil {
		return buf.String(), fmt.Errorf("docker image push: %w", err)
	}
	return buf.String(), nil
}
