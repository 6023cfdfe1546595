package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// DefaultPlatform is the platform images are built for when none is set;
// cluster nodes run linux/amd64.
const DefaultPlatform = "linux/amd64"

// Options configures the daemon connection used for image builds.
type Options struct {
	// Host overrides DOCKER_HOST.
	Host string
	// APIVersion pins the daemon API version. Empty negotiates with the daemon.
	APIVersion string
	// Platform is the target platform of every image build.
	Platform string
}

// Client wraps the Docker SDK client used to build, tag and push service images.
type Client struct {
	inner    *client.Client
	platform string
}

// Daemon describes the Docker engine behind a Client.
type Daemon struct {
	Version    string
	APIVersion string
	OS         string
	Arch       string
}

// New connects to the daemon described by opts on top of the environment defaults.
func New(opts Options) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	inner, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	platform := opts.Platform
	if platform == "" {
		platform = DefaultPlatform
	}
	return &Client{inner: inner, platform: platform}, nil
}

// Platform reports the target platform of image builds.
func (c *Client) Platform() string {
	if c == nil || c.platform == "" {
		return DefaultPlatform
	}
	return c.platform
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Describe reports the engine version and platform of the daemon.
func (c *Client) Describe(ctx context.Context) (Daemon, error) {
	if c == nil || c.inner == nil {
		return Daemon{}, fmt.Errorf("docker client not initialized")
	}
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return Daemon{}, fmt.Errorf("docker version: %w", err)
	}
	return Daemon{Version: v.Version, APIVersion: v.APIVersion, OS: v.Os, Arch: v.Arch}, nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
