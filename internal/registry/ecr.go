package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
)

// ErrNoRegistry indicates no registry URI was configured.
var ErrNoRegistry = errors.New("registry: registry uri not configured")

// ImageClient is the subset of the Docker client used to publish images.
type ImageClient interface {
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, auth dockerregistry.AuthConfig) (string, error)
}

// Credentials is a decoded ECR authorization token.
type Credentials struct {
	Username  string
	Password  string
	Server    string
	ExpiresAt time.Time
}

// PushResult reports one registry push.
type PushResult struct {
	Service  string
	ImageURI string
	Success  bool
	Error    string
	Log      string
}

// Client publishes images to ECR and confirms their presence.
type Client struct {
	api         ecriface.ECRAPI
	images      ImageClient
	registryURI string
	logger      *slog.Logger

	checkInterval time.Duration
	checkTimeout  time.Duration

	// credentials caches the authorization token per registry host.
	credentials sync.Map
	now         func() time.Time
}

// NewECRAPI opens an ECR API client for region using the default credential chain.
func NewECRAPI(region string) (ecriface.ECRAPI, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return ecr.New(sess), nil
}

// New builds a Client. A nil api disables registry calls: ImageExists then
// always reports true and pushes fail.
func New(api ecriface.ECRAPI, images ImageClient, registryURI string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:           api,
		images:        images,
		registryURI:   strings.TrimSuffix(strings.TrimPrefix(registryURI, "https://"), "/"),
		logger:        logger,
		checkInterval: 2 * time.Second,
		checkTimeout:  20 * time.Second,
		now:           time.Now,
	}
}

// RegistryURI returns the configured registry host.
func (c *Client) RegistryURI() string {
	return c.registryURI
}

// Enabled reports whether an ECR API client is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.api != nil
}

// EnsureRepository creates the ECR repository name when it does not exist.
// A concurrent creation is treated as success.
func (c *Client) EnsureRepository(ctx context.Context, name string) error {
	if c.api == nil {
		return ErrNoRegistry
	}
	_, err := c.api.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: aws.StringSlice([]string{name}),
	})
	if err == nil {
		return nil
	}
	if !hasCode(err, ecr.ErrCodeRepositoryNotFoundException) {
		return fmt.Errorf("describe repository %s: %w", name, err)
	}

	c.logger.Info("creating ecr repository", "repository", name)
	_, err = c.api.CreateRepositoryWithContext(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: aws.String(ecr.ImageTagMutabilityMutable),
		ImageScanningConfiguration: &ecr.ImageScanningConfiguration{
			ScanOnPush: aws.Bool(false),
		},
	})
	if err != nil && !hasCode(err, ecr.ErrCodeRepositoryAlreadyExistsException) {
		return fmt.Errorf("create repository %s: %w", name, err)
	}
	return nil
}

// Credentials returns a registry login, reusing a cached token until shortly
// before it expires.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	if c.api == nil {
		return Credentials{}, ErrNoRegistry
	}
	if cached, ok := c.credentials.Load(c.registryURI); ok {
		creds := cached.(Credentials)
		if c.now().Add(5 * time.Minute).Before(creds.ExpiresAt) {
			return creds, nil
		}
	}

	out, err := c.api.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credentials{}, fmt.Errorf("get ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return Credentials{}, errors.New("ecr returned no authorization data")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.StringValue(data.AuthorizationToken))
	if err != nil {
		return Credentials{}, fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credentials{}, errors.New("malformed ecr token")
	}
	server := strings.TrimPrefix(aws.StringValue(data.ProxyEndpoint), "https://")
	if server == "" {
		server = c.registryURI
	}
	creds := Credentials{
		Username:  user,
		Password:  pass,
		Server:    server,
		ExpiresAt: aws.TimeValue(data.ExpiresAt),
	}
	if creds.ExpiresAt.IsZero() {
		creds.ExpiresAt = c.now().Add(12 * time.Hour)
	}
	c.credentials.Store(c.registryURI, creds)
	return creds, nil
}

// PushImage publishes the local image localTag as <registry>/<localTag>.
// Failures are reported in the result.
func (c *Client) PushImage(ctx context.Context, serviceName, localTag string) PushResult {
	result := PushResult{Service: serviceName}
	fail := func(err error) PushResult {
		c.logger.Error("image push failed", "service", serviceName, "tag", localTag, "error", err)
		result.Error = err.Error()
		return result
	}
	if c.registryURI == "" {
		return fail(ErrNoRegistry)
	}
	if c.images == nil {
		return fail(errors.New("docker client not configured"))
	}

	repoName, _ := domain.SplitImageRef(localTag)
	if err := c.EnsureRepository(ctx, repoName); err != nil {
		return fail(err)
	}
	creds, err := c.Credentials(ctx)
	if err != nil {
		return fail(err)
	}
	remote := c.registryURI + "/" + localTag
	if err := c.images.TagImage(ctx, localTag, remote); err != nil {
		return fail(err)
	}
	log, err := c.images.PushImage(ctx, remote, dockerregistry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.Server,
	})
	result.Log = log
	if err != nil {
		return fail(err)
	}

	c.logger.Info("image pushed", "service", serviceName, "image", remote)
	result.ImageURI = remote
	result.Success = true
	return result
}

// ImageExists polls ECR until tag is visible in the repository of imageURI.
// Missing image or repository errors are retried until the check budget is
// spent; any other API error ends the check.
func (c *Client) ImageExists(ctx context.Context, imageURI, tag string) bool {
	if c == nil || c.api == nil {
		return true
	}
	input := &ecr.DescribeImagesInput{
		RepositoryName: aws.String(RepositoryName(imageURI)),
		ImageIds:       []*ecr.ImageIdentifier{{ImageTag: aws.String(tag)}},
	}
	err := wait.PollUntilContextTimeout(ctx, c.checkInterval, c.checkTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := c.api.DescribeImagesWithContext(ctx, input)
		switch {
		case err == nil:
			return true, nil
		case hasCode(err, ecr.ErrCodeImageNotFoundException), hasCode(err, ecr.ErrCodeRepositoryNotFoundException):
			return false, nil
		default:
			return false, err
		}
	})
	switch {
	case err == nil:
		return true
	case wait.Interrupted(err):
		c.logger.Warn("ecr image not found within budget", "image", imageURI, "tag", tag)
	default:
		c.logger.Warn("ecr image check failed", "image", imageURI, "tag", tag, "error", err)
	}
	return false
}

// RepositoryName strips the registry host and tag from an image reference.
func RepositoryName(imageURI string) string {
	repo, _ := domain.SplitImageRef(imageURI)
	if host, rest, ok := strings.Cut(repo, "/"); ok && strings.ContainsAny(host, ".:") {
		return rest
	}
	return repo
}

func hasCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
