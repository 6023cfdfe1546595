package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/registry"
)

// CredentialSource issues short-lived registry logins.
type CredentialSource interface {
	Credentials(ctx context.Context) (registry.Credentials, error)
}

// PullSecrets keeps the registry pull secret of a namespace current.
type PullSecrets struct {
	client    kubernetes.Interface
	namespace string
	name      string
	source    CredentialSource
	enabled   bool
	logger    *slog.Logger
}

// NewPullSecrets constructs a PullSecrets. When enabled is false Ensure is a
// no-op and workloads still reference name.
func NewPullSecrets(client kubernetes.Interface, namespace, name string, source CredentialSource, enabled bool, logger *slog.Logger) *PullSecrets {
	if logger == nil {
		logger = slog.Default()
	}
	return &PullSecrets{
		client:    client,
		namespace: namespace,
		name:      name,
		source:    source,
		enabled:   enabled,
		logger:    logger,
	}
}

// Name returns the secret name workloads reference.
func (s *PullSecrets) Name() string {
	return s.name
}

type dockerConfig struct {
	Auths map[string]dockerAuth `json:"auths"`
}

type dockerAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Auth     string `json:"auth"`
}

// DockerConfigJSON renders creds in the kubernetes.io/dockerconfigjson format.
func DockerConfigJSON(creds registry.Credentials) ([]byte, error) {
	return json.Marshal(dockerConfig{Auths: map[string]dockerAuth{
		creds.Server: {
			Username: creds.Username,
			Password: creds.Password,
			Auth:     base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password)),
		},
	}})
}

// Ensure fetches a fresh registry login and writes it to the pull secret,
// creating the secret when absent.
func (s *PullSecrets) Ensure(ctx context.Context) error {
	if !s.enabled || s.source == nil {
		return nil
	}
	creds, err := s.source.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("fetch registry credentials: %w", err)
	}
	payload, err := DockerConfigJSON(creds)
	if err != nil {
		return fmt.Errorf("encode docker config: %w", err)
	}
	desired := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: s.name, Namespace: s.namespace},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}

	secrets := s.client.CoreV1().Secrets(s.namespace)
	existing, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err = secrets.Create(ctx, desired, metav1.CreateOptions{})
		if err == nil {
			s.logger.Info("pull secret created", "secret", s.name, "server", creds.Server)
			return nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create pull secret: %w", err)
		}
		existing, err = secrets.Get(ctx, s.name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get pull secret: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get pull secret: %w", err)
	}

	desired.ResourceVersion = existing.ResourceVersion
	if _, err := secrets.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update pull secret: %w", err)
	}
	s.logger.Info("pull secret refreshed", "secret", s.name, "server", creds.Server)
	return nil
}
