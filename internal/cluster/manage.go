package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
)

const (
	// LogTailLines is how many lines a one-shot log fetch returns.
	LogTailLines = 500
	// StreamTailLines is the backlog sent before following a log stream.
	StreamTailLines = 300

	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
)

var podNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ErrInvalidPodName indicates a pod name outside [a-z0-9-].
var ErrInvalidPodName = errors.New("cluster: invalid pod name")

// ValidPodName reports whether name may be passed to pod operations.
func ValidPodName(name string) bool {
	return podNamePattern.MatchString(name)
}

// Manager exposes operational controls over deployed services.
type Manager struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager constructs a Manager.
func NewManager(client kubernetes.Interface, namespace string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Manager{client: client, namespace: namespace, logger: logger, now: time.Now}
}

// RestartPod deletes a pod so its controller replaces it.
func (m *Manager) RestartPod(ctx context.Context, pod string) error {
	if !ValidPodName(pod) {
		return ErrInvalidPodName
	}
	m.logger.Info("restarting pod", "pod", pod)
	if err := m.client.CoreV1().Pods(m.namespace).Delete(ctx, pod, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("delete pod %s: %w", pod, err)
	}
	return nil
}

// RestartWorkload triggers a rolling restart of a service workload.
func (m *Manager) RestartWorkload(ctx context.Context, project, service string) error {
	name := domain.WorkloadName(project, service)
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, m.now().UTC().Format(time.RFC3339))
	m.logger.Info("rollout restart", "deployment", name)
	_, err := m.client.AppsV1().Deployments(m.namespace).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("restart deployment %s: %w", name, err)
	}
	return nil
}

// Scale sets the replica count of a service workload.
func (m *Manager) Scale(ctx context.Context, project, service string, replicas int32) error {
	if replicas < 0 {
		return fmt.Errorf("replicas must not be negative")
	}
	name := domain.WorkloadName(project, service)
	deployments := m.client.AppsV1().Deployments(m.namespace)
	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get scale %s: %w", name, err)
	}
	scale.Spec.Replicas = replicas
	if _, err := deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scale %s: %w", name, err)
	}
	m.logger.Info("deployment scaled", "deployment", name, "replicas", replicas)
	return nil
}

// Logs returns the last LogTailLines lines of a pod.
func (m *Manager) Logs(ctx context.Context, pod string) (string, error) {
	if !ValidPodName(pod) {
		return "", ErrInvalidPodName
	}
	stream, err := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, &corev1.PodLogOptions{
		TailLines: pointer.Int64(LogTailLines),
	}).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch logs of %s: %w", pod, err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("read logs of %s: %w", pod, err)
	}
	return string(data), nil
}

// StreamLogs follows a pod's log, calling onLine per line until ctx ends or
// the stream closes.
func (m *Manager) StreamLogs(ctx context.Context, pod string, onLine func(string) error) error {
	if !ValidPodName(pod) {
		return ErrInvalidPodName
	}
	stream, err := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, &corev1.PodLogOptions{
		Follow:    true,
		TailLines: pointer.Int64(StreamTailLines),
	}).Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream logs of %s: %w", pod, err)
	}
	defer stream.Close()

	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := onLine(sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read log stream of %s: %w", pod, err)
	}
	return nil
}
