package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
)

// Budget is the poll interval and overall wall-clock limit of one wait.
type Budget struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Budgets holds the limits of the three rollout waits.
type Budgets struct {
	Resources Budget
	Pods      Budget
	Ingress   Budget
}

// DefaultBudgets returns the production polling limits.
func DefaultBudgets() Budgets {
	return Budgets{
		Resources: Budget{Interval: time.Second, Timeout: 60 * time.Second},
		Pods:      Budget{Interval: 2 * time.Second, Timeout: 300 * time.Second},
		Ingress:   Budget{Interval: 5 * time.Second, Timeout: 180 * time.Second},
	}
}

// ReportFunc receives rollout progress; it is only called on status changes.
type ReportFunc func(status, message string)

// Poller runs bounded waits against the cluster API.
type Poller struct {
	client    kubernetes.Interface
	namespace string
	budgets   Budgets
	logger    *slog.Logger
}

// NewPoller constructs a Poller for namespace.
func NewPoller(client kubernetes.Interface, namespace string, budgets Budgets, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Poller{client: client, namespace: namespace, budgets: budgets, logger: logger}
}

// WaitForResources blocks until both the workload and its endpoint exist.
func (p *Poller) WaitForResources(ctx context.Context, project, service string) error {
	workload := domain.WorkloadName(project, service)
	endpoint := domain.EndpointName(service)
	return p.poll(ctx, p.budgets.Resources, "resources "+workload, func(ctx context.Context) (bool, error) {
		if _, err := p.client.AppsV1().Deployments(p.namespace).Get(ctx, workload, metav1.GetOptions{}); err != nil {
			return false, err
		}
		if _, err := p.client.CoreV1().Services(p.namespace).Get(ctx, endpoint, metav1.GetOptions{}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// WaitForPods blocks until the workload reports every desired replica ready.
func (p *Poller) WaitForPods(ctx context.Context, project, service string, report ReportFunc) error {
	workload := domain.WorkloadName(project, service)
	last := ""
	return p.poll(ctx, p.budgets.Pods, "pods "+workload, func(ctx context.Context) (bool, error) {
		deployment, err := p.client.AppsV1().Deployments(p.namespace).Get(ctx, workload, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		status, message := classifyRollout(deployment)
		if status != last && report != nil {
			report(status, message)
		}
		last = status
		return status == events.StepSuccess, nil
	})
}

// classifyRollout maps replica counters onto a rollout step status.
func classifyRollout(d *appsv1.Deployment) (string, string) {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	st := d.Status
	switch {
	case desired > 0 && st.ReadyReplicas >= desired:
		return events.StepSuccess, "Pod is running normally (Ready)"
	case st.ObservedGeneration == 0:
		return events.StepPending, "Waiting for the rollout to be scheduled..."
	case st.UpdatedReplicas < desired:
		return events.StepScaling, "Requesting Pod creation..."
	case st.AvailableReplicas < desired:
		return events.StepPulling, "Downloading image and starting container..."
	default:
		return events.StepRunning, "Initializing application..."
	}
}

// WaitForIngress blocks until the project ingress has a load balancer address
// and returns it.
func (p *Poller) WaitForIngress(ctx context.Context, project string) (string, error) {
	name := domain.IngressName(project)
	var host string
	err := p.poll(ctx, p.budgets.Ingress, "ingress "+name, func(ctx context.Context) (bool, error) {
		ingress, err := p.client.NetworkingV1().Ingresses(p.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		host = ingressHost(ingress)
		return host != "", nil
	})
	return host, err
}

// IngressURL returns the current external address of the project, or "" when
// none is assigned yet. It does not poll.
func (p *Poller) IngressURL(ctx context.Context, project string) string {
	ingress, err := p.client.NetworkingV1().Ingresses(p.namespace).Get(ctx, domain.IngressName(project), metav1.GetOptions{})
	if err != nil {
		p.logger.Debug("ingress lookup failed", "project", project, "error", err)
		return ""
	}
	if host := ingressHost(ingress); host != "" {
		return "http://" + host
	}
	return ""
}

func ingressHost(ingress *networkingv1.Ingress) string {
	lbs := ingress.Status.LoadBalancer.Ingress
	if len(lbs) == 0 {
		return ""
	}
	if lbs[0].Hostname != "" {
		return lbs[0].Hostname
	}
	return lbs[0].IP
}

// poll retries cond until it holds. Retryable errors are absorbed; anything
// else ends the wait at once. Exhausting the budget wraps ErrTimeout.
func (p *Poller) poll(ctx context.Context, b Budget, what string, cond wait.ConditionWithContextFunc) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, b.Interval, b.Timeout, true, func(ctx context.Context) (bool, error) {
		done, err := cond(ctx)
		if err == nil {
			return done, nil
		}
		if IsRetryable(err) {
			lastErr = err
			return false, nil
		}
		return false, err
	})
	switch {
	case err == nil:
		return nil
	case wait.Interrupted(err):
		if lastErr != nil {
			return fmt.Errorf("%w: %s (last error: %v)", ErrTimeout, what, lastErr)
		}
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	default:
		p.logger.Warn("cluster poll aborted", "target", what, "error", err)
		return fmt.Errorf("%s: %w", what, err)
	}
}
