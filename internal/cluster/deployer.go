package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/domain"
)

const (
	appLabel     = "app"
	projectLabel = "happymsp.io/project"
)

// ErrInvalidDeployRequest indicates a deploy request failed validation.
var ErrInvalidDeployRequest = errors.New("cluster: invalid deploy request")

// ServiceSpec is one service to roll out.
type ServiceSpec struct {
	ServiceID int64  `json:"serviceId"`
	Name      string `json:"serviceName"`
	ImageURI  string `json:"imageUri"`
	Port      *int   `json:"port,omitempty"`
}

// DeployRequest describes a project rollout.
type DeployRequest struct {
	ProjectName string        `json:"projectName"`
	Services    []ServiceSpec `json:"services"`
}

// Validate checks the request shape.
func (r DeployRequest) Validate() error {
	if r.ProjectName == "" {
		return fmt.Errorf("%w: projectName is required", ErrInvalidDeployRequest)
	}
	if len(r.Services) == 0 {
		return fmt.Errorf("%w: services must not be empty", ErrInvalidDeployRequest)
	}
	for i, svc := range r.Services {
		if svc.ServiceID <= 0 {
			return fmt.Errorf("%w: services[%d].serviceId must be positive", ErrInvalidDeployRequest, i)
		}
		if svc.ImageURI == "" {
			return fmt.Errorf("%w: services[%d].imageUri is required", ErrInvalidDeployRequest, i)
		}
	}
	return nil
}

// SecretEnsurer materializes the registry pull secret.
type SecretEnsurer interface {
	Ensure(ctx context.Context) error
	Name() string
}

// Deployer applies workloads, endpoints and the project ingress.
type Deployer struct {
	client    kubernetes.Interface
	namespace string
	secrets   SecretEnsurer
	logger    *slog.Logger
}

// NewDeployer constructs a Deployer. secrets may be nil.
func NewDeployer(client kubernetes.Interface, namespace string, secrets SecretEnsurer, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Deployer{client: client, namespace: namespace, secrets: secrets, logger: logger}
}

// Deploy applies a Deployment and Service per service, then the project
// ingress. Pull secret and ingress failures are logged only.
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	pullSecret := ""
	if d.secrets != nil {
		if err := d.secrets.Ensure(ctx); err != nil {
			d.logger.Warn("pull secret bootstrap failed, continuing", "error", err)
		}
		pullSecret = d.secrets.Name()
	}

	names := make([]string, 0, len(req.Services))
	for _, svc := range req.Services {
		if !domain.ValidServiceName(svc.Name) {
			return fmt.Errorf("%w: invalid service name %q", ErrInvalidDeployRequest, svc.Name)
		}
		port := domain.DefaultContainerPort
		if svc.Port != nil {
			port = *svc.Port
		}
		if err := d.applyDeployment(ctx, d.deploymentFor(req.ProjectName, svc, port, pullSecret)); err != nil {
			return fmt.Errorf("deploy service %s: %w", svc.Name, err)
		}
		if err := d.applyService(ctx, d.serviceFor(req.ProjectName, svc.Name, port)); err != nil {
			return fmt.Errorf("deploy service %s: %w", svc.Name, err)
		}
		d.logger.Info("service applied", "project", req.ProjectName, "service", svc.Name, "image", svc.ImageURI, "port", port)
		names = append(names, svc.Name)
	}

	if err := d.ApplyIngress(ctx, req.ProjectName, names); err != nil {
		d.logger.Error("ingress apply failed", "project", req.ProjectName, "error", err)
	}
	return nil
}

func (d *Deployer) deploymentFor(project string, svc ServiceSpec, port int, pullSecret string) *appsv1.Deployment {
	labels := map[string]string{appLabel: svc.Name, projectLabel: project}
	spec := corev1.PodSpec{
		Containers: []corev1.Container{{
			Name:  svc.Name,
			Image: svc.ImageURI,
			Ports: []corev1.ContainerPort{{ContainerPort: int32(port), Protocol: corev1.ProtocolTCP}},
		}},
	}
	if pullSecret != "" {
		spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: pullSecret}}
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      domain.WorkloadName(project, svc.Name),
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             pointer.Int32(1),
			RevisionHistoryLimit: pointer.Int32(2),
			Selector:             &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       spec,
			},
		},
	}
}

func (d *Deployer) serviceFor(project, name string, port int) *corev1.Service {
	labels := map[string]string{appLabel: name, projectLabel: project}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      domain.EndpointName(name),
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       domain.EndpointPort,
				TargetPort: intstr.FromInt32(int32(port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// ApplyIngress routes /<service> of the project ALB to each service endpoint.
func (d *Deployer) ApplyIngress(ctx context.Context, project string, services []string) error {
	if project == "" || len(services) == 0 {
		return fmt.Errorf("%w: ingress needs a project and at least one service", ErrInvalidDeployRequest)
	}
	prefix := networkingv1.PathTypePrefix
	paths := make([]networkingv1.HTTPIngressPath, 0, len(services))
	for _, name := range services {
		paths = append(paths, networkingv1.HTTPIngressPath{
			Path:     "/" + name,
			PathType: &prefix,
			Backend: networkingv1.IngressBackend{
				Service: &networkingv1.IngressServiceBackend{
					Name: domain.EndpointName(name),
					Port: networkingv1.ServiceBackendPort{Number: domain.EndpointPort},
				},
			},
		})
	}
	desired := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      domain.IngressName(project),
			Namespace: d.namespace,
			Labels:    map[string]string{projectLabel: project},
			Annotations: map[string]string{
				"kubernetes.io/ingress.class":           "alb",
				"alb.ingress.kubernetes.io/scheme":      "internet-facing",
				"alb.ingress.kubernetes.io/target-type": "ip",
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{Paths: paths},
				},
			}},
		},
	}

	ingresses := d.client.NetworkingV1().Ingresses(d.namespace)
	_, err := ingresses.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		d.logger.Info("ingress created", "project", project, "services", len(services))
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create ingress: %w", err)
	}
	existing, err := ingresses.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get ingress: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := ingresses.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update ingress: %w", err)
	}
	d.logger.Info("ingress updated", "project", project, "services", len(services))
	return nil
}

func (d *Deployer) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := d.client.AppsV1().Deployments(d.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (d *Deployer) applyService(ctx context.Context, desired *corev1.Service) error {
	services := d.client.CoreV1().Services(d.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get service: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}
