package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/registry"
)

type fakeSecrets struct {
	calls int
	err   error
}

func (f *fakeSecrets) Ensure(context.Context) error {
	f.calls++
	return f.err
}

func (f *fakeSecrets) Name() string { return "ecr-pull" }

func intPtr(v int) *int { return &v }

func TestDeployRequestValidate(t *testing.T) {
	ok := ServiceSpec{ServiceID: 1, Name: "cart", ImageURI: "repo/cart:abc"}
	cases := []struct {
		name string
		req  DeployRequest
	}{
		{name: "missing project", req: DeployRequest{Services: []ServiceSpec{ok}}},
		{name: "no services", req: DeployRequest{ProjectName: "shop"}},
		{name: "zero id", req: DeployRequest{ProjectName: "shop", Services: []ServiceSpec{{Name: "cart", ImageURI: "x"}}}},
		{name: "missing image", req: DeployRequest{ProjectName: "shop", Services: []ServiceSpec{{ServiceID: 2, Name: "cart"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); !errors.Is(err, ErrInvalidDeployRequest) {
				t.Fatalf("expected ErrInvalidDeployRequest, got %v", err)
			}
		})
	}
	if err := (DeployRequest{ProjectName: "shop", Services: []ServiceSpec{ok}}).Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestDeployCreatesWorkloadEndpointAndIngress(t *testing.T) {
	client := fake.NewSimpleClientset()
	secrets := &fakeSecrets{err: errors.New("no registry")}
	deployer := NewDeployer(client, "default", secrets, testLogger())
	ctx := context.Background()

	req := DeployRequest{ProjectName: "shop", Services: []ServiceSpec{
		{ServiceID: 1, Name: "cart", ImageURI: "123.dkr.ecr/cart:abc1234", Port: intPtr(3000)},
		{ServiceID: 2, Name: "user", ImageURI: "123.dkr.ecr/user:abc1234"},
	}}
	if err := deployer.Deploy(ctx, req); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if secrets.calls != 1 {
		t.Fatalf("expected pull secret to be ensured once, got %d", secrets.calls)
	}

	cart, err := client.AppsV1().Deployments("default").Get(ctx, "shop-cart", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	container := cart.Spec.Template.Spec.Containers[0]
	if container.Image != "123.dkr.ecr/cart:abc1234" || container.Ports[0].ContainerPort != 3000 {
		t.Fatalf("unexpected container %+v", container)
	}
	if *cart.Spec.Replicas != 1 || *cart.Spec.RevisionHistoryLimit != 2 {
		t.Fatalf("unexpected replica settings %+v", cart.Spec)
	}
	if got := cart.Spec.Template.Spec.ImagePullSecrets; len(got) != 1 || got[0].Name != "ecr-pull" {
		t.Fatalf("expected pull secret reference, got %+v", got)
	}
	if cart.Spec.Selector.MatchLabels["app"] != "cart" || cart.Labels["happymsp.io/project"] != "shop" {
		t.Fatalf("unexpected labels %+v", cart.Labels)
	}

	user, err := client.AppsV1().Deployments("default").Get(ctx, "shop-user", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if user.Spec.Template.Spec.Containers[0].Ports[0].ContainerPort != 8080 {
		t.Fatalf("expected default container port 8080")
	}

	svc, err := client.CoreV1().Services("default").Get(ctx, "cart", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	port := svc.Spec.Ports[0]
	if svc.Spec.Type != corev1.ServiceTypeClusterIP || port.Port != 80 || port.TargetPort.IntValue() != 3000 {
		t.Fatalf("unexpected service spec %+v", svc.Spec)
	}

	ing, err := client.NetworkingV1().Ingresses("default").Get(ctx, "shop-ingress", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get ingress: %v", err)
	}
	if ing.Annotations["kubernetes.io/ingress.class"] != "alb" {
		t.Fatalf("expected alb ingress class, got %+v", ing.Annotations)
	}
	paths := ing.Spec.Rules[0].HTTP.Paths
	if len(paths) != 2 || paths[0].Path != "/cart" || paths[1].Path != "/user" {
		t.Fatalf("unexpected ingress paths %+v", paths)
	}
	if paths[0].Backend.Service.Name != "cart" || paths[0].Backend.Service.Port.Number != 80 {
		t.Fatalf("unexpected backend %+v", paths[0].Backend)
	}
}

func TestDeployUpdatesExistingObjects(t *testing.T) {
	client := fake.NewSimpleClientset()
	deployer := NewDeployer(client, "default", nil, testLogger())
	ctx := context.Background()

	first := DeployRequest{ProjectName: "shop", Services: []ServiceSpec{{ServiceID: 1, Name: "cart", ImageURI: "repo/cart:old"}}}
	if err := deployer.Deploy(ctx, first); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	second := DeployRequest{ProjectName: "shop", Services: []ServiceSpec{
		{ServiceID: 1, Name: "cart", ImageURI: "repo/cart:new"},
		{ServiceID: 2, Name: "order", ImageURI: "repo/order:new"},
	}}
	if err := deployer.Deploy(ctx, second); err != nil {
		t.Fatalf("second deploy: %v", err)
	}

	cart, err := client.AppsV1().Deployments("default").Get(ctx, "shop-cart", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if cart.Spec.Template.Spec.Containers[0].Image != "repo/cart:new" {
		t.Fatalf("expected image to be updated, got %s", cart.Spec.Template.Spec.Containers[0].Image)
	}
	if len(cart.Spec.Template.Spec.ImagePullSecrets) != 0 {
		t.Fatalf("expected no pull secret without an ensurer")
	}
	ing, err := client.NetworkingV1().Ingresses("default").Get(ctx, "shop-ingress", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get ingress: %v", err)
	}
	if len(ing.Spec.Rules[0].HTTP.Paths) != 2 {
		t.Fatalf("expected ingress to route both services, got %+v", ing.Spec.Rules[0].HTTP.Paths)
	}
}

func TestDeployRejectsInvalidServiceName(t *testing.T) {
	deployer := NewDeployer(fake.NewSimpleClientset(), "default", nil, testLogger())
	req := DeployRequest{ProjectName: "shop", Services: []ServiceSpec{{ServiceID: 1, Name: "Bad_Name", ImageURI: "x"}}}
	if err := deployer.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidDeployRequest) {
		t.Fatalf("expected ErrInvalidDeployRequest, got %v", err)
	}
}

func TestApplyIngressRequiresServices(t *testing.T) {
	deployer := NewDeployer(fake.NewSimpleClientset(), "default", nil, testLogger())
	if err := deployer.ApplyIngress(context.Background(), "shop", nil); !errors.Is(err, ErrInvalidDeployRequest) {
		t.Fatalf("expected ErrInvalidDeployRequest, got %v", err)
	}
}

type fakeCredentials struct {
	creds registry.Credentials
	err   error
}

func (f *fakeCredentials) Credentials(context.Context) (registry.Credentials, error) {
	return f.creds, f.err
}

func TestPullSecretsEnsureCreatesThenRefreshes(t *testing.T) {
	client := fake.NewSimpleClientset()
	source := &fakeCredentials{creds: registry.Credentials{Username: "AWS", Password: "first", Server: "123.dkr.ecr.ap-northeast-2.amazonaws.com"}}
	secrets := NewPullSecrets(client, "default", "ecr-pull", source, true, testLogger())
	ctx := context.Background()

	if err := secrets.Ensure(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, err := client.CoreV1().Secrets("default").Get(ctx, "ecr-pull", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got.Type != corev1.SecretTypeDockerConfigJson {
		t.Fatalf("unexpected secret type %s", got.Type)
	}
	var cfg dockerConfig
	if err := json.Unmarshal(got.Data[corev1.DockerConfigJsonKey], &cfg); err != nil {
		t.Fatalf("decode docker config: %v", err)
	}
	auth, ok := cfg.Auths["123.dkr.ecr.ap-northeast-2.amazonaws.com"]
	if !ok || auth.Password != "first" || auth.Auth != "QVdTOmZpcnN0" {
		t.Fatalf("unexpected auth entry %+v", cfg.Auths)
	}

	source.creds.Password = "second"
	if err := secrets.Ensure(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, _ = client.CoreV1().Secrets("default").Get(ctx, "ecr-pull", metav1.GetOptions{})
	if err := json.Unmarshal(got.Data[corev1.DockerConfigJsonKey], &cfg); err != nil {
		t.Fatalf("decode docker config: %v", err)
	}
	if cfg.Auths["123.dkr.ecr.ap-northeast-2.amazonaws.com"].Password != "second" {
		t.Fatalf("expected refreshed password, got %+v", cfg.Auths)
	}
}

func TestPullSecretsDisabledIsNoop(t *testing.T) {
	client := fake.NewSimpleClientset()
	source := &fakeCredentials{err: errors.New("should not be called")}
	secrets := NewPullSecrets(client, "default", "ecr-pull", source, false, testLogger())
	if err := secrets.Ensure(context.Background()); err != nil {
		t.Fatalf("expected disabled ensure to succeed, got %v", err)
	}
	list, _ := client.CoreV1().Secrets("default").List(context.Background(), metav1.ListOptions{})
	if len(list.Items) != 0 {
		t.Fatalf("expected no secrets, got %d", len(list.Items))
	}
	if secrets.Name() != "ecr-pull" {
		t.Fatalf("unexpected name %s", secrets.Name())
	}
}

func TestPullSecretsCredentialError(t *testing.T) {
	source := &fakeCredentials{err: errors.New("expired token")}
	secrets := NewPullSecrets(fake.NewSimpleClientset(), "default", "ecr-pull", source, true, testLogger())
	if err := secrets.Ensure(context.Background()); err == nil {
		t.Fatalf("expected credential error to surface")
	}
}
