package cluster

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/registry"
)

func TestNewRefresherRejectsBadSchedule(t *testing.T) {
	secrets := NewPullSecrets(fake.NewSimpleClientset(), "default", "ecr-pull", nil, false, testLogger())
	if _, err := NewRefresher(secrets, "every now and then"); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
	if _, err := NewRefresher(secrets, "@every 6h"); err != nil {
		t.Fatalf("expected interval schedule to parse, got %v", err)
	}
	if _, err := NewRefresher(secrets, "0 */6 * * *"); err != nil {
		t.Fatalf("expected cron schedule to parse, got %v", err)
	}
}

func TestRefresherWritesSecretOnSchedule(t *testing.T) {
	client := fake.NewSimpleClientset()
	source := &fakeCredentials{creds: registry.Credentials{Username: "AWS", Password: "token", Server: "123.dkr.ecr.ap-northeast-2.amazonaws.com"}}
	secrets := NewPullSecrets(client, "default", "ecr-pull", source, true, testLogger())

	refresher, err := NewRefresher(secrets, "@every 1s")
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	refresher.Start()
	defer refresher.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.CoreV1().Secrets("default").Get(context.Background(), "ecr-pull", metav1.GetOptions{}); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected scheduled refresh to create the pull secret")
}
