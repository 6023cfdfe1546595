package docker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDrainStreamRendersAndStopsOnError(t *testing.T) {
	input := strings.Join([]string{
		`{"stream":"Step 1/2 : FROM alpine\n"}`,
		`{"status":"Pulling fs layer","id":"abc","progressDetail":{"current":1,"total":10}}`,
		`{"status":"Pull complete","id":"abc"}`,
		`{"aux":{"ID":"sha256:123"}}`,
		`{"error":"RUN failed","errorDetail":{"message":"RUN failed"}}`,
		`{"stream":"never rendered\n"}`,
	}, "\n")
	var out bytes.Buffer
	err := drainStream(strings.NewReader(input), &out)
	if err == nil || err.Error() != "RUN failed" {
		t.Fatalf("expected RUN failed error, got %v", err)
	}
	log := out.String()
	for _, want := range []string{"Step 1/2 : FROM alpine", "abc: Pull complete", "image id: sha256:123", "RUN failed"} {
		if !strings.Contains(log, want) {
			t.Fatalf("expected log to contain %q, got %q", want, log)
		}
	}
	if strings.Contains(log, "Pulling fs layer") || strings.Contains(log, "never rendered") {
		t.Fatalf("unexpected content in log %q", log)
	}
}

func TestDrainStreamSuccess(t *testing.T) {
	var out bytes.Buffer
	if err := drainStream(strings.NewReader(`{"status":"Pushed","id":"l1"}`+"\n"+`{"aux":{"Digest":"sha256:9"}}`), &out); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !strings.Contains(out.String(), "digest: sha256:9") {
		t.Fatalf("expected digest line, got %q", out.String())
	}
}

func TestBuildImageRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	res := (&Client{}).BuildImage(context.Background(), "cart", dir, "shop-cart:abc1234")
	if res.Success {
		t.Fatal("expected failure without Dockerfile")
	}
	if !errors.Is(res.Err, ErrManifestMissing) {
		t.Fatalf("expected ErrManifestMissing, got %v", res.Err)
	}
	if res.Log == "" {
		t.Fatal("expected failure reason captured in log")
	}
}

func TestBuildImageWithoutDaemonFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir)
	res := (&Client{}).BuildImage(context.Background(), "cart", dir, "shop-cart:abc1234")
	if res.Success || res.Err == nil {
		t.Fatalf("expected failure result, got %+v", res)
	}
}

func writeManifest(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, Manifest), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
