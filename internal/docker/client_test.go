package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeDaemon answers the ping, version and build endpoints of the engine API.
type fakeDaemon struct {
	mu       sync.Mutex
	paths    []string
	platform string
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d.mu.Lock()
	d.paths = append(d.paths, req.URL.Path)
	d.mu.Unlock()
	w.Header().Set("Api-Version", "1.43")
	switch {
	case req.URL.Path == "/_ping":
		_, _ = w.Write([]byte("OK"))
	case strings.HasSuffix(req.URL.Path, "/version"):
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Version":    "27.3.1",
			"ApiVersion": "1.43",
			"Os":         "linux",
			"Arch":       "amd64",
		})
	case strings.HasSuffix(req.URL.Path, "/build"):
		d.mu.Lock()
		d.platform = req.URL.Query().Get("platform")
		d.mu.Unlock()
		_, _ = w.Write([]byte(`{"stream":"Successfully built 123\n"}` + "\n"))
	default:
		http.NotFound(w, req)
	}
}

func newDaemonClient(t *testing.T, daemon *fakeDaemon, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)
	opts.Host = "tcp://" + strings.TrimPrefix(srv.URL, "http://")
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDescribeReportsDaemon(t *testing.T) {
	daemon := &fakeDaemon{}
	c := newDaemonClient(t, daemon, Options{APIVersion: "1.43"})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	got, err := c.Describe(context.Background())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	want := Daemon{Version: "27.3.1", APIVersion: "1.43", OS: "linux", Arch: "amd64"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	var pinned bool
	for _, p := range daemon.paths {
		if p == "/v1.43/version" {
			pinned = true
		}
	}
	if !pinned {
		t.Fatalf("expected pinned api version in request paths, got %v", daemon.paths)
	}
}

func TestPlatformDefaultsAndFlowsIntoBuild(t *testing.T) {
	if p := (&Client{}).Platform(); p != DefaultPlatform {
		t.Fatalf("expected default platform, got %q", p)
	}

	daemon := &fakeDaemon{}
	c := newDaemonClient(t, daemon, Options{APIVersion: "1.43", Platform: "linux/arm64"})
	dir := t.TempDir()
	writeManifest(t, dir)

	res := c.BuildImage(context.Background(), "cart", dir, "shop-cart:abc1234")
	if !res.Success {
		t.Fatalf("expected build to succeed, got %v (%s)", res.Err, res.Log)
	}
	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	if daemon.platform != "linux/arm64" {
		t.Fatalf("expected build for linux/arm64, got %q", daemon.platform)
	}
}

func TestDescribeWithoutDaemonFails(t *testing.T) {
	if _, err := (&Client{}).Describe(context.Background()); err == nil {
		t.Fatal("expected uninitialized client to fail")
	}
}
