package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Usage is the CPU and memory reading of one pod, as printed by kubectl top.
type Usage struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// ZeroUsage is reported for pods without a reading yet.
var ZeroUsage = Usage{CPU: "0m", Memory: "0Mi"}

// UsageReader shells out to kubectl top for pod resource usage.
type UsageReader struct {
	kubectl   string
	namespace string
	run       func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewUsageReader returns a reader invoking the kubectl binary at path.
func NewUsageReader(path, namespace string) *UsageReader {
	if path == "" {
		path = "kubectl"
	}
	if namespace == "" {
		namespace = "default"
	}
	return &UsageReader{
		kubectl:   path,
		namespace: namespace,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Top returns usage for every pod whose name starts with prefix.
func (r *UsageReader) Top(ctx context.Context, prefix string) (map[string]Usage, error) {
	out, err := r.run(ctx, r.kubectl, "top", "pods", "-n", r.namespace, "--no-headers")
	if err != nil {
		return nil, fmt.Errorf("kubectl top pods: %w", err)
	}
	return parseTopOutput(string(out), prefix), nil
}

// parseTopOutput reads "NAME CPU MEMORY" rows.
func parseTopOutput(out, prefix string) map[string]Usage {
	usage := make(map[string]Usage)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !strings.HasPrefix(fields[0], prefix) {
			continue
		}
		usage[fields[0]] = Usage{CPU: fields[1], Memory: fields[2]}
	}
	return usage
}
