// Package dashboard streams live pod state and resource usage of a deployed
// project to a live channel subscriber.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/cluster"
	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/events"
)

var errWatchClosed = errors.New("pod watch closed")

// UsageSource reports per-pod resource usage.
type UsageSource interface {
	Top(ctx context.Context, prefix string) (map[string]cluster.Usage, error)
}

// Publisher emits live channel events.
type Publisher interface {
	Publish(key, name string, data any)
}

// Submitter schedules background work.
type Submitter interface {
	Go(ctx context.Context, task func()) error
}

// PodMetric is one row of a dashboard-update payload.
type PodMetric struct {
	ServiceName string `json:"serviceName"`
	PodName     string `json:"podName"`
	Status      string `json:"status"`
	CPUUsage    string `json:"cpuUsage"`
	MemoryUsage string `json:"memoryUsage"`
	Age         string `json:"age"`
	Restarts    int32  `json:"restarts"`
}

// Timings controls the session loops.
type Timings struct {
	MetricsInterval time.Duration
	ReconnectDelay  time.Duration
}

// DefaultTimings refreshes usage every 2s and reconnects the watch after 2s.
func DefaultTimings() Timings {
	return Timings{MetricsInterval: 2 * time.Second, ReconnectDelay: 2 * time.Second}
}

// Options configures a Monitor.
type Options struct {
	Client    kubernetes.Interface
	Namespace string
	Usage     UsageSource
	Events    Publisher
	Pool      Submitter
	Logger    *slog.Logger
	Timings   Timings
}

// Monitor owns one session per live channel key.
type Monitor struct {
	client    kubernetes.Interface
	namespace string
	usage     UsageSource
	events    Publisher
	pool      Submitter
	logger    *slog.Logger
	timings   Timings
	now       func() time.Time

	sessions sync.Map
}

// New constructs a Monitor.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}
	timings := opts.Timings
	if timings.MetricsInterval <= 0 {
		timings.MetricsInterval = DefaultTimings().MetricsInterval
	}
	if timings.ReconnectDelay <= 0 {
		timings.ReconnectDelay = DefaultTimings().ReconnectDelay
	}
	return &Monitor{
		client:    opts.Client,
		namespace: namespace,
		usage:     opts.Usage,
		events:    opts.Events,
		pool:      opts.Pool,
		logger:    logger,
		timings:   timings,
		now:       time.Now,
	}
}

type podState struct {
	service  string
	status   string
	restarts int32
}

// session holds the caches of one subscriber. Nothing is shared across
// sessions.
type session struct {
	key     string
	project string
	prefix  string
	cancel  context.CancelFunc

	pods    sync.Map // pod name -> podState
	usage   sync.Map // pod name -> cluster.Usage
	started sync.Map // pod name -> time.Time
}

// Start begins streaming project pods under key, replacing any session that
// already publishes there. ctx only bounds scheduling. The returned func ends
// this session only and leaves any later replacement running.
func (m *Monitor) Start(ctx context.Context, key, project string) (func(), error) {
	if project == "" {
		return nil, fmt.Errorf("dashboard: project is required")
	}
	m.Stop(key)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{key: key, project: project, prefix: project + "-", cancel: cancel}
	m.sessions.Store(key, s)

	if err := m.pool.Go(ctx, func() { m.watchLoop(runCtx, s) }); err != nil {
		m.stopSession(s)
		return nil, fmt.Errorf("schedule pod watch: %w", err)
	}
	if err := m.pool.Go(ctx, func() { m.metricsLoop(runCtx, s) }); err != nil {
		m.stopSession(s)
		return nil, fmt.Errorf("schedule usage loop: %w", err)
	}
	m.logger.Info("dashboard session started", "key", key, "project", project)
	return func() { m.stopSession(s) }, nil
}

// Stop ends the session publishing under key, if any.
func (m *Monitor) Stop(key string) {
	if value, ok := m.sessions.Load(key); ok {
		m.stopSession(value.(*session))
	}
}

// Close ends every session.
func (m *Monitor) Close() {
	m.sessions.Range(func(_, value any) bool {
		m.stopSession(value.(*session))
		return true
	})
}

// Active reports whether a session publishes under key.
func (m *Monitor) Active(key string) bool {
	_, ok := m.sessions.Load(key)
	return ok
}

func (m *Monitor) stopSession(s *session) {
	s.cancel()
	if m.sessions.CompareAndDelete(s.key, s) {
		m.logger.Info("dashboard session stopped", "key", s.key, "project", s.project)
	}
}

// watchLoop follows pod changes until ctx ends, reconnecting on any failure.
func (m *Monitor) watchLoop(ctx context.Context, s *session) {
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, s)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("pod watch interrupted, reconnecting", "project", s.project, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.timings.ReconnectDelay):
		}
	}
}

// watchOnce lists the pods to resync the caches, then follows changes from
// that point. Pods deleted while the watch was down drop out on the resync.
func (m *Monitor) watchOnce(ctx context.Context, s *session) error {
	list, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	s.resync(list.Items)
	m.publish(s)

	w, err := m.client.CoreV1().Pods(m.namespace).Watch(ctx, metav1.ListOptions{ResourceVersion: list.ResourceVersion})
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return errWatchClosed
			}
			if ev.Type == watch.Error {
				return apierrors.FromObject(ev.Object)
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok || !strings.HasPrefix(pod.Name, s.prefix) {
				continue
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				s.track(pod)
			case watch.Deleted:
				s.forget(pod.Name)
			default:
				continue
			}
			m.publish(s)
		}
	}
}

// metricsLoop refreshes usage on a fixed cadence and republishes the
// snapshot every tick, even when nothing changed.
func (m *Monitor) metricsLoop(ctx context.Context, s *session) {
	for {
		start := time.Now()
		if m.usage != nil {
			usage, err := m.usage.Top(ctx, s.prefix)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Debug("pod usage unavailable", "project", s.project, "error", err)
			}
			for name, u := range usage {
				s.usage.Store(name, u)
			}
		}
		m.publish(s)

		wait := m.timings.MetricsInterval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Monitor) publish(s *session) {
	if current, ok := m.sessions.Load(s.key); !ok || current != s {
		return
	}
	m.events.Publish(s.key, events.DashboardUpdate, s.snapshot(m.now()))
}

func (s *session) track(pod *corev1.Pod) {
	var restarts int32
	if len(pod.Status.ContainerStatuses) > 0 {
		restarts = pod.Status.ContainerStatuses[0].RestartCount
	}
	s.pods.Store(pod.Name, podState{
		service:  serviceNameFromPod(pod.Name, s.project),
		status:   displayStatus(pod),
		restarts: restarts,
	})
	switch {
	case pod.Status.StartTime != nil:
		s.started.Store(pod.Name, pod.Status.StartTime.Time)
	case !pod.CreationTimestamp.IsZero():
		s.started.LoadOrStore(pod.Name, pod.CreationTimestamp.Time)
	}
}

// resync replaces the pod cache with the project pods in items.
func (s *session) resync(items []corev1.Pod) {
	live := make(map[string]bool, len(items))
	for i := range items {
		pod := &items[i]
		if !strings.HasPrefix(pod.Name, s.prefix) {
			continue
		}
		live[pod.Name] = true
		s.track(pod)
	}
	s.pods.Range(func(k, _ any) bool {
		if name := k.(string); !live[name] {
			s.forget(name)
		}
		return true
	})
}

func (s *session) forget(name string) {
	s.pods.Delete(name)
	s.usage.Delete(name)
	s.started.Delete(name)
}

// snapshot merges the caches into rows sorted by pod name.
func (s *session) snapshot(now time.Time) []PodMetric {
	rows := []PodMetric{}
	s.pods.Range(func(k, v any) bool {
		name := k.(string)
		state := v.(podState)
		usage := cluster.ZeroUsage
		if u, ok := s.usage.Load(name); ok {
			usage = u.(cluster.Usage)
		}
		age := "0s"
		if t, ok := s.started.Load(name); ok {
			age = formatAge(now.Sub(t.(time.Time)))
		}
		rows = append(rows, PodMetric{
			ServiceName: state.service,
			PodName:     name,
			Status:      state.status,
			CPUUsage:    usage.CPU,
			MemoryUsage: usage.Memory,
			Age:         age,
			Restarts:    state.restarts,
		})
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].PodName < rows[j].PodName })
	return rows
}

// displayStatus prefers a waiting reason over the bare phase and reports
// pods pending deletion as Terminating.
func displayStatus(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return "Terminating"
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return cs.State.Waiting.Reason
		}
	}
	if pod.Status.Phase == "" {
		return string(corev1.PodUnknown)
	}
	return string(pod.Status.Phase)
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
	}
}

// serviceNameFromPod strips the project prefix and the replica set and pod
// suffixes: shop-cart-7d9f8-abcde -> cart.
func serviceNameFromPod(pod, project string) string {
	name := strings.TrimPrefix(pod, project+"-")
	parts := strings.Split(name, "-")
	if len(parts) <= 2 {
		return name
	}
	return strings.Join(parts[:len(parts)-2], "-")
}
