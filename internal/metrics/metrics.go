package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	serviceBuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happymsp",
		Subsystem: "pipeline",
		Name:      "service_builds_total",
		Help:      "Build-push outcomes per service",
	}, []string{"outcome"})

	pipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happymsp",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Deployment pipeline run outcomes",
	}, []string{"outcome"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "happymsp",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage"})

	poolInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "happymsp",
		Subsystem: "workerpool",
		Name:      "in_flight",
		Help:      "Tasks currently holding a worker pool slot",
	}, []string{"pool"})
)

// Register adds the pipeline collectors to the default registry once.
func Register() {
	once.Do(func() {
		for _, c := range []prometheus.Collector{serviceBuilds, pipelineRuns, stageDuration, poolInFlight} {
			if err := prometheus.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					panic(err)
				}
			}
		}
	})
}

// ServiceBuild records the outcome of one service build-push.
func ServiceBuild(outcome string) {
	serviceBuilds.WithLabelValues(outcome).Inc()
}

// PipelineRun records the outcome of one orchestrated deployment.
func PipelineRun(outcome string) {
	pipelineRuns.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took since start.
func ObserveStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// PoolAcquired and PoolReleased track worker pool occupancy.
func PoolAcquired(pool string) { poolInFlight.WithLabelValues(pool).Inc() }

func PoolReleased(pool string) { poolInFlight.WithLabelValues(pool).Dec() }
