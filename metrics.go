package dogpile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRecorder instruments a Lock's creation-mutex behavior.
// Wiring it up is optional (see WithMetrics); a Lock that never has
// metrics configured records into a no-op implementation.
type metricsRecorder struct {
	creatorInvocations prometheus.Counter
	staleServed        prometheus.Counter
	mutexWaitSeconds   prometheus.Histogram
}

var nopMetrics = &metricsRecorder{}

func (m *metricsRecorder) recordCreatorInvocation() {
	if m == nil || m.creatorInvocations == nil {
		return
	}
	m.creatorInvocations.Inc()
}

func (m *metricsRecorder) recordStaleServed() {
	if m == nil || m.staleServed == nil {
		return
	}
	m.staleServed.Inc()
}

func (m *metricsRecorder) recordMutexWait(d time.Duration) {
	if m == nil || m.mutexWaitSeconds == nil {
		return
	}
	m.mutexWaitSeconds.Observe(d.Seconds())
}

// newMetricsRecorder registers the dogpile metric family against reg
// under the given name label, used to distinguish multiple Dogpile
// instances sharing one registry.
func newMetricsRecorder(reg prometheus.Registerer, name string) *metricsRecorder {
	factory := promauto.With(reg)
	return &metricsRecorder{
		creatorInvocations: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dogpile_creator_invocations_total",
			Help:        "Number of times the creation callback actually ran.",
			ConstLabels: prometheus.Labels{"dogpile": name},
		}),
		staleServed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dogpile_stale_served_total",
			Help:        "Number of acquisitions that served a stale value while regeneration ran elsewhere.",
			ConstLabels: prometheus.Labels{"dogpile": name},
		}),
		mutexWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dogpile_mutex_wait_seconds",
			Help:        "Time spent blocked on the creation mutex during a cold start.",
			ConstLabels: prometheus.Labels{"dogpile": name},
			Buckets:     prometheus.DefBuckets,
		}),
	}
}
