// Package metrics provides Prometheus instrumentation for the sync engine:
// merge throughput, conflicts, notices, REST calls, channel state and bus
// drops.
package metrics

import (
	"context"
	"net/http"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. It implements engine.Observer.
type Metrics struct {
	reg *prometheus.Registry

	merges      *prometheus.CounterVec
	conflicts   prometheus.Counter
	notices     *prometheus.CounterVec
	restCalls   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	live        prometheus.Gauge
	dropped     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Reconciler operations by source transport and outcome",
		}, []string{"source", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_merge_conflicts_total",
			Help: "Updates dropped to keep a monotonic field from regressing",
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_notices_total",
			Help: "User-visible failures by operation",
		}, []string{"op"}),
		restCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_rest_calls_total",
			Help: "REST collaborator calls by operation and result",
		}, []string{"op", "result"}), // result = "ok", "error"
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_channel_transitions_total",
			Help: "Realtime channel state transitions by target state",
		}, []string{"to"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_channel_live",
			Help: "1 while the realtime channel is live",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_bus_dropped_total",
			Help: "Bus events dropped because a subscriber was full",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		m.merges,
		m.conflicts,
		m.notices,
		m.restCalls,
		m.transitions,
		m.live,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Merged(source, outcome string) {
	m.merges.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Conflict() { m.conflicts.Inc() }

func (m *Metrics) Notice(op string) {
	m.notices.WithLabelValues(op).Inc()
}

func (m *Metrics) RESTCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.restCalls.WithLabelValues(op, result).Inc()
}

// Dropped is installed as the bus drop hook.
func (m *Metrics) Dropped(kind string) {
	m.dropped.WithLabelValues(kind).Inc()
}

// Watch follows channel state changes on b until ctx is cancelled.
func (m *Metrics) Watch(ctx context.Context, b *bus.Bus) {
	events, unsub := b.Subscribe(status.EventKind, 64)
	defer unsub()
	for {
		select {
		case evt := <-events:
			change, ok := evt.Payload.(status.Change)
			if !ok {
				continue
			}
			m.transitions.WithLabelValues(string(change.To)).Inc()
			if change.To == status.Live {
				m.live.Set(1)
			} else {
				m.live.Set(0)
			}
		case <-ctx.Done():
			return
		}
	}
}
