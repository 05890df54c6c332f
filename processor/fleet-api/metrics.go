package fleetapi

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/agentfleet/fleet"
)

// apiMetrics is the component's private Prometheus registry. Keeping it off
// the default registry lets tests construct components side by side without
// duplicate-collector panics.
type apiMetrics struct {
	registry        *prometheus.Registry
	httpRequests    *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	heartbeats      prometheus.Counter
}

func newAPIMetrics() *apiMetrics {
	m := &apiMetrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_http_requests_total",
			Help: "HTTP requests served by the fleet API, by route, method, and status code.",
		}, []string{"route", "method", "code"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfleet_task_transitions_total",
			Help: "Manual task status transitions accepted by the API, by target status.",
		}, []string{"to"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentfleet_heartbeats_total",
			Help: "Node heartbeats accepted by the API.",
		}),
	}
	m.registry.MustRegister(m.httpRequests, m.taskTransitions, m.heartbeats)
	return m
}

func (m *apiMetrics) observeRequest(route, method string, code int) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}

func (m *apiMetrics) observeTransition(to fleet.Status) {
	m.taskTransitions.WithLabelValues(string(to)).Inc()
}

func (m *apiMetrics) observeHeartbeat() {
	m.heartbeats.Inc()
}

// handler serves the registry in Prometheus text exposition format.
func (m *apiMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
