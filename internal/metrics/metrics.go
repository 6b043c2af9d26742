package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docmirror"

// Collectors groups the Prometheus instruments exported by the service.
type Collectors struct {
	MirrorOperations  *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
}

// NewCollectors constructs unregistered collectors.
func NewCollectors() *Collectors {
	return &Collectors{
		MirrorOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "mirror_operations_total", Help: "Mirror file operations by operation and result."},
			[]string{"operation", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route, method, and status code."},
			[]string{"route", "method", "status"},
		),
		RateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Mutating requests rejected by the per-user limiter."},
			[]string{"route"},
		),
	}
}

// Register adds every collector to reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{c.MirrorOperations, c.HTTPRequests, c.RateLimitRejected} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// ObserveMirrorOperation implements mirror.Recorder.
func (c *Collectors) ObserveMirrorOperation(operation, result string) {
	if c == nil {
		return
	}
	c.MirrorOperations.WithLabelValues(operation, result).Inc()
}

func (c *Collectors) ObserveRequest(route, method string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

func (c *Collectors) ObserveRateLimited(route string) {
	if c == nil {
		return
	}
	c.RateLimitRejected.WithLabelValues(route).Inc()
}
