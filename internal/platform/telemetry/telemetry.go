// Package telemetry exposes Prometheus metrics for the acquisition engine
// and carries a trace id through request and message handling contexts.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "acquisition-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// TelemetryProvider owns a Prometheus registry and the engine's collectors.
// A nil *TelemetryProvider is valid and records nothing.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	fhirRequests   *prometheus.CounterVec
	fhirDuration   *prometheus.HistogramVec
	fhirResources  *prometheus.CounterVec
	unitTransition *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	tailsSent      prometheus.Counter
	tailRaces      prometheus.Counter
	workItems      *prometheus.CounterVec
	reaped         prometheus.Counter
	refLookups     *prometheus.CounterVec
}

// NewTelemetryProvider creates a provider with its own registry. Go runtime
// and process collectors are registered alongside the engine metrics.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	const ns = "acquisition"
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.", ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help: "Duration of HTTP requests.", ConstLabels: constLabels,
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		fhirRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "fhir", Name: "requests_total",
			Help: "Requests sent to facility FHIR servers.", ConstLabels: constLabels,
		}, []string{"facility", "interaction", "outcome"}),
		fhirDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "fhir", Name: "request_duration_seconds",
			Help: "Latency of requests to facility FHIR servers.", ConstLabels: constLabels,
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"interaction"}),
		fhirResources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "fhir", Name: "resources_acquired_total",
			Help: "Resources acquired from facility FHIR servers.", ConstLabels: constLabels,
		}, []string{"resource_type"}),
		unitTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "units", Name: "transitions_total",
			Help: "Acquisition unit status transitions.", ConstLabels: constLabels,
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "notifications", Name: "published_total",
			Help: "Resource and tail notifications emitted.", ConstLabels: constLabels,
		}, []string{"sink", "kind", "outcome"}),
		tailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tailing", Name: "tails_sent_total",
			Help: "Groups for which a tail notification was emitted.", ConstLabels: constLabels,
		}),
		tailRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tailing", Name: "lost_races_total",
			Help: "Tail attempts abandoned because another writer won.", ConstLabels: constLabels,
		}),
		workItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "work_items_total",
			Help: "Work items consumed from the acquisition queue.", ConstLabels: constLabels,
		}, []string{"outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "units", Name: "reaped_total",
			Help: "Stale units moved to Failed by the reaper.", ConstLabels: constLabels,
		}),
		refLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "references", Name: "lookups_total",
			Help: "Reference resolutions by cache result.", ConstLabels: constLabels,
		}, []string{"result"}),
	}

	tp.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		tp.httpRequests, tp.httpDuration,
		tp.fhirRequests, tp.fhirDuration, tp.fhirResources,
		tp.unitTransition, tp.notifications,
		tp.tailsSent, tp.tailRaces,
		tp.workItems, tp.reaped, tp.refLookups,
	)
	return tp
}

// Registry returns the provider's Prometheus registry.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// Resource returns the identifying attributes of this service instance.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

func (tp *TelemetryProvider) enabled() bool {
	return tp != nil && tp.cfg.metricsOn()
}

// ---------------------------------------------------------------------------
// Domain recorders
// ---------------------------------------------------------------------------

// ObserveFHIRRequest records one request to a facility FHIR server.
func (tp *TelemetryProvider) ObserveFHIRRequest(facility, interaction, outcome string, d time.Duration) {
	if !tp.enabled() {
		return
	}
	tp.fhirRequests.WithLabelValues(facility, interaction, outcome).Inc()
	tp.fhirDuration.WithLabelValues(interaction).Observe(d.Seconds())
}

func (tp *TelemetryProvider) ResourcesAcquired(resourceType string, n int) {
	if !tp.enabled() || n <= 0 {
		return
	}
	tp.fhirResources.WithLabelValues(resourceType).Add(float64(n))
}

func (tp *TelemetryProvider) UnitTransition(status string) {
	if !tp.enabled() {
		return
	}
	tp.unitTransition.WithLabelValues(status).Inc()
}

func (tp *TelemetryProvider) NotificationPublished(sink, kind string, err error) {
	if !tp.enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	tp.notifications.WithLabelValues(sink, kind, outcome).Inc()
}

func (tp *TelemetryProvider) TailSent() {
	if tp.enabled() {
		tp.tailsSent.Inc()
	}
}

func (tp *TelemetryProvider) TailRaceLost() {
	if tp.enabled() {
		tp.tailRaces.Inc()
	}
}

// WorkItem counts a consumed work item by outcome (acked, requeued,
// dead_lettered).
func (tp *TelemetryProvider) WorkItem(outcome string) {
	if tp.enabled() {
		tp.workItems.WithLabelValues(outcome).Inc()
	}
}

func (tp *TelemetryProvider) UnitsReaped(n int) {
	if tp.enabled() && n > 0 {
		tp.reaped.Add(float64(n))
	}
}

// ReferenceLookup counts a reference resolved from the cache (hit) or
// fetched remotely (miss).
func (tp *TelemetryProvider) ReferenceLookup(hit bool) {
	if !tp.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	tp.refLookups.WithLabelValues(result).Inc()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.enabled() {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			tp.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			tp.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in Prometheus exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	h := promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

// ---------------------------------------------------------------------------
// Trace context
// ---------------------------------------------------------------------------

type traceKey struct{}

// WithTraceID stores a trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureTraceID returns ctx with a trace id, generating one if none is set.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id := TraceID(ctx); id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}

// NewTraceID returns 16 random bytes, hex encoded.
func NewTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
