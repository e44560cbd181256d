package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector of the billing engine. It
// satisfies the optional MetricsRecorder interfaces of the settlement,
// admission, provider, reconcile and notify packages.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Money movement.
	LedgerPostingsTotal     *prometheus.CounterVec
	InsufficientFundsTotal  prometheus.Counter
	FinalizeTotal           *prometheus.CounterVec
	AdmissionDenialsTotal   *prometheus.CounterVec
	RateLimitRejectionTotal *prometheus.CounterVec

	// Providers.
	WebhooksTotal       *prometheus.CounterVec
	ProviderErrorsTotal *prometheus.CounterVec

	// Notifications.
	NotifyDroppedTotal   prometheus.Counter
	NotifyDeliveredTotal *prometheus.CounterVec

	AuthFailuresTotal *prometheus.CounterVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prepaid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		LedgerPostingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_ledger_postings_total",
			Help: "Total number of ledger entries appended.",
		}, []string{"direction", "kind"}),

		InsufficientFundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prepaid_insufficient_funds_total",
			Help: "Total number of debits rejected for insufficient funds.",
		}),

		FinalizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_finalize_total",
			Help: "Total number of finalize attempts by outcome and whether they applied.",
		}, []string{"outcome", "applied"}),

		AdmissionDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_admission_denials_total",
			Help: "Total number of admission checks that refused consumption.",
		}, []string{"reason"}),

		RateLimitRejectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the tenant rate limiter.",
		}, []string{"scope"}),

		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_webhooks_total",
			Help: "Total number of provider webhooks by result.",
		}, []string{"provider", "result"}),

		ProviderErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_provider_errors_total",
			Help: "Total number of failed provider API calls by error type.",
		}, []string{"provider", "error_type"}),

		NotifyDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prepaid_notify_dropped_total",
			Help: "Total number of notification events dropped because the buffer was full.",
		}),

		NotifyDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_notify_delivered_total",
			Help: "Total number of notification batches handed to sinks.",
		}, []string{"sink", "status"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prepaid_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prepaid_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerPostingsTotal,
		m.InsufficientFundsTotal,
		m.FinalizeTotal,
		m.AdmissionDenialsTotal,
		m.RateLimitRejectionTotal,
		m.WebhooksTotal,
		m.ProviderErrorsTotal,
		m.NotifyDroppedTotal,
		m.NotifyDeliveredTotal,
		m.AuthFailuresTotal,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(d.Seconds())
}

func (m *Metrics) IncLedgerPosting(direction, kind string) {
	m.LedgerPostingsTotal.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) IncInsufficientFunds() {
	m.InsufficientFundsTotal.Inc()
}

func (m *Metrics) IncFinalize(outcome string, applied bool) {
	m.FinalizeTotal.WithLabelValues(outcome, strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) IncAdmissionDenial(reason string) {
	m.AdmissionDenialsTotal.WithLabelValues(reason).Inc()
}

// IncRateLimitRejection counts a throttled tenant request. Tenant IDs are
// not used as labels.
func (m *Metrics) IncRateLimitRejection(string) {
	m.RateLimitRejectionTotal.WithLabelValues("tenant").Inc()
}

func (m *Metrics) IncWebhook(provider, result string) {
	m.WebhooksTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) IncProviderError(provider, errorType string) {
	m.ProviderErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) IncNotifyDropped() {
	m.NotifyDroppedTotal.Inc()
}

func (m *Metrics) IncNotifyDelivered(sink, status string) {
	m.NotifyDeliveredTotal.WithLabelValues(sink, status).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}
