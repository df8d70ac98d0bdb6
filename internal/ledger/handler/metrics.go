package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerRowsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rows_appended_total",
		Help: "Total ledger rows stored by domain and whether they were signed on write.",
	}, []string{"domain", "signed"})

	ledgerSignaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_signatures_total",
		Help: "Total signing RPC calls by action and outcome code.",
	}, []string{"action", "code"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total receipt verifications by result.",
	}, []string{"result"})

	ledgerNotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notify_publish_total",
		Help: "Total appended-row notifications by status.",
	}, []string{"status"})

	ledgerWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by status.",
	}, []string{"status"})

	ledgerRecorderWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_recorder_writes_total",
		Help: "Total recorder writes by domain and write path.",
	}, []string{"domain", "path"})

	ledgerOutboxFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_outbox_flushed_total",
		Help: "Total outbox entries processed by flush outcome.",
	}, []string{"result"})

	ledgerOutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_outbox_pending",
		Help: "Outbox entries waiting to be written.",
	})

	ledgerHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_health_checks_total",
		Help: "Total backend reachability probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRowAppended records a stored ledger row.
func RecordRowAppended(domain model.Domain, signed bool) {
	ledgerRowsAppendedTotal.WithLabelValues(string(domain), strconv.FormatBool(signed)).Inc()
}

// RecordSignature records a signing RPC outcome. code is "ok" on success.
func RecordSignature(action, code string) {
	ledgerSignaturesTotal.WithLabelValues(action, code).Inc()
}

// RecordVerification records a receipt verification result.
func RecordVerification(result verify.Result) {
	ledgerVerificationsTotal.WithLabelValues(string(result)).Inc()
}

// RecordNotify records an appended-row notification attempt.
func RecordNotify(success bool) {
	if success {
		ledgerNotifyTotal.WithLabelValues("success").Inc()
	} else {
		ledgerNotifyTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		ledgerWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		ledgerWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordHealthCheck records a backend reachability probe result.
func RecordHealthCheck(success bool) {
	if success {
		ledgerHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		ledgerHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// SetOutboxPending sets the pending outbox gauge.
func SetOutboxPending(n int) {
	ledgerOutboxPending.Set(float64(n))
}

// RecorderMetrics feeds service.Recorder observations into Prometheus.
type RecorderMetrics struct{}

var _ service.MetricsRecorder = RecorderMetrics{}

func (RecorderMetrics) RecordWrite(domain model.Domain, path service.WritePath) {
	ledgerRecorderWritesTotal.WithLabelValues(string(domain), string(path)).Inc()
}

func (RecorderMetrics) RecordFlush(written, failed int) {
	ledgerOutboxFlushedTotal.WithLabelValues("written").Add(float64(written))
	ledgerOutboxFlushedTotal.WithLabelValues("failed").Add(float64(failed))
}
