package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credvault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	loginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credvault_login_attempts_total",
		Help: "Login attempts by result.",
	}, []string{"result"})

	decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credvault_secret_decrypt_failures_total",
		Help: "Stored secret fields that could not be decrypted.",
	})

	credentialsDesc = prometheus.NewDesc("credvault_credentials_total", "Number of stored credentials.", nil, nil)
	accountsDesc    = prometheus.NewDesc("credvault_accounts_total", "Number of accounts.", nil, nil)
)

// countStore is the part of storage the inventory collector reads.
type countStore interface {
	CountCredentials(ctx context.Context) (int64, error)
	CountAccounts(ctx context.Context) (int64, error)
}

// inventoryCollector reads record counts from storage on every scrape.
type inventoryCollector struct {
	store countStore
}

func (c inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- credentialsDesc
	ch <- accountsDesc
}

func (c inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if n, err := c.store.CountCredentials(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(credentialsDesc, prometheus.GaugeValue, float64(n))
	} else {
		log.Warn().Err(err).Msg("counting credentials for metrics")
	}
	if n, err := c.store.CountAccounts(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(accountsDesc, prometheus.GaugeValue, float64(n))
	} else {
		log.Warn().Err(err).Msg("counting accounts for metrics")
	}
}

// newRegistry builds a registry holding the shared request metrics, runtime
// collectors and an inventory collector for store.
func newRegistry(store countStore) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestsTotal, requestDuration, loginAttempts, decryptFailures,
		inventoryCollector{store: store},
	)
	return reg
}

// MetricsHandler returns the Prometheus metrics HTTP handler for reg.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// metricsMiddleware records request metrics labelled by route pattern, so ids
// in paths do not create new series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
