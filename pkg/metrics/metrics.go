// Package metrics exports Prometheus counters for crawl and ingestion outcomes.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every metric name
const Namespace = "harvester"

// Ingest outcome labels
const (
	OutcomeSaved      = "saved"
	OutcomeDuplicate  = "duplicate"
	OutcomeBelowFloor = "below_floor"
	OutcomeNotImage   = "not_image"
	OutcomeUnchanged  = "unchanged"
	OutcomeRejected   = "rejected" // Classifier said no
	OutcomeError      = "error"
)

// Metrics holds the harvester's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PagesTotal      *prometheus.CounterVec // by outcome: fetched | failed
	ImagesTotal     *prometheus.CounterVec // by outcome and source
	PDFsTotal       *prometheus.CounterVec // by outcome: processed | failed
	ErrorsTotal     *prometheus.CounterVec // by category
	RunDuration     prometheus.Histogram
	FrontierPending prometheus.Gauge
}

// New creates the collectors on a private registry so several instances can coexist
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_total",
			Help:      "Pages visited by the crawl controller",
		}, []string{"outcome"}),
		ImagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "images_total",
			Help:      "Image candidates seen by the ingestion sink",
		}, []string{"outcome", "source"}),
		PDFsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pdfs_total",
			Help:      "Linked PDFs handled during crawls",
		}, []string{"outcome"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Per-URL failures by category",
		}, []string{"category"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of crawl runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		FrontierPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "frontier_pending",
			Help:      "Work items waiting in the crawl frontier",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Page(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Image(outcome, source string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(outcome, source).Inc()
}

func (m *Metrics) PDF(outcome string) {
	if m == nil {
		return
	}
	m.PDFsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Error(category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.FrontierPending.Set(float64(n))
}

// Handler serves the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
