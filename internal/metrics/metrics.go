// Package metrics exposes scheduler and check-in activity as Prometheus
// metrics, served over HTTP or pushed to push gateways.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/config"
	"github.com/cognitedata/extractor-utils-go/internal/events"
)

// DefaultPushInterval is used for push gateways without an interval.
const DefaultPushInterval = 30 * time.Second

// Metrics holds the collectors of one extractor process.
type Metrics struct {
	Registry *prometheus.Registry

	TaskStarts      *prometheus.CounterVec
	TaskEnds        *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
	CheckIns        *prometheus.CounterVec
	CheckInItems    *prometheus.CounterVec
	CheckInDuration prometheus.Histogram
	RevisionChanges prometheus.Counter

	clock clock.Clock
}

// New creates and registers the collectors. namespace prefixes every
// metric name and may be empty. clk paces Push; nil means wall-clock time.
func New(namespace string, clk clock.Clock) *Metrics {
	if clk == nil {
		clk = clock.New()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		clock:    clk,
		TaskStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_starts_total",
			Help:      "Number of task runs started.",
		}, []string{"task"}),
		TaskEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_ends_total",
			Help:      "Number of task runs ended, by outcome.",
		}, []string{"task", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"task"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Number of errors reported, by level.",
		}, []string{"level"}),
		CheckIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "Number of check-in requests, by result.",
		}, []string{"result"}),
		CheckInItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkin_items_total",
			Help:      "Number of errors and task events delivered by check-ins.",
		}, []string{"kind"}),
		CheckInDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkin_duration_seconds",
			Help:      "Latency of check-in requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		RevisionChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_revision_changes_total",
			Help:      "Number of remote configuration revision changes observed.",
		}),
	}

	reg.MustRegister(
		m.TaskStarts,
		m.TaskEnds,
		m.TaskDuration,
		m.Errors,
		m.CheckIns,
		m.CheckInItems,
		m.CheckInDuration,
		m.RevisionChanges,
	)
	return m
}

// Observe updates the collectors for a single event.
func (m *Metrics) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		m.TaskStarts.WithLabelValues(e.Name).Inc()
	case events.TaskEndedEvent:
		m.TaskEnds.WithLabelValues(e.Name, e.Outcome).Inc()
		m.TaskDuration.WithLabelValues(e.Name).Observe(e.Duration.Seconds())
	case events.ErrorReportedEvent:
		m.Errors.WithLabelValues(e.Level).Inc()
	case events.CheckInEvent:
		result := "ok"
		switch {
		case e.Dropped:
			result = "dropped"
		case e.Err != nil:
			result = "failed"
		}
		m.CheckIns.WithLabelValues(result).Inc()
		m.CheckInDuration.Observe(e.Duration.Seconds())
		if result == "ok" {
			m.CheckInItems.WithLabelValues("errors").Add(float64(e.Errors))
			m.CheckInItems.WithLabelValues("task_events").Add(float64(e.TaskEvents))
		}
	case events.RevisionChangedEvent:
		m.RevisionChanges.Inc()
	}
}

// Consume feeds every event received on sub into the collectors until
// ctx is cancelled or the subscription is closed. Events already
// buffered when ctx is cancelled are still counted.
func (m *Metrics) Consume(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-sub.C:
					if !ok {
						return nil
					}
					m.Observe(ev)
				default:
					return nil
				}
			}
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// Pusher returns a push gateway client for the registry.
func (m *Metrics) Pusher(cfg config.PushGatewayConfig) *push.Pusher {
	p := push.New(cfg.URL, cfg.Job).Gatherer(m.Registry)
	if cfg.Username != "" {
		p = p.BasicAuth(cfg.Username, cfg.Password)
	}
	return p
}

// Push pushes metrics to a gateway every interval until ctx is
// cancelled, then pushes one last time. Push failures are logged.
func (m *Metrics) Push(ctx context.Context, cfg config.PushGatewayConfig, logger *zap.Logger) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	pusher := m.Pusher(cfg)
	log := logger.With(zap.String("gateway", cfg.URL), zap.String("job", cfg.Job))

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pusher.PushContext(finalCtx); err != nil {
				log.Warn("Final metrics push failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := pusher.PushContext(ctx); err != nil {
				log.Warn("Metrics push failed", zap.Error(err))
			}
		}
	}
}
