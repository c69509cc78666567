// Package runtime loads the configuration, builds the check-in sink and
// the extractor, and runs it. When the control plane reports a new
// configuration revision the extractor is shut down and started again
// with the new configuration.
package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cognitedata/extractor-utils-go/internal/checkin"
	"github.com/cognitedata/extractor-utils-go/internal/config"
	"github.com/cognitedata/extractor-utils-go/internal/events"
	"github.com/cognitedata/extractor-utils-go/internal/extractor"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/logger"
	"github.com/cognitedata/extractor-utils-go/internal/metrics"
)

// Factory creates the extractor implementation for a configuration.
// settings is validated by the extractor before its tasks are created.
type Factory func(cfg *config.Config, logger *zap.Logger) (impl extractor.TaskInitializer, settings any, err error)

// Options configures a Runtime.
type Options struct {
	ConfigPath string
	Factory    Factory

	// Logger overrides the logger built from the configuration.
	Logger *zap.Logger
	Clock  clock.Clock
	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string

	// ConfigRetry controls how loading the configuration is retried.
	// A zero MaxElapsedTime retries until the context is cancelled.
	ConfigRetry checkin.RetryConfig
	// ClientRetry controls retries of single control plane requests.
	ClientRetry checkin.RetryConfig
	HTTPClient  *http.Client // Optional
	// ConfigClient fetches remote configuration revisions. Defaults to
	// an HTTP client built from the local configuration.
	ConfigClient checkin.ConfigClient
}

// DefaultConfigRetry retries configuration loading forever, backing off
// to one attempt per minute.
func DefaultConfigRetry() checkin.RetryConfig {
	return checkin.RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Runtime runs an extractor for the lifetime of the process.
type Runtime struct {
	opts      Options
	logger    *zap.Logger
	bus       *events.EventBus
	metrics   *metrics.Metrics
	observed  *events.Subscription
	bootstrap *integration.BootstrapSink
	reporter  *integration.ErrorReporter
}

// New creates a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("extractor factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ConfigRetry == (checkin.RetryConfig{}) {
		opts.ConfigRetry = DefaultConfigRetry()
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.New(config.DefaultConfig().Logger)
		if err != nil {
			return nil, err
		}
	}

	// Subscribe before anything is reported so that errors raised while
	// loading the configuration are counted.
	bus := events.NewEventBus()
	bootstrap := integration.NewBootstrapSink(log, bus)
	return &Runtime{
		opts:      opts,
		logger:    log,
		bus:       bus,
		metrics:   metrics.New(opts.MetricsNamespace, opts.Clock),
		observed:  bus.Subscribe("", 0),
		bootstrap: bootstrap,
		reporter:  integration.NewErrorReporter(bootstrap, "", opts.Clock),
	}, nil
}

// Metrics returns the runtime's metric collectors.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Run loads the configuration and runs the extractor until ctx is
// cancelled or the extractor fails. It returns nil on cancellation.
func (r *Runtime) Run(ctx context.Context) error {
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		_ = r.metrics.Consume(consumeCtx, r.observed)
	}()
	defer func() {
		stopConsuming()
		<-consumed
	}()

	for {
		cfg, revision, err := r.loadConfigWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		restart, err := r.runOnce(ctx, cfg, revision)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		r.logger.Info("Configuration revision changed, restarting extractor")
	}
}

// runOnce runs one extractor instance. It reports whether the extractor
// stopped because a new configuration revision is available.
func (r *Runtime) runOnce(ctx context.Context, cfg *config.Config, revision *int) (bool, error) {
	log, err := r.loggerFor(cfg)
	if err != nil {
		return false, err
	}
	if revision != nil {
		log = log.With(zap.Int("revision", *revision))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restart atomic.Bool
	onRevisionChanged := func(rev int) {
		restart.Store(true)
		cancel()
	}

	sink, closers, err := r.buildSink(runCtx, cfg, revision, log, onRevisionChanged)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := closeAll(closers); err != nil {
			log.Warn("Failed to release resources", zap.Error(err))
		}
	}()

	impl, settings, err := r.opts.Factory(cfg, log)
	if err != nil {
		return false, fmt.Errorf("creating extractor: %w", err)
	}
	ext, err := extractor.New(extractor.Config{
		Impl:                  impl,
		Sink:                  sink,
		Settings:              settings,
		Logger:                log,
		Clock:                 r.opts.Clock,
		Bus:                   r.bus,
		ShutdownTimeout:       shutdownTimeout(cfg),
		CheckInInterval:       cfg.CheckIn.Interval,
		ReadinessPollInterval: cfg.Scheduler.ReadinessPollInterval,
	})
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return ext.Start(gctx)
	})
	if srv := cfg.Metrics.Server; srv != nil {
		addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
		g.Go(func() error {
			return r.metrics.Serve(gctx, addr, log)
		})
	}
	for _, gw := range cfg.Metrics.PushGateways {
		gw := gw
		g.Go(func() error {
			return r.metrics.Push(gctx, gw, log)
		})
	}
	runErr := g.Wait()

	// Leave room for the final flush after the scheduler has stopped.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout(cfg)+5*time.Second)
	ext.Shutdown(shutdownCtx)
	cancelShutdown()

	if runErr != nil {
		return false, runErr
	}
	return restart.Load() && ctx.Err() == nil, nil
}

// shutdownTimeout is how long the extractor waits for its tasks to stop.
func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Scheduler.ShutdownTimeout <= 0 {
		return extractor.DefaultShutdownTimeout
	}
	return cfg.Scheduler.ShutdownTimeout
}

func (r *Runtime) loggerFor(cfg *config.Config) (*zap.Logger, error) {
	if r.opts.Logger != nil {
		return r.opts.Logger, nil
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return log, nil
}

// Close releases resources held across extractor restarts.
func (r *Runtime) Close() error {
	var result *multierror.Error
	r.bus.Close()
	if err := r.logger.Sync(); err != nil && !isStdStreamSyncError(err) {
		result = multierror.Append(result, fmt.Errorf("syncing logger: %w", err))
	}
	return result.ErrorOrNil()
}

// closeAll closes every closer, collecting all failures.
func closeAll(closers []io.Closer) error {
	var result *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
