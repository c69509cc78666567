package runtime

import (
	"context"
	"errors"
	"io"
	"syscall"

	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/checkin"
	"github.com/cognitedata/extractor-utils-go/internal/config"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/spool"
)

// buildSink creates the sink for one extractor run and hands it the
// errors collected while loading the configuration. Without an
// integration id, reports are only logged.
func (r *Runtime) buildSink(
	ctx context.Context,
	cfg *config.Config,
	revision *int,
	log *zap.Logger,
	onRevisionChanged func(int),
) (integration.Sink, []io.Closer, error) {
	if cfg.Cognite.IntegrationID == "" {
		// Bootstrap errors were logged and counted when first seen.
		r.bootstrap.Drain()
		return integration.NewLogSink(log, r.bus), nil, nil
	}

	var (
		store   checkin.Store
		closers []io.Closer
	)
	if cfg.CheckIn.SpoolPath != "" {
		s, err := spool.NewSQLiteStore(ctx, cfg.CheckIn.SpoolPath)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closers = append(closers, s)
	}

	worker, err := checkin.NewWorker(checkin.WorkerConfig{
		IntegrationID:     cfg.Cognite.IntegrationID,
		Client:            r.newClient(cfg, log),
		Logger:            log,
		Clock:             r.opts.Clock,
		Bus:               r.bus,
		ActiveRevision:    revision,
		OnRevisionChanged: onRevisionChanged,
		Store:             store,
	})
	if err != nil {
		_ = closeAll(closers)
		return nil, nil, err
	}

	if err := worker.Restore(ctx); err != nil {
		log.Warn("Failed to restore unsent reports", zap.Error(err))
	}
	worker.Import(r.bootstrap.Drain())
	return worker, closers, nil
}

// isStdStreamSyncError reports errors from syncing a logger writing to a
// terminal or pipe, which cannot be synced.
func isStdStreamSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
