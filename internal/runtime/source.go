package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/checkin"
	"github.com/cognitedata/extractor-utils-go/internal/config"
)

// loadConfigWithRetry loads the configuration, retrying failures to reach
// the control plane with backoff. Problems with the local file are not
// retried.
func (r *Runtime) loadConfigWithRetry(ctx context.Context) (*config.Config, *int, error) {
	var (
		cfg      *config.Config
		revision *int
	)
	operation := func() error {
		var err error
		cfg, revision, err = r.loadConfig(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Failed to load configuration, retrying",
			zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, r.opts.ConfigRetry.NewBackOff(ctx), notify); err != nil {
		return nil, nil, err
	}
	return cfg, revision, nil
}

// loadConfig reads the local file. For remote configurations it fetches
// the latest revision, falling back to the cached one if the control
// plane cannot be reached.
func (r *Runtime) loadConfig(ctx context.Context) (*config.Config, *int, error) {
	local, err := config.Load(r.opts.ConfigPath)
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	if local.Type != config.TypeRemote {
		return local, nil, nil
	}

	client := r.opts.ConfigClient
	if client == nil {
		client = r.newClient(local, r.logger)
	}
	remote, err := client.GetConfig(ctx, local.Cognite.IntegrationID, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, backoff.Permanent(ctx.Err())
		}
		return r.loadCachedConfig(local, err)
	}

	cfg, err := local.MergeRemote(remote.Config)
	if err != nil {
		r.reporter.Error(fmt.Sprintf("Configuration revision %d is invalid", remote.Revision), err.Error())
		return nil, nil, err
	}

	if path := cachePath(local); path != "" {
		cached := &config.CachedConfig{Revision: remote.Revision, Config: remote.Config}
		if err := config.SaveCached(cached, path); err != nil {
			r.logger.Warn("Failed to cache remote configuration", zap.Error(err))
		}
	}
	r.logger.Info("Loaded remote configuration", zap.Int("revision", remote.Revision))
	rev := remote.Revision
	return cfg, &rev, nil
}

func (r *Runtime) loadCachedConfig(local *config.Config, fetchErr error) (*config.Config, *int, error) {
	path := cachePath(local)
	if path == "" {
		r.reporter.Error("Failed to fetch remote configuration", fetchErr.Error())
		return nil, nil, fetchErr
	}

	cached, err := config.LoadCached(path)
	if err != nil {
		r.reporter.Error("Failed to fetch remote configuration, and no cached configuration is available", fetchErr.Error())
		return nil, nil, fetchErr
	}
	cfg, err := local.MergeRemote(cached.Config)
	if err != nil {
		r.reporter.Error("Failed to fetch remote configuration, and the cached configuration is invalid", err.Error())
		return nil, nil, fetchErr
	}

	r.reporter.Warning(
		fmt.Sprintf("Failed to fetch remote configuration, using cached revision %d", cached.Revision),
		fetchErr.Error())
	rev := cached.Revision
	return cfg, &rev, nil
}

func cachePath(cfg *config.Config) string {
	if cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(cfg.CacheDir, config.CacheFileName)
}

func (r *Runtime) newClient(cfg *config.Config, log *zap.Logger) *checkin.HTTPClient {
	return checkin.NewHTTPClient(checkin.ClientConfig{
		BaseURL:    cfg.Cognite.BaseURL,
		Project:    cfg.Cognite.Project,
		Token:      cfg.Cognite.Token,
		Timeout:    cfg.Cognite.Timeout,
		HTTPClient: r.opts.HTTPClient,
		Retry:      r.opts.ClientRetry,
		Logger:     log,
	})
}
