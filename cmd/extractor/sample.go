package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/config"
	"github.com/cognitedata/extractor-utils-go/internal/extractor"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/logger"
	"github.com/cognitedata/extractor-utils-go/internal/scheduler"
)

// sampleSettings is the extractor: section of the sample extractor.
type sampleSettings struct {
	Source   string        `yaml:"source" validate:"required"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// Summary is a cron expression for the summary task.
	Summary string `yaml:"summary" validate:"required"`
	// FailEvery makes every n-th poll fail with an error. Zero disables.
	FailEvery int `yaml:"fail-every" validate:"gte=0"`
}

func defaultSampleSettings() *sampleSettings {
	return &sampleSettings{
		Source:   "demo",
		Interval: 10 * time.Second,
		Summary:  "@every 1m",
	}
}

// sampleExtractor polls a fake source on an interval and periodically
// summarizes what it has seen.
type sampleExtractor struct {
	settings *sampleSettings
	polls    atomic.Int64
}

// newSampleExtractor decodes the sample settings. Tasks log through the
// task-scoped logger carried by their context.
func newSampleExtractor(cfg *config.Config, _ *zap.Logger) (extractor.TaskInitializer, any, error) {
	settings := defaultSampleSettings()
	if err := cfg.DecodeExtractor(settings); err != nil {
		return nil, nil, err
	}
	return &sampleExtractor{settings: settings}, settings, nil
}

func (s *sampleExtractor) InitTasks(ctx context.Context, ext *extractor.Extractor) error {
	summary, err := scheduler.ParseCron(s.settings.Summary)
	if err != nil {
		return err
	}

	if err := ext.AddTask(&scheduler.FuncTask{
		TaskName: "poll",
		Every:    scheduler.Every(s.settings.Interval),
		Locks:    []string{s.settings.Source},
		Fn:       s.poll,
	}, true); err != nil {
		return err
	}

	return ext.AddTask(&scheduler.FuncTask{
		TaskName: "summarize",
		Every:    summary,
		Deps:     []string{"poll"},
		Locks:    []string{s.settings.Source},
		Fn:       s.summarize,
	}, false)
}

func (s *sampleExtractor) poll(ctx context.Context, reporter *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
	n := s.polls.Add(1)
	if s.settings.FailEvery > 0 && n%int64(s.settings.FailEvery) == 0 {
		reporter.Error(fmt.Sprintf("Poll %d of %s failed", n, s.settings.Source), "simulated failure")
		return &integration.TaskUpdatePayload{Message: "poll failed"}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	logger.FromContext(ctx).Debug("Polled source", zap.String("source", s.settings.Source), zap.Int64("poll", n))
	return &integration.TaskUpdatePayload{Message: fmt.Sprintf("poll %d done", n)}, nil
}

func (s *sampleExtractor) summarize(ctx context.Context, reporter *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
	n := s.polls.Load()
	logger.FromContext(ctx).Info("Summary", zap.String("source", s.settings.Source), zap.Int64("polls", n))
	return &integration.TaskUpdatePayload{Message: fmt.Sprintf("%d polls so far", n)}, nil
}
