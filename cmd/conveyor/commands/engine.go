package commands

import (
	"context"
	"runtime"

	"github.com/conveyorci/conveyor/pkg/artifact"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/gate"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/secrets"
	"github.com/conveyorci/conveyor/pkg/stores"
	"github.com/conveyorci/conveyor/pkg/telemetry"
)

// engineBundle wires the scheduler and its collaborators for one command
// invocation.
type engineBundle struct {
	Scheduler *engine.Scheduler
	Events    *engine.InMemoryEventPublisher
	Gate      *gate.Manager
	History   *stores.RunStore

	closers []func() error
}

// Close releases every store the bundle opened.
func (b *engineBundle) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// buildEngine opens the stores and assembles a scheduler from the
// configuration. The telemetry masker observes resolved secrets so they are
// masked in every log line.
func buildEngine(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*engineBundle, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	bundle := &engineBundle{
		Events: engine.NewInMemoryEventPublisher(),
		Gate:   gate.NewManager(cfg.Approvals.Timeout.Std()),
	}

	cacheMgr, err := cache.NewManager(cache.Config{
		Path:       cfg.Cache.Path,
		QuotaBytes: cfg.Cache.QuotaBytes,
		Retention:  cfg.Cache.Retention.Std(),
	})
	if err != nil {
		return nil, err
	}
	if err := cacheMgr.Init(ctx); err != nil {
		return nil, err
	}
	bundle.closers = append(bundle.closers, cacheMgr.Close)

	artifacts, err := artifact.NewStore(artifact.Config{
		Path:           cfg.Artifacts.Path,
		MaxSizeBytes:   cfg.Artifacts.MaxSizeBytes,
		AllowOverwrite: cfg.Artifacts.AllowOverwrite,
	})
	if err != nil {
		bundle.Close()
		return nil, err
	}
	if err := artifacts.Init(ctx); err != nil {
		bundle.Close()
		return nil, err
	}
	bundle.closers = append(bundle.closers, artifacts.Close)

	var recorder engine.RunRecorder
	if cfg.History.Enabled {
		history, err := stores.NewRunStore(stores.Config{Path: cfg.History.Path})
		if err != nil {
			bundle.Close()
			return nil, err
		}
		if err := history.Init(ctx); err != nil {
			bundle.Close()
			return nil, err
		}
		bundle.History = history
		bundle.closers = append(bundle.closers, history.Close)
		recorder = history
	}

	secretStore := secrets.NewStaticStore(cfg.Secrets)
	for _, env := range cfg.Environments {
		if len(env.Secrets) > 0 {
			secretStore.SetScope(env.Name, env.Secrets)
		}
	}

	shell := runner.NewShell(cfg.Workspace)
	if err := shell.EnsureWorkDir(); err != nil {
		bundle.Close()
		return nil, err
	}

	scheduler, err := engine.NewScheduler(engine.SchedulerConfig{
		Runner:             shell,
		Events:             bundle.Events,
		Cache:              cacheMgr,
		Artifacts:          artifacts,
		Gate:               bundle.Gate,
		Secrets:            secretStore,
		Recorder:           recorder,
		Environments:       cfg.EnvironmentMap(),
		MaxParallel:        cfg.Engine.MaxParallel,
		MaxMatrixInstances: cfg.Engine.MaxMatrixInstances,
		JobTimeout:         cfg.Engine.JobTimeout.Std(),
		WorkspaceDir:       cfg.Workspace,
		RunnerFacts: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
		SecretObserver: tel.Masker.Register,
	})
	if err != nil {
		bundle.Close()
		return nil, err
	}
	bundle.Scheduler = scheduler

	return bundle, nil
}
