// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package agent wires the sampling, buffering and delivery components
// together and drives them through the lifecycle state machine.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/internal/delivery"
	exportotel "github.com/antimetal/sentinel/internal/export/otel"
	"github.com/antimetal/sentinel/internal/lifecycle"
	"github.com/antimetal/sentinel/internal/pipeline"
	"github.com/antimetal/sentinel/pkg/host"
	"github.com/antimetal/sentinel/pkg/sensors"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

// ExitCode is the agent's process exit status.
type ExitCode int

const (
	// ExitOK is a clean, signal-initiated stop.
	ExitOK ExitCode = 0
	// ExitConfigError means the startup configuration could not be resolved
	// or failed validation.
	ExitConfigError ExitCode = 1
	// ExitSourceError means the configured sensor source could not be
	// constructed, or the host identity could not be established.
	ExitSourceError ExitCode = 2
)

// Agent owns the component graph for one process lifetime.
type Agent struct {
	logger logr.Logger
	loader *config.Loader

	cfg     config.Config
	ctrl    *lifecycle.Controller
	buffer  *pipeline.Buffer
	sched   *pipeline.Scheduler
	client  *delivery.Client
	breaker *delivery.Breaker
	worker  *delivery.Worker
	mirror  *exportotel.Mirror

	mu         sync.Mutex
	drainGrace time.Duration
}

// Run resolves the configuration, builds the agent and runs it until a
// termination signal or ctx cancellation. The returned code is the process
// exit status.
func Run(ctx context.Context, loader *config.Loader, logger logr.Logger) ExitCode {
	cfg, err := loader.Load()
	if err != nil {
		logger.Error(err, "failed to resolve configuration")
		return ExitConfigError
	}

	a, err := build(ctx, cfg, loader, logger)
	if err != nil {
		logger.Error(err, "failed to build agent")
		return ExitSourceError
	}
	return a.run(ctx)
}

// build constructs the component graph from a validated configuration.
func build(ctx context.Context, cfg config.Config, loader *config.Loader, logger logr.Logger) (*Agent, error) {
	hostID, err := host.ID()
	if err != nil {
		return nil, err
	}

	src, err := buildSource(logger, cfg)
	if err != nil {
		return nil, err
	}

	ctrl := lifecycle.NewController(logger)
	buffer := pipeline.NewBuffer(cfg.Buffer)
	assembler := telemetry.NewAssembler(hostID, logger)

	client := delivery.NewClient(logger, cfg.Collector)
	breaker := delivery.NewBreaker(logger, cfg.Collector.Breaker)
	worker := delivery.NewWorker(logger, buffer, client, breaker, ctrl, cfg.Collector.Retry)

	var schedOpts []pipeline.SchedulerOption
	var mirror *exportotel.Mirror
	if cfg.Export.OTel.Enabled {
		mirror, err = exportotel.NewMirror(ctx, logger, cfg.Export.OTel)
		if err != nil {
			// The mirror is observational; its absence never blocks startup.
			logger.Error(err, "metrics mirror disabled")
		} else {
			schedOpts = append(schedOpts, pipeline.WithSnapshotObserver(mirror.Record))
		}
	}

	sched := pipeline.NewScheduler(logger, src, assembler, buffer, ctrl, cfg, schedOpts...)

	logger.Info("agent assembled",
		"host_id", hostID,
		"source", src.Name(),
		"collector", cfg.Collector.Endpoint,
		"buffer_capacity", cfg.Buffer.Capacity,
		"buffer_policy", cfg.Buffer.Policy)

	return &Agent{
		logger:     logger.WithName("agent"),
		loader:     loader,
		cfg:        cfg,
		ctrl:       ctrl,
		buffer:     buffer,
		sched:      sched,
		client:     client,
		breaker:    breaker,
		worker:     worker,
		mirror:     mirror,
		drainGrace: cfg.DrainGracePeriod,
	}, nil
}

func buildSource(logger logr.Logger, cfg config.Config) (sensors.Source, error) {
	factory, err := sensors.GetSource(cfg.Source.Type)
	if err != nil {
		return nil, err
	}
	return factory(logger, sensorConfig(cfg))
}

func sensorConfig(cfg config.Config) sensors.Config {
	sc := sensors.Config{
		SampleTimeout: cfg.SampleTimeout,
		HwmonPath:     cfg.Source.HwmonPath,
		Endpoint:      cfg.Source.Endpoint,
		Username:      cfg.Source.Username,
		Password:      cfg.Source.Password,
	}
	sc.ApplyDefaults()
	return sc
}

// run drives the agent until termination. Scheduler and worker run as
// background goroutines; this loop reacts to signals and config changes.
func (a *Agent) run(ctx context.Context) ExitCode {
	events := lifecycle.ObserveSignals(ctx, a.logger, a.ctrl)

	fileChanges, err := a.loader.Watch()
	if err != nil {
		// Reloads via SIGHUP still work without the file watch.
		a.logger.Error(err, "config file watch unavailable")
		fileChanges = make(chan struct{})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.sched.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		_ = a.worker.Run(runCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, draining")
			return a.drain(cancel, &wg, events.Force)
		case <-events.Drain:
			return a.drain(cancel, &wg, events.Force)
		case <-events.Reload:
			a.reload()
		case <-fileChanges:
			a.logger.Info("configuration file changed, reloading")
			a.reload()
		}
	}
}

// reload re-resolves the configuration and applies it atomically. A config
// that fails to resolve or validate is rejected; the previous configuration
// stays in effect.
func (a *Agent) reload() {
	if err := a.ctrl.BeginReload(); err != nil {
		a.logger.Info("reload skipped", "reason", err.Error())
		return
	}
	defer a.ctrl.CompleteReload()

	newCfg, err := a.loader.Load()
	if err != nil {
		a.logger.Error(err, "reload rejected, keeping previous configuration")
		return
	}

	var newSrc sensors.Source
	if newCfg.Source != a.cfg.Source || newCfg.SampleTimeout != a.cfg.SampleTimeout {
		newSrc, err = buildSource(a.logger, newCfg)
		if err != nil {
			a.logger.Error(err, "reload rejected, sensor source unavailable",
				"type", newCfg.Source.Type)
			return
		}
	}

	a.buffer.Update(newCfg.Buffer)
	a.client.Update(newCfg.Collector)
	a.breaker.Update(newCfg.Collector.Breaker)
	a.worker.Update(newCfg.Collector.Retry)
	a.sched.Update(newCfg, newSrc)

	a.mu.Lock()
	a.drainGrace = newCfg.DrainGracePeriod
	a.mu.Unlock()
	a.cfg = newCfg

	a.logger.Info("configuration reloaded",
		"interval", newCfg.Interval,
		"collector", newCfg.Collector.Endpoint,
		"buffer_capacity", newCfg.Buffer.Capacity,
		"buffer_policy", newCfg.Buffer.Policy)
}

// drain stops sampling, flushes the buffer within the grace period and
// shuts the agent down. A force event abandons the remaining buffer.
func (a *Agent) drain(cancel context.CancelFunc, wg *sync.WaitGroup, force <-chan struct{}) ExitCode {
	a.ctrl.BeginDrain()
	cancel()
	wg.Wait()

	a.mu.Lock()
	grace := a.drainGrace
	a.mu.Unlock()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), grace)
	defer drainCancel()
	go func() {
		select {
		case <-force:
			dropped := a.buffer.Drop()
			a.logger.Info("forced stop, abandoning buffered snapshots", "dropped", dropped)
			drainCancel()
		case <-drainCtx.Done():
		}
	}()

	if err := a.worker.Drain(drainCtx); err != nil {
		a.logger.Error(err, "drain incomplete", "remaining", a.buffer.Len())
	} else {
		a.logger.Info("drain complete")
	}

	if a.mirror != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.mirror.Shutdown(shutdownCtx); err != nil {
			a.logger.Error(err, "failed to shut down metrics mirror")
		}
		shutdownCancel()
	}
	if err := a.loader.Close(); err != nil {
		a.logger.Error(err, "failed to close config loader")
	}

	a.ctrl.MarkStopped()
	stats := a.worker.Stats()
	a.logger.Info("agent stopped",
		"sent", stats.Sent,
		"failed_attempts", stats.FailedAttempts,
		"discarded", stats.Discarded,
		"degraded_count", a.ctrl.DegradedCount())
	return ExitOK
}
