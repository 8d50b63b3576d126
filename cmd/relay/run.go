package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/internal/config"
	"github.com/baldanca/queue-stages/internal/log"
	"github.com/baldanca/queue-stages/internal/telemetry"
	"github.com/baldanca/queue-stages/pipeline"
	"github.com/baldanca/queue-stages/stage"
)

func validateConfig(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s -> %s\n", cfg.Source.Kind, cfg.Sink.Kind)
	return nil
}

func runRelay(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	logger.WithFields(logrus.Fields{"source": cfg.Source.Kind, "sink": cfg.Sink.Kind}).Info("starting relay")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stage.NewMetrics(reg)

	if cfg.Metrics.Addr != "" {
		srv := telemetry.Expose(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var health *telemetry.Health
	if cfg.Health.Addr != "" {
		health, err = telemetry.StartHealth(cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		go func() {
			if err := health.Serve(); err != nil {
				logger.WithError(err).Error("health server stopped")
			}
		}()
		defer health.Stop()
	}

	ad, err := openAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ad.close()

	srcOpts, err := stageOptions(cfg.Source.Backoff, logger, metrics)
	if err != nil {
		return err
	}
	sinkOpts, err := stageOptions(cfg.Sink.Backoff, logger, metrics)
	if err != nil {
		return err
	}

	src, err := stage.NewPollingSource(ctx, ad.receiver, sourceExtractor(cfg.Source), config.Decider(cfg.Source.OnError), cfg.Source.Stage, srcOpts...)
	if err != nil {
		return err
	}
	// The sink outlives ctx so the relay can flush on shutdown.
	sink, err := stage.NewBatchingSink(context.WithoutCancel(ctx), ad.sender, config.Decider(cfg.Sink.OnError), cfg.Sink.Stage, sinkOpts...)
	if err != nil {
		return err
	}

	relay, err := pipeline.NewRelay[broker.OutboundMessage](src, sink, pipeline.Passthrough, cfg.Batch,
		pipeline.WithLogger(logger), pipeline.WithStopTimeout(cfg.StopTimeout))
	if err != nil {
		return err
	}

	if health != nil {
		health.SetServing(true)
	}
	err = relay.Run(ctx)
	if health != nil {
		health.SetServing(false)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("relay failed")
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func stageOptions(b config.BackoffConfig, logger logrus.FieldLogger, m *stage.Metrics) ([]stage.Option, error) {
	opts := []stage.Option{stage.WithLogger(logger), stage.WithMetrics(m)}
	backoff, err := b.Build()
	if err != nil {
		return nil, err
	}
	if backoff != nil {
		opts = append(opts, stage.WithBackoff(backoff))
	}
	return opts, nil
}
