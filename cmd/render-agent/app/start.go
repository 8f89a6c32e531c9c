// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atelier-labs/render-agent/pkg/api"
	"github.com/atelier-labs/render-agent/pkg/autoscale"
	"github.com/atelier-labs/render-agent/pkg/config"
	"github.com/atelier-labs/render-agent/pkg/dispatch"
	"github.com/atelier-labs/render-agent/pkg/gateway"
	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/metrics"
	"github.com/atelier-labs/render-agent/pkg/pipeline"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/ratelimit"
	"github.com/atelier-labs/render-agent/pkg/storage"
	"github.com/atelier-labs/render-agent/pkg/util/log"
	"github.com/atelier-labs/render-agent/pkg/version"
)

var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Start the render agent",
	Long:         `Runs the render agent in the foreground`,
	RunE:         start,
	SilenceUsage: true,
}

const (
	schemaTimeout = 30 * time.Second

	// Shutdown budget: drain HTTP first so clients get answers, then the
	// dispatcher. A job still talking to a provider is cancelled and left
	// in flight for stale recovery.
	httpDrainTimeout     = 5 * time.Second
	dispatchDrainTimeout = 10 * time.Second
)

func start(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return log.Criticalf("unable to load configuration: %v", err)
	}

	if err := log.SetupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Printf("cannot setup logger, exiting: %v\n", err)
		return err
	}
	defer log.Flush()

	log.Infof("starting render agent %s (commit: %s)", version.AgentVersion, version.Commit)

	reg := metrics.NewRegistry()

	// Distributed backend. Failure here selects fallback mode rather than
	// killing the process: the product surface stays up on inline
	// execution while Redis is away.
	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		log.Info("no redis_url configured, running in fallback mode")
	} else if redisClient, err = queue.Connect(cfg.RedisURL); err != nil {
		log.Warnf("redis unreachable, running in fallback mode: %v", err)
	}

	// The job store is not optional: without durable rows there is
	// nothing to answer status queries from.
	jobs, err := jobstore.Connect(cfg.DatabaseURL)
	if err != nil {
		return log.Criticalf("unable to open job store: %v", err)
	}
	defer jobs.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), schemaTimeout)
	err = jobs.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		return log.Criticalf("unable to ensure job store schema: %v", err)
	}

	var (
		q           *queue.Queue
		limiter     ratelimit.Limiter
		maintenance *dispatch.Maintenance
	)
	if redisClient != nil {
		defer redisClient.Close()
		q = queue.New(redisClient, queue.Options{
			MaxRetries:   cfg.QueueMaxRetries,
			StaleTimeout: cfg.QueueStaleTimeout,
			MetaTTL:      cfg.QueueMetaTTL,
		})
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
		maintenance = dispatch.NewMaintenance(q, reg)
	} else {
		mem := ratelimit.NewMemoryLimiter(cfg.FallbackRateLimitMax, cfg.RateLimitWindow)
		limiter = mem
		maintenance = dispatch.NewFallbackMaintenance(mem, reg)
	}
	guard := ratelimit.NewConcurrencyGuard(cfg.FallbackMaxConcurrentJobs)

	store := storage.New(storage.Config{
		URL:        cfg.StorageURL,
		ServiceKey: cfg.StorageServiceKey,
		Bucket:     cfg.StorageBucket,
	})

	kieCfg := gateway.KieConfig{APIKey: cfg.Providers.KieAPIKey, BaseURL: cfg.Providers.KieBaseURL}
	gemini := gateway.NewGemini(gateway.GeminiConfig{
		APIKey:  cfg.Providers.GeminiAPIKey,
		BaseURL: cfg.Providers.GeminiBaseURL,
		Model:   cfg.Providers.GeminiModel,
	})

	orch := pipeline.New(pipeline.Deps{
		Jobs:  jobs,
		Tasks: taskRecorder(q),
		TryOn: gateway.NewFashn(gateway.FalConfig{
			APIKey:  cfg.Providers.FalAPIKey,
			BaseURL: cfg.Providers.FalBaseURL,
		}),
		Video: func(model string) pipeline.Runner {
			return gateway.NewKie(kieCfg, model)
		},
		VideoExtend: gateway.NewKieExtend(kieCfg),
		Upscale: gateway.NewWavespeed(gateway.WavespeedConfig{
			APIKey:  cfg.Providers.WavespeedAPIKey,
			BaseURL: cfg.Providers.WavespeedBaseURL,
		}),
		Stitcher:   gateway.NewStitcher(cfg.Providers.StitcherURL),
		Compositor: gemini,
		Validator:  gemini,
		Cleaner: gateway.NewClaid(gateway.ClaidConfig{
			APIKey:  cfg.Providers.ClaidAPIKey,
			BaseURL: cfg.Providers.ClaidBaseURL,
		}),
		Store: store,
	})

	var disp *dispatch.Dispatcher
	if q != nil {
		disp = dispatch.New(q, jobs, orch, reg, dispatch.Options{
			DequeueTimeout: cfg.QueueDequeueTimeout,
		})
		if err := disp.Start(); err != nil {
			return log.Criticalf("unable to start dispatcher: %v", err)
		}
	}
	maintenance.Start()

	srv := api.NewServer(api.Config{
		BindHost:     cfg.BindHost,
		Port:         cfg.Port,
		WorkerSecret: cfg.WorkerSecret,
		Production:   cfg.IsProduction(),
		Version:      version.AgentVersion,
		Flags: api.ConfiguredFlags{
			Redis:        redisClient != nil,
			Database:     true,
			Storage:      store.Configured(),
			WorkerSecret: cfg.WorkerSecret != "",
			Kie:          cfg.Providers.KieAPIKey != "",
			Fal:          cfg.Providers.FalAPIKey != "",
			Claid:        cfg.Providers.ClaidAPIKey != "",
			Gemini:       cfg.Providers.GeminiAPIKey != "",
			Wavespeed:    cfg.Providers.WavespeedAPIKey != "",
			Stitcher:     cfg.Providers.StitcherURL != "",
		},
	}, api.Deps{
		Metrics:   reg,
		Limiter:   limiter,
		Guard:     guard,
		Queue:     q,
		Jobs:      jobs,
		Pipeline:  orch,
		Autoscale: autoscale.New(cfg.AutoscaleMinReplicas, cfg.AutoscaleMaxReplicas, cfg.AutoscaleTargetPerReplica),
	})
	if err := srv.Start(); err != nil {
		maintenance.Stop()
		if disp != nil {
			disp.Stop(dispatchDrainTimeout)
		}
		return log.Criticalf("unable to start http server: %v", err)
	}

	// Block here until we receive a stop signal.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	log.Infof("received %s, shutting down", sig)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), httpDrainTimeout)
	if err := srv.Stop(drainCtx); err != nil {
		log.Warnf("http drain incomplete: %v", err)
	}
	cancelDrain()

	if disp != nil {
		disp.Stop(dispatchDrainTimeout)
	}
	maintenance.Stop()

	log.Info("See ya!")
	return nil
}

// taskRecorder narrows the queue to the orchestrator's TaskRecorder without
// handing it a typed-nil interface in fallback mode.
func taskRecorder(q *queue.Queue) pipeline.TaskRecorder {
	if q == nil {
		return nil
	}
	return q
}
