// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the render agent configuration from the environment
// and an optional render-agent.yaml file. It is read once at startup;
// packages receive the resulting AgentConfig and never touch the environment
// themselves.
package config

import (
	"strings"
	"time"

	"github.com/DataDog/viper"
	"github.com/pkg/errors"
)

// AgentConfig holds the runtime configuration of the render agent.
type AgentConfig struct {
	Environment string
	BindHost    string
	Port        int
	LogLevel    string
	LogFile     string

	// RedisURL selects the distributed backend. Empty activates fallback
	// mode: no queue, no dispatcher, inline execution under the guard.
	RedisURL    string
	DatabaseURL string

	StorageURL        string
	StorageServiceKey string
	StorageBucket     string

	WorkerSecret string

	RateLimitMaxRequests      int
	RateLimitWindow           time.Duration
	FallbackRateLimitMax      int
	FallbackMaxConcurrentJobs int

	QueueMaxRetries     int
	QueueStaleTimeout   time.Duration
	QueueMetaTTL        time.Duration
	QueueDequeueTimeout time.Duration

	AutoscaleMinReplicas      int
	AutoscaleMaxReplicas      int
	AutoscaleTargetPerReplica int

	Providers ProviderConfig
}

// ProviderConfig holds per-provider endpoints and credentials.
type ProviderConfig struct {
	KieAPIKey        string
	KieBaseURL       string
	FalAPIKey        string
	FalBaseURL       string
	ClaidAPIKey      string
	ClaidBaseURL     string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModel      string
	WavespeedAPIKey  string
	WavespeedBaseURL string
	StitcherURL      string
}

// IsProduction reports whether the agent runs with production strictness.
func (c *AgentConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads the configuration. Keys are bound to RA_-prefixed environment
// variables (dots become underscores) and may also come from
// render-agent.yaml in the working directory or /etc/render-agent/.
func Load() (*AgentConfig, error) {
	v := viper.New()
	v.SetConfigName("render-agent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/render-agent/")
	v.SetEnvPrefix("RA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "unable to read config file")
		}
	}

	cfg := &AgentConfig{
		Environment: v.GetString("environment"),
		BindHost:    v.GetString("bind_host"),
		Port:        v.GetInt("port"),
		LogLevel:    v.GetString("log_level"),
		LogFile:     v.GetString("log_file"),

		RedisURL:    v.GetString("redis_url"),
		DatabaseURL: v.GetString("database_url"),

		StorageURL:        v.GetString("storage.url"),
		StorageServiceKey: v.GetString("storage.service_key"),
		StorageBucket:     v.GetString("storage.bucket"),

		WorkerSecret: v.GetString("worker_secret"),

		RateLimitMaxRequests:      v.GetInt("rate_limit.max_requests"),
		RateLimitWindow:           time.Duration(v.GetInt("rate_limit.window_seconds")) * time.Second,
		FallbackRateLimitMax:      v.GetInt("rate_limit.fallback_max_requests"),
		FallbackMaxConcurrentJobs: v.GetInt("fallback.max_concurrent_jobs"),

		QueueMaxRetries:     v.GetInt("queue.max_retries"),
		QueueStaleTimeout:   time.Duration(v.GetInt("queue.stale_timeout_seconds")) * time.Second,
		QueueMetaTTL:        time.Duration(v.GetInt("queue.meta_ttl_seconds")) * time.Second,
		QueueDequeueTimeout: time.Duration(v.GetInt("queue.dequeue_timeout_seconds")) * time.Second,

		AutoscaleMinReplicas:      v.GetInt("autoscale.min_replicas"),
		AutoscaleMaxReplicas:      v.GetInt("autoscale.max_replicas"),
		AutoscaleTargetPerReplica: v.GetInt("autoscale.target_per_replica"),

		Providers: ProviderConfig{
			KieAPIKey:        v.GetString("providers.kie.api_key"),
			KieBaseURL:       v.GetString("providers.kie.base_url"),
			FalAPIKey:        v.GetString("providers.fal.api_key"),
			FalBaseURL:       v.GetString("providers.fal.base_url"),
			ClaidAPIKey:      v.GetString("providers.claid.api_key"),
			ClaidBaseURL:     v.GetString("providers.claid.base_url"),
			GeminiAPIKey:     v.GetString("providers.gemini.api_key"),
			GeminiBaseURL:    v.GetString("providers.gemini.base_url"),
			GeminiModel:      v.GetString("providers.gemini.model"),
			WavespeedAPIKey:  v.GetString("providers.wavespeed.api_key"),
			WavespeedBaseURL: v.GetString("providers.wavespeed.base_url"),
			StitcherURL:      v.GetString("providers.stitcher.url"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	bindEnvAndSetDefault(v, "environment", "development")
	bindEnvAndSetDefault(v, "bind_host", "0.0.0.0")
	bindEnvAndSetDefault(v, "port", 8090)
	bindEnvAndSetDefault(v, "log_level", "info")
	bindEnvAndSetDefault(v, "log_file", "")

	bindEnvAndSetDefault(v, "redis_url", "")
	bindEnvAndSetDefault(v, "database_url", "")

	bindEnvAndSetDefault(v, "storage.url", "")
	bindEnvAndSetDefault(v, "storage.service_key", "")
	bindEnvAndSetDefault(v, "storage.bucket", "media")

	bindEnvAndSetDefault(v, "worker_secret", "")

	bindEnvAndSetDefault(v, "rate_limit.max_requests", 5)
	bindEnvAndSetDefault(v, "rate_limit.window_seconds", 3600)
	bindEnvAndSetDefault(v, "rate_limit.fallback_max_requests", 3)
	bindEnvAndSetDefault(v, "fallback.max_concurrent_jobs", 3)

	bindEnvAndSetDefault(v, "queue.max_retries", 3)
	bindEnvAndSetDefault(v, "queue.stale_timeout_seconds", 600)
	bindEnvAndSetDefault(v, "queue.meta_ttl_seconds", 7200)
	bindEnvAndSetDefault(v, "queue.dequeue_timeout_seconds", 5)

	bindEnvAndSetDefault(v, "autoscale.min_replicas", 1)
	bindEnvAndSetDefault(v, "autoscale.max_replicas", 8)
	bindEnvAndSetDefault(v, "autoscale.target_per_replica", 5)

	bindEnvAndSetDefault(v, "providers.kie.api_key", "")
	bindEnvAndSetDefault(v, "providers.kie.base_url", "https://api.kie.ai")
	bindEnvAndSetDefault(v, "providers.fal.api_key", "")
	bindEnvAndSetDefault(v, "providers.fal.base_url", "https://queue.fal.run")
	bindEnvAndSetDefault(v, "providers.claid.api_key", "")
	bindEnvAndSetDefault(v, "providers.claid.base_url", "https://api.claid.ai")
	bindEnvAndSetDefault(v, "providers.gemini.api_key", "")
	bindEnvAndSetDefault(v, "providers.gemini.base_url", "https://generativelanguage.googleapis.com")
	bindEnvAndSetDefault(v, "providers.gemini.model", "gemini-2.0-flash")
	bindEnvAndSetDefault(v, "providers.wavespeed.api_key", "")
	bindEnvAndSetDefault(v, "providers.wavespeed.base_url", "https://api.wavespeed.ai")
	bindEnvAndSetDefault(v, "providers.stitcher.url", "")
}

// bindEnvAndSetDefault binds a config key to its environment variable and
// registers its default in one step.
func bindEnvAndSetDefault(v *viper.Viper, key string, val interface{}) {
	v.BindEnv(key) //nolint:errcheck
	v.SetDefault(key, val)
}

func (c *AgentConfig) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (set RA_DATABASE_URL)")
	}
	if c.RateLimitMaxRequests <= 0 {
		return errors.New("rate_limit.max_requests must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return errors.New("rate_limit.window_seconds must be positive")
	}
	if c.QueueMaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}
	if c.AutoscaleMinReplicas < 1 {
		return errors.New("autoscale.min_replicas must be at least 1")
	}
	if c.AutoscaleMaxReplicas < c.AutoscaleMinReplicas {
		return errors.New("autoscale.max_replicas must not be below autoscale.min_replicas")
	}
	if c.AutoscaleTargetPerReplica < 1 {
		return errors.New("autoscale.target_per_replica must be at least 1")
	}
	return nil
}
