// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api exposes the render agent's HTTP surface: the webhook
// admission endpoints, the synchronous provider passes and the public
// operational endpoints (health, metrics, autoscale, queue inspection).
//
// Admission is mode-aware. With the distributed queue present, webhook jobs
// are enqueued and answered with a queue position; without it, jobs run
// inline on a bounded number of slots and saturation answers 503.
package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/atelier-labs/render-agent/pkg/autoscale"
	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/metrics"
	"github.com/atelier-labs/render-agent/pkg/pipeline"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/ratelimit"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// secretHeader authenticates webhook callers.
	secretHeader = "X-Worker-Secret"

	// maxBodyBytes bounds request bodies. Validation passes may carry an
	// inline base64 image, so the cap is generous.
	maxBodyBytes = 16 << 20

	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 60 * time.Second

	// The synchronous try-on endpoint holds the connection while the
	// provider polls, so response writes stay open far longer than usual.
	writeTimeout = 6 * time.Minute

	// defaultInlineTimeout bounds one fallback-mode job end to end.
	defaultInlineTimeout = 30 * time.Minute
)

// JobStore is the slice of the persistent job rows the API reads and writes.
type JobStore interface {
	Create(ctx context.Context, job *jobstore.Job) error
	Mark(ctx context.Context, jobID, status string, upd jobstore.Update) error
	Get(ctx context.Context, jobID string) (*jobstore.Job, error)
}

// Pipeline is the slice of the orchestrator the API invokes: inline runs in
// fallback mode plus the synchronous passes.
type Pipeline interface {
	Run(ctx context.Context, meta *queue.TaskMeta) (string, error)
	TryOn(ctx context.Context, payload map[string]interface{}) (string, error)
	CleanGarment(ctx context.Context, payload map[string]interface{}) (string, bool, error)
	Validate(ctx context.Context, kind string, payload map[string]interface{}) (*pipeline.Verdict, error)
}

// ConfiguredFlags reports which integrations carry credentials, for the
// health endpoint.
type ConfiguredFlags struct {
	Redis        bool `json:"redis"`
	Database     bool `json:"database"`
	Storage      bool `json:"storage"`
	WorkerSecret bool `json:"worker_secret"`
	Kie          bool `json:"kie"`
	Fal          bool `json:"fal"`
	Claid        bool `json:"claid"`
	Gemini       bool `json:"gemini"`
	Wavespeed    bool `json:"wavespeed"`
	Stitcher     bool `json:"stitcher"`
}

// Config carries the server's own settings; collaborators arrive via Deps.
type Config struct {
	BindHost     string
	Port         int
	WorkerSecret string
	// Production hardens secret handling: protected paths answer 500
	// instead of bypassing auth when no secret is configured.
	Production bool
	Version    string
	Flags      ConfiguredFlags
	// InlineTimeout bounds one fallback-mode job. Zero means the default.
	InlineTimeout time.Duration
}

// Deps wires the server's collaborators. Queue is nil in fallback mode,
// which flips admission to inline execution under the guard.
type Deps struct {
	Metrics   *metrics.Registry
	Limiter   ratelimit.Limiter
	Guard     *ratelimit.ConcurrencyGuard
	Queue     *queue.Queue
	Jobs      JobStore
	Pipeline  Pipeline
	Autoscale *autoscale.Calculator
}

// Server is the agent's HTTP front. Start and Stop bracket its lifecycle.
type Server struct {
	cfg           Config
	metrics       *metrics.Registry
	limiter       ratelimit.Limiter
	guard         *ratelimit.ConcurrencyGuard
	queue         *queue.Queue
	jobs          JobStore
	pipeline      Pipeline
	autoscale     *autoscale.Calculator
	inlineTimeout time.Duration

	srv      *http.Server
	listener net.Listener
}

// NewServer builds the server and its route table.
func NewServer(cfg Config, deps Deps) *Server {
	inlineTimeout := cfg.InlineTimeout
	if inlineTimeout <= 0 {
		inlineTimeout = defaultInlineTimeout
	}
	s := &Server{
		cfg:           cfg,
		metrics:       deps.Metrics,
		limiter:       deps.Limiter,
		guard:         deps.Guard,
		queue:         deps.Queue,
		jobs:          deps.Jobs,
		pipeline:      deps.Pipeline,
		autoscale:     deps.Autoscale,
		inlineTimeout: inlineTimeout,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet).Name("metrics")
	r.HandleFunc("/autoscale", s.handleAutoscale).Methods(http.MethodGet).Name("autoscale")
	r.HandleFunc("/queue/status", s.handleQueueStatus).Methods(http.MethodGet).Name("queue.status")
	r.HandleFunc("/queue/dead", s.handleListDead).Methods(http.MethodGet).Name("queue.dead")
	r.HandleFunc("/queue/dead/{job_id}/retry", s.handleRetryDead).Methods(http.MethodPost).Name("queue.dead.retry")

	r.HandleFunc("/webhook/generate", s.handleGenerate).Methods(http.MethodPost).Name("webhook.generate")
	r.HandleFunc("/webhook/fashion-generate", s.handleFashionGenerate).Methods(http.MethodPost).Name("webhook.fashion_generate")
	r.HandleFunc("/webhook/extend", s.handleExtend).Methods(http.MethodPost).Name("webhook.extend")
	r.HandleFunc("/webhook/outfit-tryon", s.handleOutfitTryOn).Methods(http.MethodPost).Name("webhook.outfit_tryon")
	r.HandleFunc("/webhook/try-on", s.handleTryOn).Methods(http.MethodPost).Name("webhook.try_on")
	r.HandleFunc("/webhook/clean-garment", s.handleCleanGarment).Methods(http.MethodPost).Name("webhook.clean_garment")
	r.HandleFunc("/webhook/validate-selfie", s.validateHandler(pipeline.ValidateSelfie)).Methods(http.MethodPost).Name("webhook.validate_selfie")
	r.HandleFunc("/webhook/validate-selfie-realtime", s.validateHandler(pipeline.ValidateSelfieRealtime)).Methods(http.MethodPost).Name("webhook.validate_selfie_realtime")
	r.HandleFunc("/webhook/validate-pose-angle", s.validateHandler(pipeline.ValidatePoseAngle)).Methods(http.MethodPost).Name("webhook.validate_pose_angle")
	r.HandleFunc("/webhook/validate-upload", s.validateHandler(pipeline.ValidateUpload)).Methods(http.MethodPost).Name("webhook.validate_upload")

	r.Use(s.metricsMiddleware, s.authMiddleware)

	s.srv = &http.Server{
		Handler:           r,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Mode reports which admission path the server is on.
func (s *Server) Mode() string {
	if s.queue != nil {
		return "queued"
	}
	return "fallback"
}

// Start binds the listener and serves in the background. It returns once
// the listener is bound, so a port conflict surfaces here and not in a log.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("api: server stopped: %v", err)
		}
	}()
	log.Infof("api: listening on %s (%s mode)", ln.Addr(), s.Mode())
	return nil
}

// Addr returns the bound address, for callers that started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires, then closes.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("api: response encoding failed: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// decodeBody parses a JSON object body. A missing body yields an empty map
// so handlers can treat every field as optional-with-validation.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&payload); err != nil && err != io.EOF {
		return nil, err
	}
	return payload, nil
}
