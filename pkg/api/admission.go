// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

type queuedResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	QueuePosition        int    `json:"queue_position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

type inlineResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if stringField(payload, "prompt") == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	s.admit(w, r, queue.KindVideoGenerate, payload)
}

func (s *Server) handleFashionGenerate(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if stringField(payload, "garment_image_url") == "" {
		respondError(w, http.StatusBadRequest, "garment_image_url is required")
		return
	}
	s.admit(w, r, queue.KindFashionGenerate, payload)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if stringField(payload, "source_video_url") == "" {
		respondError(w, http.StatusBadRequest, "source_video_url is required")
		return
	}
	s.admit(w, r, queue.KindVideoExtend, payload)
}

func (s *Server) handleOutfitTryOn(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	modelImage := stringField(payload, "model_image_url")
	if modelImage == "" {
		respondError(w, http.StatusBadRequest, "model_image_url is required")
		return
	}
	garments := stringsField(payload, "garment_urls")
	if len(garments) == 0 {
		respondError(w, http.StatusBadRequest, "garment_urls is required")
		return
	}
	// The orchestrator speaks the provider vocabulary; translate before
	// the payload is frozen into queue metadata.
	payload["model_image"] = modelImage
	payload["garment_images"] = garments
	s.admit(w, r, queue.KindOutfitTryOn, payload)
}

// admit is the shared webhook admission path: rate check, then either
// enqueue (queued mode) or run inline under the guard (fallback mode).
func (s *Server) admit(w http.ResponseWriter, r *http.Request, kind string, payload map[string]interface{}) {
	userID := stringField(payload, "user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !s.rateCheck(w, r, userID) {
		return
	}

	jobID := stringField(payload, "job_id")
	if jobID == "" {
		jobID = uuid.New().String()
		payload["job_id"] = jobID
	}

	if s.queue != nil {
		s.admitQueued(w, r, kind, userID, jobID, payload)
		return
	}
	s.admitInline(w, r, kind, userID, jobID, payload)
}

// rateCheck runs the limiter for the request's principal and answers 429
// itself on denial. The limiter fails open on backend trouble, so a returned
// error never blocks admission.
func (s *Server) rateCheck(w http.ResponseWriter, r *http.Request, userID string) bool {
	principal := userID
	if principal == "" {
		principal = clientIP(r)
	}
	res, err := s.limiter.Check(r.Context(), principal)
	if err != nil {
		log.Debugf("api: rate check degraded for %s: %v", principal, err)
	}
	if !res.Allowed {
		s.metrics.IncrCounter("ratelimit.denied")
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) admitQueued(w http.ResponseWriter, r *http.Request, kind, userID, jobID string, payload map[string]interface{}) {
	position, err := s.queue.Enqueue(r.Context(), userID, jobID, kind, payload)
	if err != nil {
		log.Errorf("api: job %s: enqueue failed: %v", jobID, err)
		s.metrics.RecordError("api", "enqueue: "+err.Error())
		respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	// The job row is the client-facing record; losing it degrades status
	// polling but the queued job still runs.
	if s.jobs != nil {
		row := &jobstore.Job{
			ID:            jobID,
			UserID:        userID,
			Kind:          kind,
			Status:        queue.StatusQueued,
			QueuePosition: position,
		}
		if err := s.jobs.Create(r.Context(), row); err != nil {
			log.Warnf("api: job %s: failed to create job row: %v", jobID, err)
		}
	}

	respondJSON(w, http.StatusOK, queuedResponse{
		JobID:                jobID,
		Status:               queue.StatusQueued,
		QueuePosition:        position,
		EstimatedWaitSeconds: int(queue.EstimateWait(position, kind).Seconds()),
	})
}

func (s *Server) admitInline(w http.ResponseWriter, r *http.Request, kind, userID, jobID string, payload map[string]interface{}) {
	if s.guard == nil || !s.guard.TryAcquire() {
		s.metrics.IncrCounter("admission.saturated")
		respondError(w, http.StatusServiceUnavailable, "server busy")
		return
	}

	if s.jobs != nil {
		row := &jobstore.Job{ID: jobID, UserID: userID, Kind: kind, Status: queue.StatusProcessing}
		if err := s.jobs.Create(r.Context(), row); err != nil {
			log.Warnf("api: job %s: failed to create job row: %v", jobID, err)
		}
	}

	meta := &queue.TaskMeta{
		JobID:      jobID,
		UserID:     userID,
		Kind:       kind,
		Payload:    payload,
		Status:     queue.StatusProcessing,
		EnqueuedAt: time.Now(),
	}
	go s.runInline(meta)

	respondJSON(w, http.StatusOK, inlineResponse{
		JobID:  jobID,
		Status: queue.StatusProcessing,
		Mode:   "inline",
	})
}

// runInline executes one fallback-mode job off the request thread, holding
// its guard slot for the duration. Outcome accounting mirrors the
// dispatcher so the metrics read the same in both modes.
func (s *Server) runInline(meta *queue.TaskMeta) {
	defer func() {
		s.guard.Release()
		s.metrics.SetGauge("fallback.active_jobs", float64(s.guard.Active()))
	}()
	s.metrics.SetGauge("fallback.active_jobs", float64(s.guard.Active()))

	ctx, cancel := context.WithTimeout(context.Background(), s.inlineTimeout)
	defer cancel()

	start := time.Now()
	log.Infof("api: job %s (%s) running inline", meta.JobID, meta.Kind)
	if _, err := s.pipeline.Run(ctx, meta); err != nil {
		s.metrics.IncrCounter("jobs.failed")
		s.metrics.IncrCounter("errors.pipeline")
		s.metrics.RecordError("pipeline", err.Error())
		log.Errorf("api: job %s (%s) failed inline: %v", meta.JobID, meta.Kind, err)
		return
	}
	elapsed := time.Since(start)
	s.metrics.IncrCounter("jobs.completed")
	s.metrics.ObserveLatency("pipeline."+meta.Kind, elapsed)
	log.Infof("api: job %s (%s) completed inline in %s", meta.JobID, meta.Kind, elapsed)
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func stringsField(payload map[string]interface{}, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
