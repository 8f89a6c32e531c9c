// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/atelier-labs/render-agent/pkg/autoscale"
	"github.com/atelier-labs/render-agent/pkg/jobstore"
	"github.com/atelier-labs/render-agent/pkg/queue"
	"github.com/atelier-labs/render-agent/pkg/util/log"
)

// HealthResponse is the liveness document, including which integrations
// carry credentials so a glance explains degraded behavior.
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Mode       string          `json:"mode"`
	Configured ConfiguredFlags `json:"configured"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    s.cfg.Version,
		Mode:       s.Mode(),
		Configured: s.cfg.Flags,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleAutoscale reports the desired replica count for the current load.
// In fallback mode there is no queue to measure, so the decision runs on the
// inline slots alone.
func (s *Server) handleAutoscale(w http.ResponseWriter, r *http.Request) {
	var pending, inFlight int64
	if s.queue != nil {
		stats, err := s.queue.Stats(r.Context())
		if err != nil {
			log.Warnf("api: autoscale queue stats failed: %v", err)
			respondError(w, http.StatusInternalServerError, "queue stats unavailable")
			return
		}
		pending, inFlight = stats.Pending, stats.Processing
	} else if s.guard != nil {
		inFlight = s.guard.Active()
	}

	decision := s.autoscale.Evaluate(pending, inFlight)
	respondJSON(w, http.StatusOK, struct {
		Mode string `json:"mode"`
		autoscale.Decision
	}{Mode: s.Mode(), Decision: decision})
}

// QueueStatusResponse answers the client poll for a submitted job.
type QueueStatusResponse struct {
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	QueueLength          int64  `json:"queue_length"`
	Status               string `json:"status"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "job_id query parameter is required")
		return
	}

	if s.queue == nil {
		// Inline jobs are done or gone by the time anyone polls; there is
		// no queue to report a position in.
		respondJSON(w, http.StatusOK, QueueStatusResponse{Status: queue.StatusProcessing})
		return
	}

	ctx := r.Context()
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		log.Warnf("api: queue stats failed: %v", err)
		respondError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	meta, err := s.queue.Meta(ctx, jobID)
	if err == queue.ErrNotFound {
		// The queue metadata has a short TTL; fall back to the durable row.
		if s.jobs != nil {
			if row, rowErr := s.jobs.Get(ctx, jobID); rowErr == nil {
				respondJSON(w, http.StatusOK, QueueStatusResponse{
					QueueLength: stats.Pending,
					Status:      row.Status,
				})
				return
			}
		}
		respondError(w, http.StatusNotFound, "unknown job id")
		return
	}
	if err != nil {
		log.Warnf("api: queue metadata lookup failed: %v", err)
		respondError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	resp := QueueStatusResponse{QueueLength: stats.Pending, Status: meta.Status}
	if meta.Status == queue.StatusQueued {
		position, err := s.queue.Position(ctx, jobID)
		if err != nil {
			log.Warnf("api: queue position lookup failed: %v", err)
		} else {
			resp.Position = position
			resp.EstimatedWaitSeconds = int(queue.EstimateWait(position, meta.Kind).Seconds())
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

const defaultDeadLimit = 20

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "no queue in fallback mode")
		return
	}
	limit := defaultDeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	metas, err := s.queue.ListDead(r.Context(), limit)
	if err != nil {
		log.Warnf("api: dead letter list failed: %v", err)
		respondError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	jobs := make([]deadJob, 0, len(metas))
	for _, m := range metas {
		jobs = append(jobs, deadJob{
			JobID:   m.JobID,
			UserID:  m.UserID,
			Kind:    m.Kind,
			Retries: m.Retries,
			Error:   m.Error,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"dead_letter": jobs, "count": len(jobs)})
}

type deadJob struct {
	JobID   string `json:"job_id"`
	UserID  string `json:"user_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "no queue in fallback mode")
		return
	}
	jobID := mux.Vars(r)["job_id"]
	err := s.queue.RetryDead(r.Context(), jobID)
	if err == queue.ErrNotFound {
		respondError(w, http.StatusNotFound, "job is not on the dead letter list")
		return
	}
	if err != nil {
		log.Warnf("api: dead letter retry failed: %v", err)
		respondError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	if s.jobs != nil {
		if err := s.jobs.Mark(r.Context(), jobID, queue.StatusQueued, jobstore.Update{}); err != nil {
			log.Warnf("api: job %s: failed to mark row queued after retry: %v", jobID, err)
		}
	}
	s.metrics.IncrCounter("queue.dead_letter_retries")
	respondJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": queue.StatusQueued})
}
