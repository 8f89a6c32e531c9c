// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"
	"time"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

// handleTryOn runs one try-on synchronously and answers with the output
// URL. The connection stays open while the provider renders, which the
// server's write timeout is sized for.
func (s *Server) handleTryOn(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	modelImage := stringField(payload, "model_image")
	if modelImage == "" {
		modelImage = stringField(payload, "model_image_url")
	}
	garmentImage := stringField(payload, "garment_image")
	if garmentImage == "" {
		garmentImage = stringField(payload, "garment_image_url")
	}
	if modelImage == "" || garmentImage == "" {
		respondError(w, http.StatusBadRequest, "model_image and garment_image are required")
		return
	}
	if !s.rateCheck(w, r, stringField(payload, "user_id")) {
		return
	}
	payload["model_image"] = modelImage
	payload["garment_image"] = garmentImage

	start := time.Now()
	url, err := s.pipeline.TryOn(r.Context(), payload)
	if err != nil {
		s.metrics.RecordError("tryon", err.Error())
		log.Errorf("api: synchronous try-on failed: %v", err)
		respondError(w, http.StatusInternalServerError, "try-on failed")
		return
	}
	s.metrics.ObserveLatency("provider.tryon", time.Since(start))
	respondJSON(w, http.StatusOK, map[string]string{"output_url": url})
}

// handleCleanGarment removes a garment photo's background and answers with
// the hosted result. Repeat cleans of the same image are answered from
// cache.
func (s *Server) handleCleanGarment(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if stringField(payload, "image_url") == "" &&
		stringField(payload, "garment_image_url") == "" &&
		stringField(payload, "source_url") == "" {
		respondError(w, http.StatusBadRequest, "image_url is required")
		return
	}
	if !s.rateCheck(w, r, stringField(payload, "user_id")) {
		return
	}

	url, cached, err := s.pipeline.CleanGarment(r.Context(), payload)
	if err != nil {
		s.metrics.RecordError("clean", err.Error())
		log.Errorf("api: garment clean failed: %v", err)
		respondError(w, http.StatusInternalServerError, "garment clean failed")
		return
	}
	if cached {
		s.metrics.IncrCounter("clean.cache_hits")
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"output_url": url, "cached": cached})
}

// validateHandler builds the handler for one validation kind. All four
// validation endpoints share the flow; only the verdict prompt differs.
func (s *Server) validateHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := decodeBody(w, r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if stringField(payload, "image_url") == "" &&
			stringField(payload, "url") == "" &&
			stringField(payload, "image_base64") == "" {
			respondError(w, http.StatusBadRequest, "image_url or image_base64 is required")
			return
		}
		if !s.rateCheck(w, r, stringField(payload, "user_id")) {
			return
		}

		verdict, err := s.pipeline.Validate(r.Context(), kind, payload)
		if err != nil {
			s.metrics.RecordError("validate", err.Error())
			log.Errorf("api: %s validation failed: %v", kind, err)
			respondError(w, http.StatusInternalServerError, "validation failed")
			return
		}
		if !verdict.Valid {
			s.metrics.IncrCounter("validate.rejected." + kind)
		}
		respondJSON(w, http.StatusOK, verdict)
	}
}
