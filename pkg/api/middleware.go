// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

// statusRecorder captures the response code so the metrics middleware can
// count errors.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware counts every request per route and records its latency.
// Server-side failures additionally feed the errors.* time-series that the
// 5-minute error rate derives from.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)
		s.metrics.IncrCounter("requests." + name)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.ObserveLatency(name, time.Since(start))

		if rec.status >= http.StatusInternalServerError {
			s.metrics.IncrCounter("errors." + name)
		}
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if name := route.GetName(); name != "" {
			return name
		}
	}
	return "unknown"
}

// authMiddleware guards the webhook paths with the shared worker secret.
// Everything else on the surface is public. With no secret configured the
// check is bypassed outside production; in production the server refuses to
// serve protected paths rather than run open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/webhook/") {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.WorkerSecret == "" {
			if s.cfg.Production {
				log.Errorf("api: rejecting %s: no worker secret configured in production", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "server misconfigured")
				return
			}
			log.Debugf("api: no worker secret configured, allowing %s", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.WorkerSecret)) != 1 {
			s.metrics.IncrCounter("auth.rejected")
			respondError(w, http.StatusUnauthorized, "invalid worker secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the rate-limit principal of last resort for requests that
// carry no user id.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
