package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/auth"
	"github.com/esante/api-gateway/internal/respond"
)

// requestLogger logs one line per request with the verified identity
// when there is one. Health probes and the banner are skipped.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/" || r.URL.Path == "/favicon.ico" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := log.Fields{
			"request_id": uuid.NewString(),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}
		if principal, ok := auth.FromContext(r.Context()); ok {
			fields["user"] = principal.ID
			fields["role"] = principal.Role
		}
		log.WithFields(fields).Info("request")
	})
}

// recoverJSON converts panics into a logged 500 with the generic
// envelope; stack traces never reach the client.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.WithField("panic", rec).Errorf("gateway: panic serving %s %s", r.Method, r.URL.Path)
				respond.Error(w, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// countRequests records per-route status-class counters.
func (g *Gateway) countRequests(routeKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			class := strconv.Itoa(status/100) + "xx"
			g.metrics.RequestsTotal.WithLabelValues(routeKey, class).Inc()
		})
	}
}
