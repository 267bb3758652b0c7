// Package rpcserver is the shared gorilla/mux + JSON transport every core
// component binary mounts its operations on, following the same
// mux.NewRouter/http.Server wiring cmd/kernel and cmd/monolith used.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// HealthStatus is reported at GET /healthz.
type HealthStatus string

const (
	Serving    HealthStatus = "SERVING"
	NotServing HealthStatus = "NOT_SERVING"
)

// HealthCheck is polled on every /healthz request; a nil check reports
// Serving. The service binaries under cmd/ all pass a check that always
// reports Serving; none of them probes its backing store.
type HealthCheck func(ctx context.Context) HealthStatus

// Server wraps a mux.Router with the logging, recovery, and deadline
// middleware every component binary needs, plus a uniform JSON error body
// for rpcerrors.Error.
type Server struct {
	Router *mux.Router
	logger *zap.Logger
}

// New builds a Server with /healthz already mounted, named after service for
// log attribution the way cmd/monolith named each embedded service's router.
func New(service string, logger *zap.Logger, health HealthCheck) *Server {
	r := mux.NewRouter()
	s := &Server{Router: r, logger: logger.Named(service)}

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := Serving
		if health != nil {
			status = health(req.Context())
		}
		code := http.StatusOK
		if status != Serving {
			code = http.StatusServiceUnavailable
		}
		WriteJSON(w, code, map[string]string{"status": string(status)})
	}).Methods(http.MethodGet)

	return s
}

// Handle registers an RPC-shaped handler: it decodes a JSON body into a
// fresh *Req, invokes fn, and encodes the result (or the rpcerrors-mapped
// failure) as JSON.
func Handle[Req any, Resp any](s *Server, path string, deadline time.Duration, fn func(ctx context.Context, req *Req) (*Resp, error)) {
	s.Router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}

		var req Req
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, rpcerrors.New(rpcerrors.InvalidArgument, "malformed JSON body"))
				return
			}
		}

		resp, err := fn(ctx, &req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodPost)
}

// WriteJSON writes v as a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform JSON shape every rpcerrors.Error is serialized
// as, so rpcclient can reconstruct the Code on the caller's side.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError serializes err as a JSON error body with the status HTTP code
// rpcerrors.CodeOf(err) maps to.
func WriteError(w http.ResponseWriter, err error) {
	code := rpcerrors.CodeOf(err)
	WriteJSON(w, code.HTTPStatus(), errorBody{Code: string(code), Message: err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				WriteError(w, rpcerrors.New(rpcerrors.Internal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
