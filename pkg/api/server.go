// Package api is the admin HTTP surface of a node: health, metrics, action
// submission and audit verification and export.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/cluster"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
)

const maxContractBytes = 1 << 20

// Executor runs actions. *cluster.Cluster satisfies it.
type Executor interface {
	Submit(ctx context.Context, c *contract.ActionContract) (*contract.ActionExecutionResult, error)
	Cancel(ctx context.Context, actionID string) error
	CloseSession(ctx context.Context, tenantID, workflowID string) error
	Health() cluster.Health
}

// UsageReader reports tenant quota usage. *quota.Manager satisfies it.
type UsageReader interface {
	Usage(ctx context.Context, tenantID string) (quota.Usage, error)
}

// Server routes admin requests.
type Server struct {
	router   chi.Router
	exec     Executor
	trail    *audit.Trail
	exporter *audit.Exporter
	usage    UsageReader
	gatherer prometheus.Gatherer
	limiter  *ClientLimiter
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithUsage enables GET /v1/tenants/{tenant}/usage.
func WithUsage(u UsageReader) Option { return func(s *Server) { s.usage = u } }

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithLimiter paces every /v1 request per client.
func WithLimiter(l *ClientLimiter) Option { return func(s *Server) { s.limiter = l } }

// WithActionTimeout bounds how long POST /v1/actions waits for a result.
func WithActionTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds the router.
func New(exec Executor, trail *audit.Trail, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		exec:     exec,
		trail:    trail,
		exporter: audit.NewExporter(trail),
		gatherer: prometheus.DefaultGatherer,
		timeout:  2 * time.Minute,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "api"))
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/actions", s.submit)
		r.Delete("/actions/{actionID}", s.cancel)
		r.Delete("/sessions/{tenant}/{workflow}", s.closeSession)
		r.Route("/audit/{tenant}/{workflow}", func(r chi.Router) {
			r.Get("/verify", s.verify)
			r.Get("/export", s.export)
		})
		if s.usage != nil {
			r.Get("/tenants/{tenant}/usage", s.tenantUsage)
		}
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /healthz answers 503 only when no node admits.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.exec.Health()
	status := http.StatusServiceUnavailable
	for _, n := range h.Nodes {
		if n.Admit {
			status = http.StatusOK
			break
		}
	}
	writeJSON(w, status, h)
}

// POST /v1/actions
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var c contract.ActionContract
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContractBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		badRequest(w, r, "invalid contract body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.exec.Submit(ctx, &c)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /v1/actions/{actionID}
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Cancel(r.Context(), chi.URLParam(r, "actionID")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/sessions/{tenant}/{workflow}
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.CloseSession(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "workflow")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func rangeOf(r *http.Request) (int64, int64, error) {
	parse := func(name string) (int64, error) {
		v := r.URL.Query().Get(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return n, nil
	}
	from, err := parse("from")
	if err != nil {
		return 0, 0, err
	}
	to, err := parse("to")
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func ledgerOf(r *http.Request) string {
	return contract.LedgerKey(chi.URLParam(r, "tenant"), chi.URLParam(r, "workflow"))
}

// GET /v1/audit/{tenant}/{workflow}/verify?from=&to=
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeOf(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	report, err := s.trail.VerifyChain(r.Context(), ledgerOf(r), from, to)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !report.Valid {
		s.logger.Warn("audit chain broken",
			zap.String("ledger", report.Ledger),
			zap.Int64("break_at", report.BreakAt),
			zap.String("reason", report.Reason))
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /v1/audit/{tenant}/{workflow}/export?from=&to=
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeOf(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	ledger := ledgerOf(r)
	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := s.exporter.WriteJSONL(r.Context(), w, ledger, from, to)
	switch {
	case err != nil && n == 0:
		writeError(w, r, s.logger, err)
	case err != nil:
		s.logger.Error("export interrupted", zap.String("ledger", ledger), zap.Int("written", n), zap.Error(err))
	}
}

// GET /v1/tenants/{tenant}/usage
func (s *Server) tenantUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.usage.Usage(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
