package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/config"
	"github.com/JakeFAU/digwatch/internal/ingest"
	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/notify"
	"github.com/JakeFAU/digwatch/internal/proximity"
)

// Ingester runs ingestion and geometry backfill.
type Ingester interface {
	Ingest(ctx context.Context, opts ingest.Options) (ingest.Result, error)
	BackfillMissingGeometry(ctx context.Context) (ingest.BackfillResult, error)
}

// AlertMatcher computes the current alerts for a user.
type AlertMatcher interface {
	Match(ctx context.Context, userID int64) ([]proximity.Alert, error)
}

// Sweeper pushes alerts to every connected identity.
type Sweeper interface {
	NotifyAll(ctx context.Context) notify.SweepReport
}

// ConnRegistry tracks live push connections.
type ConnRegistry interface {
	Register(id string, conn notify.Conn)
	Unregister(id string, conn notify.Conn) bool
}

// Deps groups the collaborators served over HTTP.
type Deps struct {
	Ingester Ingester
	Matcher  AlertMatcher
	Sweeper  Sweeper
	Registry ConnRegistry
	Users    notice.UserStore
}

// Server wires HTTP handlers to the ingestion and notification services.
type Server struct {
	router   chi.Router
	ingester Ingester
	matcher  AlertMatcher
	sweeper  Sweeper
	registry ConnRegistry
	users    notice.UserStore
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if deps.Ingester == nil || deps.Matcher == nil || deps.Sweeper == nil ||
		deps.Registry == nil || deps.Users == nil {
		return nil, errors.New("api: ingester, matcher, sweeper, registry and users are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ingester: deps.Ingester,
		matcher:  deps.Matcher,
		sweeper:  deps.Sweeper,
		registry: deps.Registry,
		users:    deps.Users,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Upgraded connections must not sit behind http.TimeoutHandler, which
	// cannot be hijacked.
	r.Get("/ws/notifications", s.notifications)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.Server.AdminTimeout))
			r.Post("/api/construction/ingest", s.ingest)
			r.Post("/api/construction/backfill", s.backfill)
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			r.Get("/api/users/{user_id}/alerts", s.userAlerts)
			r.Post("/api/notifications/sweep", s.sweep)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestResponse struct {
	Status               string `json:"status"`
	RunID                string `json:"run_id"`
	ScrapedCount         int    `json:"scraped_count"`
	SavedCount           int    `json:"saved_count"`
	GeometryUpdatedCount int    `json:"geometry_updated_count"`
	GeocodeFailedCount   int    `json:"geocode_failed_count"`
	ClearedCount         int64  `json:"cleared_count"`
}

type backfillResponse struct {
	Status       string `json:"status"`
	RunID        string `json:"run_id"`
	UpdatedCount int    `json:"updated_count"`
	FailedCount  int    `json:"failed_count"`
	Total        int    `json:"total"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	opts := ingest.Options{MaxPages: s.cfg.Scraper.MaxPages}
	q := r.URL.Query()
	if raw := q.Get("max_pages"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_pages must be a non-negative integer")
			return
		}
		opts.MaxPages = n
	}
	if raw := q.Get("clear_existing"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "clear_existing must be a boolean")
			return
		}
		opts.ClearExisting = b
	}

	res, err := s.ingester.Ingest(r.Context(), opts)
	if err != nil {
		s.writeRunError(w, r, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Status:               "success",
		RunID:                res.RunID,
		ScrapedCount:         res.Scraped,
		SavedCount:           res.Saved,
		GeometryUpdatedCount: res.GeometryUpdated,
		GeocodeFailedCount:   res.GeocodeFailed,
		ClearedCount:         res.Cleared,
	})
}

func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingester.BackfillMissingGeometry(r.Context())
	if err != nil {
		s.writeRunError(w, r, "backfill", err)
		return
	}
	writeJSON(w, http.StatusOK, backfillResponse{
		Status:       "success",
		RunID:        res.RunID,
		UpdatedCount: res.Updated,
		FailedCount:  res.Failed,
		Total:        res.Total,
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ingest.ErrIngestRunning):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Error(op+" failed",
		zap.String("request_id", requestID(r.Context())),
		zap.Error(err),
	)
	writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

func (s *Server) userAlerts(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	alerts, err := s.matcher.Match(r.Context(), userID)
	if err != nil {
		s.logger.Error("match failed", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sweeper.NotifyAll(r.Context()))
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, `{"status":"error","message":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
