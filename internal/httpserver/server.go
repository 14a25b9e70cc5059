package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relayhaus/llmrelay/internal/version"
)

// ServerConfig holds the parameters NewServer needs to wire ambient middleware.
type ServerConfig struct {
	CORSAllowedOrigins []string
	Title              string
}

// Server holds the HTTP server dependencies. DB and Redis are both optional:
// they back the prompt log sink and the abuse guard / wait-estimate mirror
// respectively, neither of which is load-bearing for the proxy's core request
// path, so /readyz and /status only check whichever of them is configured.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	DB      *pgxpool.Pool // nil unless prompt logging is enabled
	Redis   *redis.Client // nil unless the abuse guard or wait-estimate mirror is enabled
	Metrics *prometheus.Registry

	title     string
	startedAt time.Time
}

// NewServer creates an HTTP server with ambient middleware and health/metrics
// endpoints. Domain routes (the per-provider endpoints) are mounted on Router
// by the caller after NewServer returns.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		title:     cfg.Title,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Api-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics endpoints (unauthenticated, like the rest of the proxy surface).
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/status", s.HandleStatus)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("readiness check: database ping failed", "error", err)
			ready = false
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			ready = false
		}
	}

	if !ready {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "dependency not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status          string   `json:"status"`
	Title           string   `json:"title"`
	Version         string   `json:"version"`
	CommitSHA       string   `json:"commit_sha"`
	Uptime          string   `json:"uptime"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Database        string   `json:"database,omitempty"`
	DatabaseLatency *float64 `json:"database_latency_ms,omitempty"`
	Redis           string   `json:"redis,omitempty"`
	RedisLatency    *float64 `json:"redis_latency_ms,omitempty"`
}

// HandleStatus returns system health information: uptime, version, and
// connectivity to whichever optional dependencies are configured.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Status:        "ok",
		Title:         s.title,
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	if s.DB != nil {
		start := time.Now()
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("status check: database ping failed", "error", err)
			resp.Database = "error"
			resp.Status = "degraded"
		} else {
			resp.Database = "ok"
		}
		ms := roundMillis(time.Since(start))
		resp.DatabaseLatency = &ms
	}

	if s.Redis != nil {
		start := time.Now()
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("status check: redis ping failed", "error", err)
			resp.Redis = "error"
			resp.Status = "degraded"
		} else {
			resp.Redis = "ok"
		}
		ms := roundMillis(time.Since(start))
		resp.RedisLatency = &ms
	}

	Respond(w, http.StatusOK, resp)
}

func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

// BrowserRedirectOr404 implements the catch-all rule for unmatched provider
// paths: a browser landing on GET /{provider}/* gets bounced to the root
// page, anything else (a misconfigured client) gets a plain 404.
func BrowserRedirectOr404(w http.ResponseWriter, r *http.Request) {
	if looksLikeBrowser(r.Header.Get("User-Agent")) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.NotFound(w, r)
}

func looksLikeBrowser(ua string) bool {
	for _, marker := range []string{"Mozilla", "Chrome", "Safari", "Firefox", "Edg/"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
