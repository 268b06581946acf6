// Package httpapi implements the ScrapeForge HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (hashed key lookup)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting on generation and execution endpoints
//   - Resources of other users are reported as not found
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/gateway"
	"github.com/jkaninda/scrapeforge/internal/observability"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/ratelimit"
	"github.com/jkaninda/scrapeforge/internal/service"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     *service.Service
	limiter *ratelimit.Limiter // nil = unlimited.
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket watch endpoint).
	extraRoutes []extraRoute

	mountOnce sync.Once
	okapi     *okapi.Okapi
	group     *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *service.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// The handler authenticates on its own.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "ScrapeForge",
			Version: "v1",
		},
	)
}

// Handler returns the routed API. Routes are mounted on first use.
func (g *Gateway) Handler() http.Handler {
	g.mountOnce.Do(g.mount)
	return g.okapi
}

func (g *Gateway) mount() {
	limit := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)
	g.mountScrapers()
	g.mountExecutions()
	g.mountCredits()

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.mountOnce.Do(g.mount)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       g.config.ReadTimeout,
		WriteTimeout:      g.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the bearer API key to a user and stores its ID on
// the request context under "userID".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "missing or invalid Authorization header"})
		}
		apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		u, err := g.svc.Authenticate(c.Context(), apiKey)
		if err != nil {
			return g.fail(c, err)
		}
		c.Set("userID", u.ID.String())
		return next(c)
	}
}

// caller returns the authenticated user ID.
func caller(c *okapi.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetString("userID"))
	return id, err == nil
}

// rateLimited consumes a token for userID. When the bucket is empty it sets
// Retry-After and returns true.
func (g *Gateway) rateLimited(c *okapi.Context, userID uuid.UUID) bool {
	wait, err := g.limiter.Reserve(userID.String())
	if err == nil {
		return false
	}
	g.config.Metrics.RecordRateLimited()
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return true
}

// --- Helpers ---

// fail maps service errors to HTTP responses.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	code, msg := statusFor(err)
	if code == http.StatusPaymentRequired {
		c.Response().Header().Set("X-Insufficient-Credits", "true")
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		g.logger.ErrorContext(c.Context(), "request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, ErrorBody{Error: msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits to generate a script"
	case errors.Is(err, domain.ErrScraperNotFound),
		errors.Is(err, domain.ErrExecutionNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, service.ErrNoOutput):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrNoScript):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// pathID parses the {id} path parameter.
func pathID(c *okapi.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}

// pageFromQuery reads skip and limit query parameters.
func pageFromQuery(c *okapi.Context) (domain.Page, bool) {
	q := c.Request().URL.Query()
	var p domain.Page
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, false
		}
		p.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, false
		}
		p.Limit = n
	}
	return p, true
}
