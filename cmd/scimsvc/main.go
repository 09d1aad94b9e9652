package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/password"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/store"
	"github.com/dhawalhost/scimgate/internal/tenant"
	"github.com/dhawalhost/scimgate/pkg/database"
	"github.com/dhawalhost/scimgate/pkg/logger"
	"github.com/dhawalhost/scimgate/pkg/middleware"
	"github.com/dhawalhost/scimgate/pkg/observability"
)

const serviceName = "scimgate"

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Server.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Server.Tracing, serviceName, version, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	db, err := database.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var st store.Store
	if cfg.Storage.Kind == "sqlite" {
		st = store.NewSQLite(db)
	} else {
		st = store.NewPostgres(db)
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	log.Info("storage ready", zap.String("kind", cfg.Storage.Kind))

	svc := scim.NewService(st, password.NewArgon2(password.DefaultParams()), log)
	metrics := observability.NewMetrics()
	router := buildRouter(cfg, log, svc, metrics)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting",
			zap.String("addr", srv.Addr), zap.Int("tenants", len(cfg.Tenants)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildRouter(cfg *config.Config, log *zap.Logger, svc *scim.Service, metrics *observability.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	router.Use(middleware.AccessLog(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.PrometheusMiddleware(metrics, normalizeMetricPath))
	if cfg.Server.RateLimit.Enabled {
		router.Use(middleware.RateLimit(rate.Limit(cfg.Server.RateLimit.RPS), cfg.Server.RateLimit.Burst))
	}
	if cfg.Server.CORS.Enabled {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Server.CORS.Origins,
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "If-None-Match"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))

	handler := scim.NewHTTPHandler(svc, log, tenant.Resolver)
	resolve := tenant.Middleware(cfg, log)
	for _, prefix := range tenantPrefixes(cfg) {
		group := router.Group(prefix)
		group.Use(resolve, tenantTelemetry(metrics))
		handler.RegisterRoutes(group)
	}

	// Custom endpoints can live on paths no SCIM route covers, so the
	// fallback still resolves the tenant before answering 404.
	router.NoRoute(tenant.NotFound(cfg, log))

	return router
}

// tenantPrefixes returns each distinct tenant path prefix once. Host-routed
// tenants without a path prefix share the root group.
func tenantPrefixes(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var prefixes []string
	for _, t := range cfg.Tenants {
		p := strings.TrimSuffix(t.Path, "/")
		if seen[p] {
			continue
		}
		seen[p] = true
		prefixes = append(prefixes, p)
	}
	return prefixes
}

// tenantTelemetry tags the active span with the tenant and counts the
// resource operation once the handler has run.
func tenantTelemetry(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		sc, ok := tenant.ScopeFrom(c)
		if !ok {
			return
		}
		span := oteltrace.SpanFromContext(c.Request.Context())
		span.SetAttributes(attribute.Int("scim.tenant_id", sc.TenantID))

		if res := resourceKind(c.Request.URL.Path); res != "" && c.Writer.Status() < 400 {
			metrics.ObserveResourceOp(sc.TenantID, res, strings.ToLower(c.Request.Method))
		}
	}
}

func resourceKind(path string) string {
	switch {
	case strings.Contains(path, "/Users"):
		return "User"
	case strings.Contains(path, "/Groups"):
		return "Group"
	default:
		return ""
	}
}

// normalizeMetricPath collapses resource ids so the path label stays
// low-cardinality.
func normalizeMetricPath(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if parts[i-1] == "Users" || parts[i-1] == "Groups" || parts[i-1] == "Schemas" {
			if parts[i] != "" && parts[i] != ".search" {
				parts[i] = ":id"
			}
		}
	}
	return strings.Join(parts, "/")
}
