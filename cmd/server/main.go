package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tariel-x/medcall/internal/config"
	"github.com/tariel-x/medcall/internal/credentials"
	"github.com/tariel-x/medcall/internal/handlers"
	"github.com/tariel-x/medcall/internal/observability/metrics"
	"github.com/tariel-x/medcall/internal/push"
	"github.com/tariel-x/medcall/internal/signaling"
	"github.com/tariel-x/medcall/internal/turn"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP only (disable TLS/Let's Encrypt)")
	selfSigned := flag.Bool("self-signed", false, "Enable HTTPS using a generated self-signed certificate")
	frontendURI := flag.String("frontend-uri", "", "Allowed CORS origin in http-only mode")
	storeBackend := flag.String("store", "", "Signaling store backend: memory or redis")
	redisURL := flag.String("redis-url", "", "Redis URL for the redis store")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	requireAuth := flag.Bool("require-auth", false, "Reject signaling requests without a valid bearer token")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(config.Overrides{
		HTTPOnly:     httpOnly,
		FrontendURI:  frontendURI,
		StoreBackend: storeBackend,
		RedisURL:     redisURL,
		LogLevel:     logLevel,
		RequireAuth:  requireAuth,
	}, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info(fmt.Sprintf("Medcall Server v%s (build: %d)", AppVersion, buildTimestamp),
		"store", cfg.StoreBackend, "require_auth", cfg.RequireAuth, "record_ttl", cfg.RecordTTL.String())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSignalingMetrics(registry)

	store, err := signaling.Open(cfg.StoreBackend, cfg.RedisURL, cfg.RecordTTL)
	if err != nil {
		return fmt.Errorf("open signaling store: %w", err)
	}
	defer store.Close()

	pushStore, err := push.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer pushStore.Close()
	sender := push.NewSender(pushStore, push.VAPID{
		PublicKey:  cfg.VAPIDKeys.PublicKey,
		PrivateKey: cfg.VAPIDKeys.PrivateKey,
		Subject:    cfg.VAPIDKeys.Subject,
	}, m, logger)

	issuer, err := credentials.NewIssuer(cfg.AppID, cfg.AppCertificate, cfg.CredentialTTL)
	if err != nil {
		return fmt.Errorf("credentials issuer: %w", err)
	}

	var turnCreds handlers.TURNCredentials
	if !cfg.DisableTURN {
		turnServer, err := turn.Initialize(turn.Options{
			Port:    cfg.TURNPort,
			Realm:   cfg.TURNRealm,
			Secret:  cfg.TURNSecret,
			RelayIP: cfg.TURNRelayIP,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize TURN server: %w", err)
		}
		defer turnServer.Close()
		turnCreds = turnServer
		logger.Info(fmt.Sprintf("TURN server started at port %d", cfg.TURNPort))
	}

	hub := handlers.NewWSHub()
	notifier := handlers.NewCallNotifier(hub, sender, logger)
	service := signaling.NewService(store, notifier, m, logger)

	h := handlers.New(handlers.Options{
		Config:  cfg,
		Service: service,
		Issuer:  issuer,
		TURN:    turnCreds,
		Push:    pushStore,
		Hub:     hub,
		Metrics: m,
		WSUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg),
		},
		Logger: logger,
	})

	router := setupRouter(h, cfg, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers, err := startServer(ctx, router, cfg, *selfSigned, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.CloseAll()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	notifier.Wait()
	return nil
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, registry *prometheus.Registry, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), slogGinLogger(logger))

	// CORS middleware (for web app)
	router.Use(func(c *gin.Context) {
		// Use frontend URI for CORS if in http-only mode, otherwise allow all
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	h.Routes(router)

	return router
}

// checkOrigin pins websocket upgrades to the frontend in http-only mode.
func checkOrigin(cfg *config.Config) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !cfg.HTTPOnly || cfg.FrontendURI == "" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(cfg.FrontendURI, "/"))
	}
}

// startServer starts the listeners for the configured mode and returns them
// for shutdown.
func startServer(ctx context.Context, router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) ([]*http.Server, error) {
	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	switch {
	case cfg.HTTPOnly:
		srv := newHTTPServer(":"+cfg.HTTPPort, router, errorLog)
		logger.Info("Starting HTTP server", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)
		serve(srv, logger, srv.ListenAndServe)
		return []*http.Server{srv}, nil
	case selfSigned:
		return startSelfSignedHTTPS(router, cfg, errorLog, logger)
	default:
		return startAutocertHTTPS(ctx, router, cfg, errorLog, logger)
	}
}

func newHTTPServer(addr string, handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}
}

func serve(srv *http.Server, logger *slog.Logger, listen func() error) {
	go func() {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "addr", srv.Addr, "error", err)
		}
	}()
}
