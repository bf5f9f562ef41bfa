// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from one upstream queue (NATS JetStream or AWS SQS
// FIFO) and delivers them via HTTP mediation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/router/internal/common/health"
	"go.flowcatalyst.tech/router/internal/common/lifecycle"
	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/config"
	"go.flowcatalyst.tech/router/internal/queue"
	natsqueue "go.flowcatalyst.tech/router/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/router/internal/queue/sqs"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	"go.flowcatalyst.tech/router/internal/router/notification"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize()
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)
	notifier := setupNotifier(app.Config)
	warningService.WithNotifier(notifier)

	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	if app.Config.DevMode {
		mediatorCfg = mediator.DevHTTPMediatorConfig()
	}
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	messageRouter.Manager().WithWarningService(warningService)
	routerService := manager.NewRouterService(messageRouter)

	if err := reconcileFromSnapshot(app.Config, messageRouter.Manager()); err != nil {
		slog.Error("failed to load router config snapshot", "error", err)
		os.Exit(1)
	}
	watchForReload(app.Config, messageRouter.Manager())

	httpRouter := setupHTTPRouter(app.Config, healthChecker, warningHandler)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	notifierService := lifecycle.NewServiceFunc("notification-batcher",
		func(ctx context.Context) error {
			notifier.Run(ctx)
			return nil
		},
		func(ctx context.Context) error { return nil },
	)

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		routerService,
		notifierService,
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a health check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded":
		return setupEmbeddedQueue(ctx, app)
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

// setupEmbeddedQueue starts an in-process NATS JetStream server, for local
// development and integration tests that don't have a broker reachable.
func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	dataDir := cfg.Queue.NATS.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir + "/nats"
	}

	embeddedCfg := natsqueue.DefaultEmbeddedConfig()
	embeddedCfg.DataDir = dataDir

	slog.Info("Starting embedded NATS server", "dataDir", embeddedCfg.DataDir)

	embedded, err := natsqueue.NewEmbeddedServer(embeddedCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Stopping embedded NATS server")
		return embedded.Close()
	})

	consumer, err := embedded.CreateConsumer(ctx, embeddedCfg.ConsumerName, "dispatch.>", &queue.NATSConfig{
		StreamName: embeddedCfg.StreamName,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedded consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool { return true })

	slog.Info("Embedded NATS server ready")
	return consumer, healthCheck, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // the client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, healthCheck, nil
}

// setupNotifier builds the operator-notification delegate chain from
// config: email and/or Teams webhook delegates, wrapped in a batching
// service that gates on minimum severity and coalesces a window's worth of
// warnings into a single outbound notification. Falls back to logging only
// when neither delegate is enabled.
func setupNotifier(cfg *config.Config) *notification.BatchingService {
	var delegates []notification.Service

	if cfg.Notification.Email.Enabled {
		delegates = append(delegates, notification.NewEmailService(&notification.EmailConfig{
			SMTPHost:    cfg.Notification.Email.SMTPHost,
			SMTPPort:    cfg.Notification.Email.SMTPPort,
			Username:    cfg.Notification.Email.Username,
			Password:    cfg.Notification.Email.Password,
			FromAddress: cfg.Notification.Email.FromAddress,
			ToAddress:   cfg.Notification.Email.ToAddress,
			Enabled:     true,
		}))
	}
	if cfg.Notification.Teams.Enabled {
		delegates = append(delegates, notification.NewTeamsService(&notification.TeamsConfig{
			WebhookURL: cfg.Notification.Teams.WebhookURL,
			Enabled:    true,
		}))
	}
	if len(delegates) == 0 {
		delegates = append(delegates, notification.NewNoOpService())
	}

	return notification.NewBatchingService(delegates, &notification.BatchingConfig{
		MinSeverity: cfg.Notification.MinSeverity,
		BatchWindow: time.Duration(cfg.Notification.BatchWindowSeconds) * time.Second,
	})
}

// reconcileFromSnapshot loads a local RouterConfig TOML snapshot, if
// cfg.RouterConfigPath is set, and reconciles it into mgr's live pool set.
// This is the control-plane-free path through the same Reconcile() the
// control plane's pushed RouterConfig would use.
func reconcileFromSnapshot(cfg *config.Config, mgr *manager.QueueManager) error {
	if cfg.RouterConfigPath == "" {
		return nil
	}
	snapshot, err := config.LoadRouterConfigSnapshot(cfg.RouterConfigPath)
	if err != nil {
		return err
	}
	slog.Info("reconciling router config from local snapshot", "path", cfg.RouterConfigPath, "pools", len(snapshot.Pools))
	mgr.Reconcile(snapshot)
	return nil
}

// watchForReload re-reads the RouterConfig snapshot and reconciles on
// SIGHUP, so pool/rate-limit changes can be rolled out without a restart
// when running without a reachable control plane.
func watchForReload(cfg *config.Config, mgr *manager.QueueManager) {
	if cfg.RouterConfigPath == "" {
		return
	}
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			slog.Info("SIGHUP received, reloading router config snapshot")
			if err := reconcileFromSnapshot(cfg, mgr); err != nil {
				slog.Error("failed to reload router config snapshot", "error", err)
			}
		}
	}()
}

// setupHTTPRouter creates the HTTP router with health/metrics/warning endpoints.
func setupHTTPRouter(cfg *config.Config, healthChecker *health.Checker, warningHandler *warning.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httpMetricsMiddleware)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	warningHandler.RegisterRoutes(r)

	return r
}

// httpMetricsMiddleware records request counts and latency for every route
// under the Prometheus HTTP subsystem.
func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPActiveConnections.Inc()
		defer metrics.HTTPActiveConnections.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern, fmt.Sprintf("%d", ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}
