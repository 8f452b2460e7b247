package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/handlers"
	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/services/gateway/chapa"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/monitoring"
	"ticket-marketplace/security"
	"ticket-marketplace/utils"

	_ "ticket-marketplace/migrations"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Payment gateway
	chapaGateway := chapa.New(&chapa.Config{
		BaseURL:       cfg.ChapaBaseURL,
		SecretKey:     cfg.ChapaSecretKey,
		WebhookSecret: cfg.ChapaWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	})

	// Storage
	pbStore := store.NewPBStore(app)

	// Buyer notifications; disabled when no keys are configured
	var notifier services.Notifier
	if cfg.PubNubPublishKey != "" {
		notifier = services.NewPubNubNotifier(&services.PubNubConfig{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			UUID:         cfg.PubNubUUID,
		})
	}

	// Monitoring
	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor(pbStore)
		monitoring.ServeMetrics(cfg.MetricsPort)
	}

	// Initialize services
	paymentService := services.NewPaymentService(pbStore, chapaGateway, cfg.PublicBaseURL, cfg.Currency, services.Options{
		Redis:      redisClient,
		Notifier:   notifier,
		Monitor:    monitor,
		SessionTTL: cfg.PaymentSessionTTL,
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(app, paymentService, chapaGateway, redisClient)
	adminHandler := handlers.NewAdminHandler(app, pbStore)
	limiter := security.NewRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Background reconciliation of stale pending payments
	go paymentService.RunPendingSweeper(ctx, cfg.SweepInterval, cfg.SweepMinAge)

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Payment endpoints
		e.Router.POST("/api/payment", paymentHandler.InitiatePayment).
			BindFunc(limiter.Limit("payment", 20, time.Minute))
		e.Router.GET("/api/payment/verify/{txRef}", paymentHandler.VerifyPayment)
		e.Router.GET("/api/payment/{txRef}/status", paymentHandler.PaymentStatus)

		// Gateway callback (both verbs; Chapa redirects with GET and
		// notifies server-to-server with POST)
		e.Router.POST("/api/payment/callback/{txRef}", paymentHandler.PaymentCallback).
			BindFunc(limiter.Limit("callback", int64(cfg.CallbackRateLimit), cfg.CallbackRateWindow))
		e.Router.GET("/api/payment/callback/{txRef}", paymentHandler.PaymentCallback).
			BindFunc(limiter.Limit("callback", int64(cfg.CallbackRateLimit), cfg.CallbackRateWindow))

		// Admin endpoints
		e.Router.GET("/api/admin/payments-dashboard", adminHandler.GetPaymentsDashboard)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")
	cancel()
}
