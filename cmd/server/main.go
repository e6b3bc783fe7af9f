package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/config"
	"github.com/ignatzorin/expert-marketplace/internal/db"
	"github.com/ignatzorin/expert-marketplace/internal/eventstore"
	"github.com/ignatzorin/expert-marketplace/internal/goroutine"
	httpHandlers "github.com/ignatzorin/expert-marketplace/internal/http/handlers"
	"github.com/ignatzorin/expert-marketplace/internal/http/middleware"
	httpRouter "github.com/ignatzorin/expert-marketplace/internal/http/router"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/scheduler"
	"github.com/ignatzorin/expert-marketplace/internal/service"
	"github.com/ignatzorin/expert-marketplace/internal/ws"
)

const accessTokenTTL = 15 * time.Minute

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	logger.Init(cfg.LogLevel)
	if cfg.Env == "development" {
		logger.SetTextFormatter()
	}
	lg := logger.L()

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		lg.WithError(err).Fatal("main: ошибка подключения к базе")
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		lg.WithError(err).Fatal("main: ошибка миграций")
	}

	// Redis опционален: без него лимитер в памяти, дедупликация событий выключена.
	var rdb *redis.Client
	var events service.EventClaimer
	if cfg.RedisURL != "" {
		rdb, err = eventstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			lg.WithError(err).Fatal("main: redis недоступен")
		}
		defer func() { _ = rdb.Close() }()
		events = eventstore.New(rdb, 2*cfg.RequestTimeout, cfg.Payments.WebhookEventTTL)
	} else {
		lg.Warn("main: REDIS_URL не задан, повторные вебхуки защищены только условными записями")
	}

	limiterStore, err := middleware.NewLimiterStore(rdb)
	if err != nil {
		lg.WithError(err).Fatal("main: хранилище лимитера")
	}

	fees, err := billing.NewFeeCalculator(cfg.Payments.FeePercent)
	if err != nil {
		lg.WithError(err).Fatal("main: некорректный процент комиссии")
	}

	stripeGateway := processor.NewStripe(cfg.Payments.StripeSecretKey, nil)
	verifier := processor.NewVerifier(cfg.Payments.WebhookSecret)
	tokenManager := service.NewTokenManager(cfg.JWTSecret, accessTokenTTL)

	// Репозитории.
	userRepo := repository.NewUserRepository(dbConn)
	expertRepo := repository.NewExpertRepository(dbConn)
	listingRepo := repository.NewListingRepository(dbConn)
	projectRepo := repository.NewProjectRepository(dbConn)
	paymentRepo := repository.NewPaymentRepository(dbConn)
	payoutRepo := repository.NewPayoutRepository(dbConn)
	invoiceRepo := repository.NewInvoiceRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)

	// Вебсокеты: хаб доставляет события и сохраняет их как уведомления.
	notificationService := service.NewNotificationService(notificationRepo)
	hub := ws.NewHub(ctx)
	hub.SetNotificationSaver(ws.NewNotificationServiceAdapter(notificationService))
	goroutine.SafeGo("ws.hub", hub.Run)

	// Сервисы.
	invoiceService := service.NewInvoiceService(invoiceRepo, userRepo, paymentRepo, hub, cfg.Payments.InvoiceTaxRateBP)
	projectService := service.NewProjectService(
		projectRepo, paymentRepo, expertRepo, listingRepo, stripeGateway, invoiceService, hub,
		fees, cfg.Payments.DefaultCurrency, cfg.Payments.RevisionsAllowed,
	)
	paymentService := service.NewPaymentService(paymentRepo, projectRepo, expertRepo, stripeGateway, fees)
	checkoutService := service.NewCheckoutService(listingRepo, expertRepo, projectRepo, stripeGateway, fees, cfg.Payments)
	connectService := service.NewConnectService(expertRepo, userRepo, stripeGateway, cfg.Payments)
	payoutService := service.NewPayoutService(payoutRepo, expertRepo, stripeGateway, hub)
	reconciler := service.NewWebhookReconciler(
		verifier, events, paymentService, projectService, connectService, hub,
		fees, cfg.Payments.RevisionsAllowed,
	)

	// Автоматические выплаты по расписанию.
	payouts := scheduler.New(payoutService, cfg.Payments.PayoutSchedule)
	if err := payouts.Start(ctx); err != nil {
		lg.WithError(err).Fatal("main: планировщик выплат")
	}

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Projects:      httpHandlers.NewProjectHandler(projectService),
		Payments:      httpHandlers.NewPaymentHandler(paymentService, checkoutService),
		Payouts:       httpHandlers.NewPayoutHandler(payoutService, invoiceService),
		Connect:       httpHandlers.NewConnectHandler(connectService),
		Webhook:       httpHandlers.NewWebhookHandler(reconciler, cfg.RequestTimeout),
		Notifications: httpHandlers.NewNotificationHandler(notificationService),
		WS:            httpHandlers.NewWSHandler(hub, tokenManager, cfg.AllowedOrigins),
		Health:        httpHandlers.NewHealthHandler(dbConn, rdb),
	}, tokenManager, limiterStore)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	goroutine.SafeGo("http.shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.WithError(err).Error("main: ошибка остановки http сервера")
		}
		payouts.Stop(shutdownCtx)
	})

	lg.WithField("port", cfg.HTTPPort).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.WithError(err).Fatal("main: сервер завершился с ошибкой")
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		logger.L().WithError(err).Error("main: ошибка закрытия базы")
	}
}
