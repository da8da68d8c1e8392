package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/suntrack/sales-agent/cmd/mainconfig"
	"github.com/suntrack/sales-agent/internal/calendar"
	"github.com/suntrack/sales-agent/internal/channel"
	appconfig "github.com/suntrack/sales-agent/internal/config"
	"github.com/suntrack/sales-agent/internal/crm"
	"github.com/suntrack/sales-agent/internal/engine"
	"github.com/suntrack/sales-agent/internal/followup"
	"github.com/suntrack/sales-agent/internal/http/handlers"
	"github.com/suntrack/sales-agent/internal/http/router"
	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/notify"
	"github.com/suntrack/sales-agent/internal/observability/metrics"
	"github.com/suntrack/sales-agent/internal/orchestrator"
	"github.com/suntrack/sales-agent/internal/pacer"
	"github.com/suntrack/sales-agent/internal/queue"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting sales-agent API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open sql database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to reach redis", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}
	lockManager := locks.NewManager(redisClient, logger)

	registry := prometheus.NewRegistry()
	lifecycleMetrics := metrics.NewLifecycleMetrics(registry)

	leadsRepo := store.NewPostgresLeadRepository(pool)
	convsRepo := store.NewPostgresConversationRepository(pool)
	messagesRepo := store.NewPostgresMessageRepository(pool)
	followUpsRepo := store.NewPostgresFollowUpRepository(pool)
	syncRepo := store.NewSQLSyncStateRepository(sqlDB)

	sender := channel.NewWhatsAppSender(cfg.WhatsAppBaseURL, cfg.WhatsAppAPIKey, cfg.WhatsAppInstance, logger)
	replyPacer := pacer.New(sender, messagesRepo, pacer.Config{
		MaxSegmentLen:   cfg.PacerMaxSegmentLen,
		MinInitialDelay: cfg.PacerMinInitialDelay,
		MaxInitialDelay: cfg.PacerMaxInitialDelay,
		SegmentDelay:    cfg.PacerSegmentDelay,
		MaxAttempts:     cfg.PacerMaxAttempts,
		RetryBaseDelay:  cfg.PacerRetryBaseDelay,
	}, logger)

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build reasoning engine", "error", err, "provider", cfg.EngineProvider)
		os.Exit(1)
	}

	var emailSender notify.EmailSender
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		emailSender = sg
	} else {
		logger.Warn("sendgrid not configured, sales-team emails go to the log")
		emailSender = notify.NewStubEmailSender(logger)
	}
	notifyService := notify.NewService(emailSender, cfg.SalesTeamEmail, logger)

	var reconciler *crm.Reconciler
	if cfg.CRMBaseURL != "" {
		crmClient, err := crm.NewPipelineClient(cfg.CRMBaseURL, cfg.CRMAPIToken, cfg.CRMRequestTimeout, logger)
		if err != nil {
			logger.Error("failed to build CRM client", "error", err)
			os.Exit(1)
		}
		stageMap, err := crm.ParseStageMap(cfg.CRMStageMapJSON)
		if err != nil {
			logger.Error("failed to parse CRM stage map", "error", err)
			os.Exit(1)
		}
		reconciler = crm.NewReconciler(crmClient, leadsRepo, syncRepo, lockManager, stageMap, logger).
			WithMetrics(lifecycleMetrics)
	} else {
		logger.Warn("CRM_BASE_URL not set, pipeline reconciliation disabled")
	}

	ladder := followup.NewLadder(cfg.FollowUpRung1Delay, cfg.FollowUpRung2Delay, cfg.FollowUpRung3Delay)
	scheduler := followup.NewScheduler(leadsRepo, convsRepo, followUpsRepo, lockManager, replyPacer, ladder, logger).
		WithNotifier(notifyService).
		WithMetrics(lifecycleMetrics)
	if reconciler != nil {
		scheduler = scheduler.WithReconciler(reconciler)
	}

	orch := orchestrator.New(leadsRepo, convsRepo, messagesRepo, lockManager, eng, replyPacer, scheduler, orchestrator.Config{
		EngineProvider:  cfg.EngineProvider,
		EngineTimeout:   cfg.EngineTimeout,
		EngineMaxTokens: int32(cfg.EngineMaxTokens),
		FallbackReply:   cfg.FallbackReply,
		QualifyCents:    cfg.QualifyCents,
	}, logger).
		WithNotifier(notifyService).
		WithMetrics(lifecycleMetrics)
	if reconciler != nil {
		orch = orch.WithReconciler(reconciler)
	}
	if cfg.GoogleCredentialsJSON != "" {
		cal, err := calendar.NewGoogleCalendar(ctx, []byte(cfg.GoogleCredentialsJSON), cfg.GoogleCalendarID, logger)
		if err != nil {
			logger.Error("failed to build calendar client", "error", err)
			os.Exit(1)
		}
		orch = orch.WithCalendar(cal)
	} else {
		logger.Warn("GOOGLE_CREDENTIALS_JSON not set, visit scheduling disabled")
	}

	turnQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build turn queue", "error", err)
		os.Exit(1)
	}
	publisher := orchestrator.NewPublisher(turnQueue)

	var workers sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			orchestrator.NewWorker(turnQueue, orch, logger).Run(ctx)
		}()
	}

	webhookHandler := handlers.NewWhatsAppWebhookHandler(publisher, cfg.WhatsAppWebhookSecret, logger)
	adminHandler := handlers.NewAdminLeadsHandler(leadsRepo, convsRepo, messagesRepo, logger)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(router.Config{
			Webhook:        webhookHandler,
			AdminLeads:     adminHandler,
			AdminJWTSecret: cfg.AdminJWTSecret,
			Registry:       registry,
			Logger:         logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	cancel()
	workers.Wait()
	logger.Info("server stopped")
}

func buildEngine(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (engine.Engine, error) {
	switch cfg.EngineProvider {
	case "gemini":
		return engine.NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID, logger)
	default:
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return engine.NewBedrockEngine(client, cfg.BedrockModelID, logger), nil
	}
}

func buildQueue(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (queue.Queue, error) {
	if cfg.UseMemoryQueue {
		logger.Warn("using in-memory turn queue, messages are lost on restart")
		return queue.NewMemoryQueue(0), nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.TurnQueueURL), nil
}
