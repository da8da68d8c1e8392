package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/suntrack/sales-agent/internal/channel"
	appconfig "github.com/suntrack/sales-agent/internal/config"
	"github.com/suntrack/sales-agent/internal/crm"
	"github.com/suntrack/sales-agent/internal/followup"
	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/notify"
	"github.com/suntrack/sales-agent/internal/observability/metrics"
	"github.com/suntrack/sales-agent/internal/pacer"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// The sweeper runs the timer-driven side of the lifecycle: firing due
// follow-ups and reconciling dirty leads against the CRM pipeline. It is
// safe to run several replicas; Redis leases keep executions exclusive.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting sales-agent sweeper", "env", cfg.Env)

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

	lifecycleMetrics := metrics.NewLifecycleMetrics(prometheus.NewRegistry())

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

	var emailSender notify.EmailSender
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		emailSender = sg
	} else {
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
		logger.Warn("CRM_BASE_URL not set, pipeline sweep disabled")
	}

	ladder := followup.NewLadder(cfg.FollowUpRung1Delay, cfg.FollowUpRung2Delay, cfg.FollowUpRung3Delay)
	scheduler := followup.NewScheduler(leadsRepo, convsRepo, followUpsRepo, lockManager, replyPacer, ladder, logger).
		WithNotifier(notifyService).
		WithMetrics(lifecycleMetrics)
	if reconciler != nil {
		scheduler = scheduler.WithReconciler(reconciler)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		followup.NewSweeper(scheduler, logger).
			WithInterval(cfg.FollowUpSweepInterval).
			Run(ctx)
	}()
	if reconciler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			crm.NewSweeper(reconciler, leadsRepo, logger).
				WithInterval(cfg.CRMSweepInterval).
				Run(ctx)
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down sweeper...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("sweeper stopped")
	case <-time.After(30 * time.Second):
		logger.Error("sweeper shutdown timed out")
	}
}
