// Command dispatcher runs the notification dispatch service: HTTP ingress,
// per-channel workers, and the background delayed/DLQ maintenance loop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/meetsmatch/dispatcher/internal/config"
	"github.com/meetsmatch/dispatcher/internal/database"
	"github.com/meetsmatch/dispatcher/internal/dispatch"
	"github.com/meetsmatch/dispatcher/internal/dispatch/vendor"
	"github.com/meetsmatch/dispatcher/internal/httpserver"
	"github.com/meetsmatch/dispatcher/internal/monitoring"
	sentrypkg "github.com/meetsmatch/dispatcher/internal/sentrypkg"
	"github.com/meetsmatch/dispatcher/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.DefaultLogConfig())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := sentrypkg.Init(*cfg); err != nil {
		logger.WithError(err).Warn("Sentry initialization failed, continuing without error tracking")
	}
	defer sentrypkg.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}
	defer otelShutdown()

	db, err := connectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	redisClient, err := connectRedis(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer redisClient.Close()

	repo := dispatch.NewPostgresRepository(db.DB, db)
	queue := dispatch.NewRedisQueue(redisClient)
	breaker := dispatch.NewBreaker(redisClient, cfg.ToBreakerConfig())
	limiter := dispatch.NewRateLimiter(redisClient, cfg.ToRateLimitRules())

	metrics := monitoring.NewMetricsCollector()
	templates := dispatch.NewTemplateService(repo, redisClient, func(templateID string, count int) {
		metrics.NewCounter("template_missing_placeholders_total", "Unresolved template placeholders",map[string]string{"template_id": templateID}).Add(float64(count))
	})

	vendorConfig := make(map[dispatch.Channel]dispatch.VendorConfig, len(cfg.ChannelVendors))
	for ch := range cfg.ChannelVendors {
		vendorConfig[ch] = cfg.ToVendorConfig(ch)
	}
	selector := dispatch.NewSelector(repo, vendorConfig)

	vendors := buildVendorAdapters(cfg)
	service := dispatch.NewService(repo, queue, breaker, limiter, templates, selector, vendors, cfg.ToRetryConfig())

	health := monitoring.NewHealthChecker(cfg.OTelServiceName, "1.0.0", time.Now().Format(time.RFC3339), "unknown")
	health.RegisterDatabaseCheck("database", db.DB)
	health.RegisterRedisCheck("redis", redisClient)
	for channel, adapters := range vendors {
		for name, adapter := range adapters {
			health.RegisterVendorCheck(string(channel)+":"+name, adapter)
		}
	}

	mon := monitoring.NewMonitoringMiddleware(monitoring.DefaultMiddlewareConfig())
	mon.SetMetrics(metrics)
	mon.SetHealth(health)

	server := httpserver.New(httpserver.Config{
		Addr:                   cfg.HTTPAddr,
		IngressRateLimit:       100,
		IngressRateLimitWindow: time.Second,
	}, service, mon)

	workers := make([]*dispatch.Worker, 0, len(vendors))
	for _, channel := range []dispatch.Channel{dispatch.ChannelEmail, dispatch.ChannelSMS, dispatch.ChannelPush} {
		workerCfg := dispatch.DefaultWorkerConfig(channel)
		if n, ok := cfg.WorkerConcurrency[channel]; ok && n > 0 {
			workerCfg.Concurrency = n
		}
		workers = append(workers, dispatch.NewWorker(service, queue, workerCfg))
	}

	maintenanceScheduler, err := dispatch.NewMaintenanceScheduler(cfg.RedisURL, cfg.CleanupCron)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build maintenance scheduler")
	}
	maintenanceWorker, err := dispatch.NewMaintenanceWorker(cfg.RedisURL, repo, cfg.RetentionPeriod)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build maintenance worker")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("Starting HTTP server on %s", cfg.HTTPAddr)
		return server.ListenAndServe(groupCtx)
	})

	for _, w := range workers {
		worker := w
		group.Go(func() error {
			return worker.Start(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		maintenanceScheduler.Shutdown()
		return nil
	})
	group.Go(func() error {
		logger.Infof("Starting maintenance scheduler (cleanup: %s)", cfg.CleanupCron)
		return maintenanceScheduler.Run()
	})

	group.Go(func() error {
		<-groupCtx.Done()
		maintenanceWorker.Shutdown()
		return nil
	})
	group.Go(func() error {
		return maintenanceWorker.Run()
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("Dispatcher exited with error")
		os.Exit(1)
	}

	logger.Info("Dispatcher shut down cleanly")
}

func connectPostgres(ctx context.Context, dsn string, logger *telemetry.Logger) (*database.DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	var pingErr error
	for attempt := 1; attempt <= 5; attempt++ {
		if pingErr = sqlDB.PingContext(ctx); pingErr == nil {
			return &database.DB{DB: sqlDB}, nil
		}
		logger.Warnf("Database not ready (attempt %d/5): %v", attempt, pingErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("database unreachable after retries: %w", pingErr)
}

func connectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		u, parseErr := url.Parse(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = &redis.Options{Addr: u.Host}
	}
	return redis.NewClient(opts), nil
}

func buildVendorAdapters(cfg *config.Config) map[dispatch.Channel]map[string]dispatch.VendorAdapter {
	adapters := map[dispatch.Channel]map[string]dispatch.VendorAdapter{
		dispatch.ChannelEmail: {},
		dispatch.ChannelSMS:   {},
		dispatch.ChannelPush:  {},
	}

	if vc, ok := cfg.Vendors["sendgrid"]; ok {
		adapters[dispatch.ChannelEmail]["sendgrid"] = vendor.NewSendGridAdapter(vendor.SendGridConfig{
			APIKey:    vc.Credentials["api_key"],
			FromEmail: vc.Credentials["from_email"],
			Timeout:   time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL:   vc.BaseURL,
		})
	}
	if vc, ok := cfg.Vendors["iterable"]; ok {
		adapters[dispatch.ChannelEmail]["iterable"] = vendor.NewIterableAdapter(vendor.IterableConfig{
			APIKey:  vc.Credentials["api_key"],
			Timeout: time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL: vc.BaseURL,
		})
	}
	if vc, ok := cfg.Vendors["ses"]; ok {
		adapters[dispatch.ChannelEmail]["ses"] = vendor.NewSESAdapter(vendor.SESConfig{
			AccessKeyID:     vc.Credentials["access_key_id"],
			SecretAccessKey: vc.Credentials["secret_access_key"],
			Region:          vc.Credentials["region"],
			FromAddress:     vc.Credentials["from_email"],
			Timeout:         time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL:         vc.BaseURL,
		})
	}
	if vc, ok := cfg.Vendors["telnyx"]; ok {
		adapters[dispatch.ChannelSMS]["telnyx"] = vendor.NewTelnyxAdapter(vendor.TelnyxConfig{
			APIKey:     vc.Credentials["api_key"],
			FromNumber: vc.Credentials["from_number"],
			Timeout:    time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL:    vc.BaseURL,
		})
	}
	if vc, ok := cfg.Vendors["twilio"]; ok {
		adapters[dispatch.ChannelSMS]["twilio"] = vendor.NewTwilioAdapter(vendor.TwilioConfig{
			AccountSID: vc.Credentials["account_sid"],
			AuthToken:  vc.Credentials["auth_token"],
			FromNumber: vc.Credentials["from_number"],
			Timeout:    time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL:    vc.BaseURL,
		})
	}
	if vc, ok := cfg.Vendors["sns"]; ok {
		adapters[dispatch.ChannelPush]["sns"] = vendor.NewSNSAdapter(vendor.SNSConfig{
			AccessKeyID:     vc.Credentials["access_key_id"],
			SecretAccessKey: vc.Credentials["secret_access_key"],
			Region:          vc.Credentials["region"],
			Timeout:         time.Duration(vc.TimeoutMs) * time.Millisecond,
			BaseURL:         vc.BaseURL,
		})
	}

	return adapters
}
