package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/Ramsey-B/aster/config"
	"github.com/Ramsey-B/aster/internal/repositories/abisrequest"
	"github.com/Ramsey-B/aster/internal/repositories/abisresponse"
	"github.com/Ramsey-B/aster/internal/repositories/bioref"
	"github.com/Ramsey-B/aster/internal/repositories/dedupelist"
	"github.com/Ramsey-B/aster/internal/repositories/regtransaction"
	"github.com/Ramsey-B/aster/internal/repositories/verificationtask"
	"github.com/Ramsey-B/aster/pkg/correlator"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/dedup"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/middleware"
	"github.com/Ramsey-B/aster/pkg/processor"
	"github.com/Ramsey-B/aster/pkg/redis"
	dlqroutes "github.com/Ramsey-B/aster/pkg/routes/dlq"
	"github.com/Ramsey-B/aster/pkg/routes/health"
	registrationroutes "github.com/Ramsey-B/aster/pkg/routes/registration"
	verificationroutes "github.com/Ramsey-B/aster/pkg/routes/verification"
	"github.com/Ramsey-B/aster/pkg/tracing"
	"github.com/Ramsey-B/aster/pkg/tracker"
	"github.com/Ramsey-B/aster/pkg/verification"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

// newLogger builds the service logger: ectologger's fluent surface in front,
// zap doing the writing.
func newLogger(cfg config.Config) ectologger.Logger {
	var zlog *zap.Logger
	if cfg.PrettyLogs {
		zlog, _ = zap.NewDevelopment()
	} else {
		zlog, _ = zap.NewProduction()
	}

	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			zlog.Error("failed to encode log message", zap.Error(err))
			return
		}
		zlog.Info(string(data))
	})
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, tracing.Config{
		Enabled:  cfg.TracingEnabled,
		Endpoint: cfg.TracingEndpoint,
		Insecure: cfg.TracingInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Connect(ctx, database.Config{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
		RetryCount:      cfg.DatabaseReconnectRetryCount,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db, database.MigrationConfig{
		FolderPath: cfg.DatabaseMigrationFolderPath,
		Version:    uint(cfg.DatabaseMigrationVersion),
	}, logger); err != nil {
		return err
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	dlq := redis.NewDeadLetterQueue(redisClient, cfg.DLQStreamName, logger)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaAbisOutTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer func() { _ = producer.Close() }()

	// Repositories
	bioRefs := bioref.NewRepository(db, logger)
	transactions := regtransaction.NewRepository(db, logger)
	requests := abisrequest.NewRepository(db, logger)
	responses := abisresponse.NewRepository(db, logger)
	dedupes := dedupelist.NewRepository(db, logger)
	tasks := verificationtask.NewRepository(db, logger)

	// Services
	trackerSvc := tracker.NewService(requests, producer, logger)
	correlatorSvc := correlator.NewService(responses, requests, cfg.StrictResponsePolicy, logger)
	queueSvc := verification.NewService(tasks, logger)
	policy := correlator.Policy{
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		MinScoreGap:             cfg.MinScoreGap,
	}
	engine := dedup.NewEngine(transactions, bioRefs, dedupes, trackerSvc, correlatorSvc, queueSvc, policy, logger)

	// Consumers
	packetProcessor := processor.NewPacketProcessor(engine, dlq, logger)
	responseProcessor := processor.NewResponseProcessor(engine, dlq, logger)

	var consumers []*kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		packetConsumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaPacketTopic,
			ConsumerGroup: cfg.KafkaPacketConsumerGroup,
		}, logger, packetProcessor.Handle)
		responseConsumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaAbisInTopic,
			ConsumerGroup: cfg.KafkaAbisInConsumerGroup,
		}, logger, responseProcessor.Handle)
		consumers = []*kafka.Consumer{packetConsumer, responseConsumer}

		for _, c := range consumers {
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
		}
	}
	defer func() {
		for _, c := range consumers {
			if err := c.Stop(); err != nil {
				logger.WithError(err).Error("Failed to stop consumer")
			}
		}
	}()

	var sweeper *processor.Sweeper
	if cfg.SweeperEnabled {
		sweeper = processor.NewSweeper(engine, cfg.SweeperInterval, cfg.RequestMaxAge, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// HTTP API
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.RequestContext())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	checker := health.NewChecker(health.PingerFunc(db.PingContext), redisClient, version)
	checker.RegisterRoutes(e)

	verificationroutes.NewHandler(queueSvc, engine).Register(e.Group("/api/v1/verifications"))
	registrationroutes.NewHandler(transactions, dedupes, requests).Register(e.Group("/api/v1/registrations"))
	dlqroutes.NewHandler(dlq, packetProcessor, responseProcessor, cfg.KafkaPacketTopic, logger).Register(e.Group("/api/v1/dlq"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	checker.SetReady(true)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
