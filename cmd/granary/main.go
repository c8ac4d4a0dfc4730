// Package main provides the granary catalog coordinator service.
//
// It wires the three catalog stores (PostgreSQL, the legacy DynamoDB table,
// and the search index), the referential-integrity checker, the mutation
// coordinator, and the Kafka audit publisher, then serves the mutation
// submission boundary behind the standard middleware chain (request IDs,
// panic recovery, client authentication, rate limiting, request logging).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/granary-io/granary/internal/config"
	"github.com/granary-io/granary/internal/integrity"
	"github.com/granary-io/granary/internal/reporter"
	"github.com/granary-io/granary/internal/reporter/middleware"
	"github.com/granary-io/granary/internal/saga"
	"github.com/granary-io/granary/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "granary"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting granary catalog coordinator",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx := context.Background()

	// Relational store (source of truth).
	relationalConfig := store.LoadRelationalConfig()

	dbConn, err := store.NewConnection(relationalConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	relational, err := store.NewPostgresStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to create relational adapter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Relational store connected",
		slog.String("database_url", relationalConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", relationalConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", relationalConfig.MaxIdleConns),
	)

	// Legacy key-value store.
	kvConfig := store.LoadKeyValueConfig()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(kvConfig.Region))
	if err != nil {
		logger.Error("Failed to load AWS configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if kvConfig.Endpoint != "" {
			o.BaseEndpoint = aws.String(kvConfig.Endpoint)
		}
	})

	keyValue, err := store.NewDynamoStore(dynamoClient, kvConfig, logger)
	if err != nil {
		logger.Error("Failed to create key-value adapter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Legacy key-value store connected",
		slog.String("table", kvConfig.Table),
		slog.String("region", kvConfig.Region),
	)

	// Search index.
	searchConfig := store.LoadSearchConfig()

	index, err := store.NewSearchStore(searchConfig, logger)
	if err != nil {
		logger.Error("Failed to create search adapter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Search index connected",
		slog.Int("addresses", len(searchConfig.Addresses)),
		slog.String("index_prefix", searchConfig.IndexPrefix),
	)

	// Referential-integrity rules: compiled-in default, YAML override.
	rules := integrity.DefaultRuleSet()

	if rulesPath := config.GetEnvStr("GRANARY_INTEGRITY_RULES", ""); rulesPath != "" {
		rules, err = integrity.LoadRuleSet(rulesPath)
		if err != nil {
			logger.Error("Failed to load integrity rules", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("Loaded integrity rule overrides", slog.String("path", rulesPath))
	}

	checker := integrity.NewChecker(rules, []integrity.Source{relational, keyValue, index}, logger)

	coordinator := saga.NewCoordinator(relational, keyValue, index, checker, logger)

	publisher := reporter.NewPublisher(reporter.LoadConfig(), logger)

	defer func() {
		_ = publisher.Close()
	}()

	// Boundary middleware. An empty keyring disables authentication, which
	// suits local development; production deployments set GRANARY_API_KEYS.
	keyring, err := middleware.LoadKeyring()
	if err != nil {
		logger.Error("Failed to load API keyring", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if keyring == nil {
		logger.Warn("No API keys configured, authentication disabled")
	}

	limiter := middleware.NewInMemoryRateLimiter(middleware.LoadRateLimitConfig())
	defer limiter.Close()

	handler := middleware.Apply(reporter.NewHandler(coordinator, publisher, logger),
		middleware.WithRequestID(),
		middleware.WithRecovery(logger),
		middleware.WithClientAuth(keyring, logger),
		middleware.WithRateLimit(limiter, logger),
		middleware.WithRequestLogger(logger),
	)

	addr := config.GetEnvStr("GRANARY_LISTEN_ADDR", ":8080")

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  config.GetEnvDuration("GRANARY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: config.GetEnvDuration("GRANARY_WRITE_TIMEOUT", 60*time.Second),
	}

	logger.Info("Catalog coordinator ready",
		slog.String("apply_order", "postgres -> dynamo -> search"),
		slog.String("listen_addr", addr),
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop

	logger.Info("Shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, config.GetEnvDuration("GRANARY_SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("granary service stopped")
}
