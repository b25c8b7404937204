// Package main provides the entry point for the RemedyForge server.
// It runs the detect, route, remediate and record pipeline for cloud resources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/api"
	"github.com/lvonguyen/remedyforge/internal/api/gateway"
	"github.com/lvonguyen/remedyforge/internal/config"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/pipeline"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("RemedyForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "remedyforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "remedyforge",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()
	defer logger.Sync()

	logger.Info("Starting RemedyForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := loadAWSClients(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	var redisClient redis.UniversalClient
	if cfg.Store.Backend == "redis" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
	}

	p, err := pipeline.New(cfg, pipeline.Deps{
		Redis:   redisClient,
		AWS:     clients,
		Logger:  logger,
		Metrics: tel.Metrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	opts := api.Options{
		Version:        Version,
		RequestTimeout: cfg.Pipeline.InvocationTimeout,
	}
	if cfg.Telemetry.MetricsEnabled {
		opts.MetricsHandler = tel.MetricsHandler()
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimiter = gateway.NewRateLimiter(redisClient, gateway.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			IncludeHeaders:    cfg.RateLimit.IncludeHeaders,
		}, logger)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewServer(p, opts, logger, tel.Metrics()).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Pipeline shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

// loadAWSClients builds every service client from the default credential
// chain. A configured endpoint points all of them at one emulator.
func loadAWSClients(ctx context.Context, c config.AWSConfig) (pipeline.AWSClients, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return pipeline.AWSClients{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var endpoint *string
	if c.Endpoint != "" {
		endpoint = aws.String(c.Endpoint)
	}

	return pipeline.AWSClients{
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = endpoint
			o.UsePathStyle = endpoint != nil
		}),
		KMS:         kms.NewFromConfig(awsCfg, func(o *kms.Options) { o.BaseEndpoint = endpoint }),
		EC2:         ec2.NewFromConfig(awsCfg, func(o *ec2.Options) { o.BaseEndpoint = endpoint }),
		SNS:         sns.NewFromConfig(awsCfg, func(o *sns.Options) { o.BaseEndpoint = endpoint }),
		SecurityHub: securityhub.NewFromConfig(awsCfg, func(o *securityhub.Options) { o.BaseEndpoint = endpoint }),
		EventBridge: eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) { o.BaseEndpoint = endpoint }),
		SQS:         sqs.NewFromConfig(awsCfg, func(o *sqs.Options) { o.BaseEndpoint = endpoint }),
	}, nil
}
