package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	dynamocache "github.com/dgduncan/go-offline-cache/caches/dynamodb"
	"github.com/dgduncan/go-offline-cache/caches/local"
	"github.com/dgduncan/go-offline-cache/caches/postgres"
	"github.com/dgduncan/go-offline-cache/caches/s3"
	"github.com/dgduncan/go-offline-cache/caches/sqlite"
	"github.com/dgduncan/go-offline-cache/internal/config"
	"github.com/dgduncan/go-offline-cache/internal/logging"
	"github.com/dgduncan/go-offline-cache/internal/server"
	"github.com/dgduncan/go-offline-cache/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)

	shutdownTracing, err := telemetry.Setup(ctx, "offline-proxy", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin: %w", err)
	}

	storage, closeStorage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating %s storage: %w", cfg.Backend, err)
	}
	defer closeStorage()

	opts := offlinecache.DefaultConfig()
	opts.PrecacheName = cfg.PrecacheName()
	opts.RuntimeName = cfg.RuntimeName()
	opts.Manifest = cfg.Manifest
	opts.APISegment = cfg.APISegment
	opts.RoutingParam = cfg.RoutingParam
	if cfg.MaxEntrySize > 0 {
		opts.MaxEntrySize = cfg.MaxEntrySize
	}

	m, err := offlinecache.New(storage, origin, http.DefaultTransport, &opts, nil, logger)
	if err != nil {
		return err
	}

	if _, err := m.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if _, err := m.Activate(ctx); err != nil {
		// stale stores are retried on the next start
		logger.WarnContext(ctx, "activation finished with errors", "error", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(m, offlinecache.NewProxy(m, logger), cfg.CORSOrigins, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", cfg.ListenAddr, "origin", origin.String(), "backend", cfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	return m.Close()
}

func newStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (offlinecache.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, &sqlite.Config{MaxEntrySize: cfg.MaxEntrySize})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := postgres.New(ctx, db, &postgres.Config{MaxEntrySize: cfg.MaxEntrySize})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	case config.BackendDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.DynamoDBRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.DynamoDBRegion))
		}
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, err
		}

		client := dynamodb.NewFromConfig(awscfg, func(o *dynamodb.Options) {
			if cfg.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
			}
		})

		if cfg.DynamoDBCreateTable {
			if err := dynamocache.CreateTable(ctx, client, cfg.DynamoDBTable); err != nil {
				return nil, nil, err
			}
		}

		s, err := dynamocache.New(ctx, client, &dynamocache.Config{
			Table:        cfg.DynamoDBTable,
			MaxEntrySize: cfg.MaxEntrySize,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.BackendS3:
		client, err := s3.NewClient(s3.ClientConfig{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}

		s, err := s3.New(client, &s3.Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			MaxEntrySize: cfg.MaxEntrySize,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	default:
		logger.DebugContext(ctx, "using in-memory storage")
		return local.NewBasicStorage(), noop, nil
	}
}
