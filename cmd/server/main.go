package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "swarmstream/internal/api/http"
	"swarmstream/internal/app"
	"swarmstream/internal/metrics"
	"swarmstream/internal/probe/ffprobe"
	mongorepo "swarmstream/internal/repository/mongo"
	"swarmstream/internal/stream"
	"swarmstream/internal/swarm/anacrolix"
	"swarmstream/internal/swarm/resolver"
	"swarmstream/internal/telemetry"
	"swarmstream/internal/transcode"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "swarmstream", cfg.OTLPEndpoint, cfg.TraceSampleRate)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "swarmstream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("dataDir", cfg.SwarmDataDir),
		slog.Int("transcodeMaxProcs", cfg.TranscodeMaxProcs),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	// The catalog is an enrichment layer: streaming works without it, so a
	// missing Mongo only costs the /catalog endpoints.
	var mongoClient *mongo.Client
	var catalog *mongorepo.Catalog
	if cfg.MongoURI != "" {
		client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = client.Ping(ctx, readpref.Primary())
		}
		if err != nil {
			logger.Warn("mongo unavailable, catalog disabled", slog.String("error", err.Error()))
		} else {
			mongoClient = client
			catalog = mongorepo.NewCatalog(client, cfg.MongoDatabase, cfg.MongoCollection)
			if err := catalog.EnsureIndexes(ctx); err != nil {
				logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
			}
		}
	}

	client, err := anacrolix.New(anacrolix.Config{
		DataDir:  cfg.SwarmDataDir,
		MaxConns: cfg.SwarmMaxConns,
	})
	if err != nil {
		logger.Error("swarm client init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool := transcode.NewPool(transcode.Config{
		FFmpegPath:     cfg.FFmpegPath,
		MaxProcs:       cfg.TranscodeMaxProcs,
		AcquireTimeout: cfg.TranscodeAcquireWait,
		StartupTimeout: cfg.TranscodeStartupWait,
		ReleaseGrace:   cfg.TranscodeReleaseGrace,
		MaxRuntime:     cfg.TranscodeMaxRuntime,
		Preset:         cfg.TranscodePreset,
		CRF:            cfg.TranscodeCRF,
		AudioBitrate:   cfg.TranscodeAudioBitrate,
		Logger:         logger,
	})

	registry := stream.NewRegistry(client, pool, ffprobe.New(cfg.FFprobePath), stream.Config{
		MetadataTimeout: cfg.MetadataTimeout,
		IdleGrace:       cfg.IdleGrace,
		BufferTimeout:   cfg.BufferTimeout,
		WatcherTTL:      cfg.WatcherTTL,
		Logger:          logger,
	})

	resolverOpts := []resolver.Option{
		resolver.WithTimeout(cfg.MetadataTimeout),
		resolver.WithPinned(registry.Pinned),
		resolver.WithLogger(logger),
	}
	if catalog != nil {
		resolverOpts = append(resolverOpts, resolver.WithCatalog(catalog))
	}
	metadataResolver := resolver.New(client, resolverOpts...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithSwarmInspector(client),
		apihttp.WithResolver(metadataResolver),
		apihttp.WithProcessTable(pool),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if catalog != nil {
		serverOpts = append(serverOpts, apihttp.WithCatalog(catalog))
	}
	handler := apihttp.NewServer(registry, serverOpts...)

	go updateEngineMetrics(rootCtx, client, pool, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	registry.Shutdown()
	pool.Shutdown()
	if err := client.Close(); err != nil {
		logger.Warn("swarm client close error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// updateEngineMetrics refreshes the Prometheus gauges from live swarm
// state and pushes a diagnostics snapshot to WebSocket clients.
func updateEngineMetrics(ctx context.Context, client *anacrolix.Client, pool *transcode.Pool, handler *apihttp.Server) {
	stateTicker := time.NewTicker(5 * time.Second)
	wsTicker := time.NewTicker(15 * time.Second)
	defer stateTicker.Stop()
	defer wsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTicker.C:
			ids := client.List(ctx)
			metrics.ActiveSwarms.Set(float64(len(ids)))
			var dlTotal, ulTotal int64
			var peersTotal int
			for _, id := range ids {
				info, err := client.Info(ctx, id)
				if err != nil {
					continue
				}
				dlTotal += info.DownloadSpeed
				ulTotal += info.UploadSpeed
				peersTotal += info.Peers
			}
			metrics.DownloadSpeedBytes.Set(float64(dlTotal))
			metrics.UploadSpeedBytes.Set(float64(ulTotal))
			metrics.PeersConnected.Set(float64(peersTotal))
			metrics.TranscodeActiveProcesses.Set(float64(pool.ActiveProcesses()))
		case <-wsTicker.C:
			handler.BroadcastDiagnostics(ctx)
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
