// Package main implements stratumd, the Stratum V1 front end of the pool.
// It builds jobs from bitcoind templates, serves miners and publishes
// accepted shares to Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gompcore/internal/bitcoin"
	"github.com/bardlex/gompcore/internal/config"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/internal/messaging"
	"github.com/bardlex/gompcore/internal/source"
	"github.com/bardlex/gompcore/internal/stratum"
	"github.com/bardlex/gompcore/internal/validation"
	"github.com/bardlex/gompcore/internal/vardiff"
	"github.com/bardlex/gompcore/pkg/log"
)

// versionRollingMask is the BIP 320 general purpose version bits.
const versionRollingMask = 0x1fffe000

func main() {
	cfg, err := config.LoadWithArgs(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("stratumd", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"network", cfg.BitcoinNetwork,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("stratumd stopped with error")
		os.Exit(1)
	}
	logger.Info("stratumd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	params, err := bitcoin.NetworkParams(cfg.BitcoinNetwork)
	if err != nil {
		return err
	}

	limits := validation.DefaultLimits()
	chain, err := bitcoin.NewChain(bitcoin.ChainConfig{
		Params:        params,
		PayoutAddress: cfg.PoolAddress,
		CoinbaseTag:   cfg.PoolTag,
		Limits:        limits,
	})
	if err != nil {
		return fmt.Errorf("failed to set up chain: %w", err)
	}

	firmware, err := loadFirmware(cfg.FirmwareConfig)
	if err != nil {
		return err
	}

	rpc, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword, logger)
	if err != nil {
		return err
	}
	defer rpc.Close()
	if err := rpc.Ping(ctx); err != nil {
		logger.WithError(err).Warn("bitcoind not reachable yet, template polling will keep retrying")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg, cfg.BitcoinNetwork)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka client")
		}
	}()

	// Redis is optional for stratumd: without it invalid shares are only
	// counted in Prometheus and no job snapshot is kept.
	var store *redis.Client
	if cfg.RedisURL != "" {
		store, err = redis.NewClient(ctx, redis.DefaultConfig(cfg.RedisURL))
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, continuing without it")
		} else {
			defer func() { _ = store.Close() }()
		}
	}

	registry := engine.NewRegistry()
	coordinator := engine.NewCoordinator(engine.CoordinatorConfig{
		JobIDPrefix:     cfg.JobIDPrefix,
		InitialInterval: cfg.InitialJobInterval,
	}, registry, chain, bitcoin.NewRPCFetcher(rpc, chain), logger, metrics)

	if !cfg.PushConfigured() {
		coordinator.AddSource(source.NewPollSource(cfg.JobPollInterval))
	}
	if cfg.BitcoinZMQAddr != "" {
		coordinator.AddSource(bitcoin.NewZMQSource(cfg.BitcoinZMQAddr, cfg.SourceReconnectDelay, logger))
	}
	if cfg.TemplateWSURL != "" {
		coordinator.AddSource(source.NewWebSocketSource(source.WebSocketConfig{
			URL:            cfg.TemplateWSURL,
			ReconnectDelay: cfg.SourceReconnectDelay,
		}, logger))
	}

	broadcaster := engine.NewBroadcaster(chain, cfg.MaxActiveJobs, cfg.BroadcastConcurrency, logger, metrics)
	sink := messaging.NewShareSink(kafkaClient, messaging.Encoding(cfg.ShareEncoding), logger)
	pipeline := engine.NewPipeline(chain, bitcoin.NewSubmitter(rpc, logger), sink, coordinator, logger, metrics)

	vd := vardiff.New(vardiff.Config{
		MinDifficulty: cfg.MinDifficulty,
		MaxDifficulty: cfg.MaxDifficulty,
		TargetTime:    cfg.VardiffTarget,
		RetargetTime:  cfg.VardiffRetarget,
		Variance:      vardiff.DefaultConfig().Variance,
		MaxStep:       vardiff.DefaultConfig().MaxStep,
	})

	var invalid stratum.InvalidShareRecorder
	var snapshots jobStore
	if store != nil {
		invalid = store
		snapshots = store
	}

	handler := stratum.NewHandler(stratum.HandlerConfig{
		Params:          params,
		Extranonce2Size: limits.Extranonce2Size,
		VersionMask:     versionRollingMask,
	}, pipeline, broadcaster, vd, firmware, invalid, logger)

	server := stratum.NewServer(stratum.ServerConfig{
		ListenAddr:     net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort)),
		MaxConnections: cfg.MaxConnections,
		Session: stratum.SessionConfig{
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
			OutboundQueue:  stratum.DefaultSessionConfig().OutboundQueue,
		},
		StartDifficulty: vd.Clamp(cfg.StartDifficulty),
		MaxActiveJobs:   cfg.MaxActiveJobs,
		VarDiff:         true,
	}, handler, logger)

	stats := bitcoin.NewNetworkStats(rpc, cfg.NetworkStatsInterval, metrics, logger)
	metricsServer := newMetricsServer(cfg.MetricsAddr, reg)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error {
		return broadcaster.Run(ctx, snapshotJobs(ctx, coordinator.Jobs(), snapshots, logger))
	})
	g.Go(func() error { return stats.Run(ctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// Miners are only accepted once there is work to hand out.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-coordinator.FirstJob():
		}
		logger.Info("first job ready, accepting miners")
		return server.ListenAndServe(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadFirmware reads the firmware quirks table. An empty path yields no
// table.
func loadFirmware(path string) (*engine.FirmwareTable, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware config: %w", err)
	}
	table, err := engine.ParseFirmwareTable(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse firmware config %s: %w", path, err)
	}
	return table, nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}
