package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/gregtusar/papertrade/api"
	"github.com/gregtusar/papertrade/internal/config"
	"github.com/gregtusar/papertrade/pkg/binance"
	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/notify"
	"github.com/gregtusar/papertrade/pkg/pricefeed"
	"github.com/gregtusar/papertrade/pkg/scheduler"
	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/gregtusar/papertrade/pkg/trader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling, logger)
		if err != nil {
			return err
		}
		defer profiler.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	symbols := models.NewSymbolSet(cfg.Trading.Symbols)

	g, gctx := errgroup.WithContext(ctx)

	var source pricefeed.Source
	if cfg.Binance.UseStream {
		stream := binance.NewStream(cfg.Binance.StreamURL, symbols.List(), logger)
		stream.OnTick(func(t models.Ticker) { m.ObserveTick(t.Symbol, t.Timestamp) })
		logger.WithField("url", stream.URL()).Info("Using Binance price stream")
		g.Go(func() error { return stream.Run(gctx) })
		source = pricefeed.NewStreamSource(stream, cfg.Binance.StreamMaxAge)
	} else {
		source = binance.NewClient(binance.ClientOptions{
			BaseURL:           cfg.Binance.BaseURL,
			Timeout:           cfg.Binance.RequestTimeout,
			RequestsPerSecond: cfg.Binance.RequestsPerSecond,
			Burst:             cfg.Binance.Burst,
		}, logger)
	}
	cache := pricefeed.NewCache(source, symbols, pricefeed.Options{
		FetchTimeout: cfg.Binance.RequestTimeout,
		Concurrency:  cfg.Trading.FetchConcurrency,
	}, logger, m)

	hub := notify.NewHub(logger)
	sinks := notify.Multi{notify.NewLogNotifier(logger), hub}
	if cfg.Notify.DiscordWebhook != "" {
		sinks = append(sinks, notify.NewDiscordNotifier(cfg.Notify.DiscordWebhook, cfg.Notify.Timeout))
	}
	dispatcher := notify.NewDispatcher(sinks, cfg.Notify.QueueSize, cfg.Notify.Timeout, logger, m)

	engine := trader.NewEngine(st, cache, symbols, dispatcher, trader.Config{
		MaxLeverage:   cfg.Trading.MaxLeverage,
		StoreTimeout:  cfg.Trading.StoreTimeout,
		CreditRetries: cfg.Trading.CreditRetries,
		CreditBackoff: cfg.Trading.CreditBackoff,
	}, logger, m)

	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}
	server := api.NewServer(trader.NewService(engine), hub, auth, metricsHandler, logger, cfg.Server.Addr())

	runner := scheduler.NewRunner(logger,
		cache.Task(cfg.Trading.RefreshInterval),
		engine.MonitorTask(cfg.Trading.MonitorInterval),
	)
	if err := runner.Start(gctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		return shutdown(cfg, runner, server, dispatcher, logger)
	})

	logger.WithFields(logrus.Fields{
		"symbols": symbols.List(),
		"store":   cfg.Database.Driver,
		"stream":  cfg.Binance.UseStream,
	}).Info("Paper trading service is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Paper trading service stopped")
	return nil
}

// shutdown lets the in-flight scheduler cycles finish before the API stops
// accepting requests, then drains queued notifications.
func shutdown(cfg *config.Config, runner *scheduler.Runner, server *api.Server, dispatcher *notify.Dispatcher, logger *logrus.Logger) error {
	runner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	if err := dispatcher.Close(ctx); err != nil {
		logger.WithError(err).Warn("Notifications were not fully drained")
	}
	return nil
}

func startProfiler(cfg config.ProfilingConfig, logger *logrus.Logger) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          logger,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pyroscope start failed: %w", err)
	}
	return profiler, nil
}
