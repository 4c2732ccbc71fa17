package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ALEYI17/gpusched/internal/config"
	"github.com/ALEYI17/gpusched/internal/device"
	"github.com/ALEYI17/gpusched/internal/hardware"
	"github.com/ALEYI17/gpusched/internal/metrics"
	"github.com/ALEYI17/gpusched/internal/report"
	"github.com/ALEYI17/gpusched/internal/workload"
	"github.com/ALEYI17/gpusched/pkg/logutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logutil.InitLogger()

	logger := logutil.GetLogger()
	defer logger.Sync()

	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	backend, err := hardware.NewBackend(cfg.Backend, hardware.SimConfig{
		BaseLatency:    cfg.Sim.BaseLatency,
		BytesPerSecond: cfg.Sim.BytesPerSecond,
		HangEvery:      cfg.Sim.HangEvery,
		OverflowEvery:  cfg.Sim.OverflowEvery,
		ResetLatency:   cfg.Sim.ResetLatency,
		MemoryLimit:    cfg.Sim.MemoryLimit,
	}, logger)
	if err != nil {
		logger.Fatal("Error creating hardware backend", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	logger.Info("Hardware backend created", zap.String("backend", cfg.Backend))

	m := metrics.New()
	dev := device.New(backend, backend, backend, device.Options{
		Version:       cfg.Version,
		JobTimeout:    cfg.JobTimeout,
		StatsWindow:   cfg.StatsWindow,
		PurgeInterval: cfg.PurgeInterval,
		OverflowSize:  cfg.OverflowSize,
		Metrics:       m,
		Logger:        logger,
	})
	backend.Attach(dev)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m,
		metrics.NewUsageCollector(dev),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dev.Run(ctx)
	})
	g.Go(func() error {
		return report.New(dev, cfg.ReportInterval, logger.Named("report")).Run(ctx)
	})
	g.Go(func() error {
		return workload.New(dev, backend, cfg.Workload, logger.Named("workload")).Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Error running device", zap.Error(err))
	}
	if err := backend.Close(); err != nil {
		logger.Warn("Hardware backend closed with errors", zap.Error(err))
	}
	logger.Info("Device finished running")
}
