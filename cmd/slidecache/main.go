package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"slidecache/internal/cache"
	"slidecache/internal/config"
	"slidecache/internal/errorreporting"
	"slidecache/internal/logger"
	"slidecache/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	dumpMetrics := flag.Bool("metrics", true, "print Prometheus metrics on exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found (falling back to system env)")
	}

	if err := run(*configPath, *dumpMetrics); err != nil {
		log.Fatalf("slidecache: %v", err)
	}
}

func run(configPath string, dumpMetrics bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	lg := logger.WithComponent("main")

	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	}); err != nil {
		lg.Warn("error reporting disabled", "err", err)
	}
	defer errorreporting.Flush(2 * time.Second)

	shutdownTracing, err := tracing.Init(tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: "slidecache",
		Version:     os.Getenv("SERVICE_VERSION"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("tracing shutdown", "err", err)
		}
	}()

	// Signal-aware context is the root of ownership for long-lived background work.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cache.New[any](cache.Config{
		Name:            cfg.Cache.Name,
		Shards:          cfg.Cache.Shards,
		MaxEntries:      cfg.Cache.MaxEntries,
		SweepInterval:   cfg.Cache.SweepInterval,
		CallbackWorkers: cfg.Cache.CallbackWorkers,
		Reporter:        errorreporting.NewReporter(cfg.Sentry.ReportRate, cfg.Sentry.ReportBurst),
	})
	defer func() {
		// Close is idempotent; safe to call in defer.
		if err := c.Close(); err != nil {
			lg.Warn("cache close", "err", err)
		}
	}()

	lg.Info("slidecache demo starting",
		"cache", cfg.Cache.Name,
		"shards", cfg.Cache.Shards,
		"sweep_interval", cfg.Cache.SweepInterval,
		"max_entries", cfg.Cache.MaxEntries)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				if err := c.SetSweepInterval(next.Cache.SweepInterval); err != nil {
					lg.Warn("sweep interval not applied", "interval", next.Cache.SweepInterval, "err", err)
				}
			})
			if err != nil {
				lg.Error("config watch stopped", "err", err)
			}
		}()
	}

	d := &demo{cache: c, log: lg}
	if err := d.run(ctx); err != nil {
		return err
	}

	if dumpMetrics {
		// Drain callbacks first so their metrics are included.
		_ = c.Close()
		if err := writeMetrics(os.Stdout); err != nil {
			return err
		}
	}

	fmt.Println("Done.")
	return nil
}

// writeMetrics prints the default registry in the text exposition format.
func writeMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
