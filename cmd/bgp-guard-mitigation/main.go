// bgp-guard-mitigation runs the mitigation action configured for the prefix
// of each hijack an operator asks to mitigate.
//
// Usage:
//
//	bgp-guard-mitigation --redis=redis://localhost:6379/0
//
// Settings are shared with bgp-guard-database; see its documentation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/cache"
	"github.com/hervehildenbrand/bgp-guard/pkg/config"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/mitigation"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const service = "mitigation"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load(config.NewFlagSet("bgp-guard-mitigation"), os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log := config.NewLogger(settings.Verbose)
	log.Info("bgp-guard-mitigation starting",
		"version", version,
		"commit", commit,
		"backend", settings.Backend,
		"instance", settings.InstanceID,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	clock := clockwork.NewRealClock()
	m := metrics.New(prometheus.DefaultRegisterer)
	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	b, closeBus, err := openBus(ctx, settings, clock, log)
	if err != nil {
		return err
	}
	defer closeBus()

	dispatcher := mitigation.New(mitigation.Options{
		Bus:     b,
		Runner:  mitigation.ScriptRunner{Log: log},
		Clock:   clock,
		Metrics: m,
		Log:     log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })

	if settings.MetricsAddr != "" {
		g.Go(func() error {
			listener, err := net.Listen("tcp", settings.MetricsAddr)
			if err != nil {
				return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server: error causing shutdown", "error", err)
		return err
	}
	log.Info("server: shutting down")
	return nil
}

func openBus(ctx context.Context, settings config.Settings, clock clockwork.Clock, log *slog.Logger) (bus.Bus, func(), error) {
	if settings.Backend == config.BackendMemory {
		log.Warn("memory backend: the bus is local to this process")
		return bus.NewMemoryBroker().Bus(service, settings.InstanceID), func() {}, nil
	}
	client, err := cache.Dial(ctx, settings.RedisURL, clock, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b := bus.NewRedis(client, bus.RedisOptions{
		Service:  service,
		Instance: settings.InstanceID,
		Prefix:   settings.StreamPrefix,
		Log:      log,
	})
	return b, func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn("failed to remove broadcast groups", "error", err)
		}
		if err := client.Close(); err != nil {
			log.Error("failed to close redis client", "error", err)
		}
	}, nil
}
