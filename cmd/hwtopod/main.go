// hwtopod discovers the hardware topology of the machine it runs on and
// serves it over HTTP.
//
// Discovery sources, the feature tier, the snapshot store and logging come
// from the config file (see package config). With --export the daemon
// discovers once, writes the topology to stdout and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"hwtopo/internal/config"
	"hwtopo/internal/discovery"
	"hwtopo/internal/handler"
	"hwtopo/internal/hub"
	"hwtopo/internal/repository/sqlite"
	"hwtopo/internal/service"
	"hwtopo/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configPath  string
	listen      string
	logLevel    string
	export      string
	printConfig bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("hwtopod", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: search "+config.EnvConfigPath+" and standard locations)")
	flags.StringVar(&opts.listen, "listen", "", "HTTP listen address, overrides http.listen")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides log.level")
	flags.StringVar(&opts.export, "export", "", "discover once, print the topology in this format (json, yaml, cbor, text) and exit")
	flags.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration summary and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if opts.printConfig {
		if path != "" {
			fmt.Printf("Config: %s\n", path)
		}
		fmt.Println(cfg.Summary())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.export != "" {
		return exportOnce(ctx, cfg, logger, opts.export)
	}
	if path != "" {
		logger.Info("loaded config", "path", path)
	}
	return serve(ctx, cfg, logger)
}

func loadConfig(opts options) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if opts.configPath != "" {
		cfg, path, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, path, err
	}

	if opts.listen != "" {
		cfg.HTTP.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, path, err
		}
	}
	return cfg, path, nil
}

// buildRegistry registers every configured source. The file source is
// returned separately so it can be watched.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*discovery.Registry, *discovery.FileSource, error) {
	registry := discovery.NewRegistry(logger)

	var file *discovery.FileSource
	if f := cfg.Source.File; f != nil {
		file = discovery.NewFileSource("file", f.Path, f.Format)
		if err := registry.Register(file, discovery.SourceConfig{Enabled: true, Priority: f.Priority}); err != nil {
			return nil, nil, err
		}
	}
	if s := cfg.Source.Sysfs; s != nil {
		src := discovery.NewSysfsSource("sysfs", s.Root)
		if s.DetectEnvironment {
			src = src.WithEnvironment(discovery.EnvironmentProbe{})
		}
		if s.Cgroups {
			src = src.WithCgroupLimits()
		}
		if err := registry.Register(src, discovery.SourceConfig{Enabled: true, Priority: s.Priority}); err != nil {
			return nil, nil, err
		}
	}
	if s := cfg.Source.Synthetic; s != nil {
		src, err := discovery.NewSyntheticSource("synthetic", s.Description)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(src, discovery.SourceConfig{Enabled: true, Priority: s.Priority}); err != nil {
			return nil, nil, err
		}
	}
	return registry, file, nil
}

func exportOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, format string) error {
	features, err := cfg.Features.Resolve()
	if err != nil {
		return err
	}
	registry, _, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	res, err := registry.Discover(ctx)
	if err != nil {
		return err
	}

	svc := service.NewTopologyService(nil, service.WithFeatures(features), service.WithLogger(logger))
	defer svc.Close()
	if _, err := svc.Load(ctx, res.Source, res.Facts); err != nil {
		return err
	}
	return svc.Export(format, os.Stdout)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting hwtopod")
	for _, line := range strings.Split(cfg.Summary(), "\n") {
		logger.Info(line)
	}

	features, err := cfg.Features.Resolve()
	if err != nil {
		return err
	}
	registry, fileSource, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	bus := service.NewEventBus()
	svcOpts := []service.Option{service.WithFeatures(features), service.WithLogger(logger)}

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		svcOpts = append(svcOpts, service.WithMetrics(service.NewMetrics(reg)))
	}

	if cfg.Snapshots.Enabled {
		store, err := sqlite.New(cfg.Snapshots.Path)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()
		svcOpts = append(svcOpts, service.WithSnapshots(store, cfg.Snapshots.Retain))
	}

	svc := service.NewTopologyService(bus, svcOpts...)
	defer svc.Close()

	if cfg.Snapshots.Enabled {
		// serve the last known topology until discovery reports
		if res, err := svc.RestoreLatest(ctx); err == nil {
			logger.Info("restored last snapshot", "source", res.Source, "objects", res.Objects)
		} else {
			logger.Debug("no snapshot restored", "error", err)
		}
	}

	interval := cfg.DiscoveryInterval()
	if interval <= 0 {
		res, err := registry.Discover(ctx)
		if err == nil {
			err = svc.Apply(ctx, res)
		}
		if err != nil {
			logger.Error("initial discovery failed", "error", err)
			if _, statusErr := svc.Status(); statusErr != nil {
				return err
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if interval > 0 {
		g.Go(func() error {
			return ignoreCanceled(registry.Run(ctx, interval, svc.Apply))
		})
	}

	if fileSource != nil && cfg.Source.File.Watch {
		w := watcher.New(fileSource.Path(), func(ctx context.Context) error {
			res, err := registry.DiscoverFrom(ctx, fileSource.Name())
			if err != nil {
				return err
			}
			return svc.Apply(ctx, res)
		}).WithLogger(logger)
		g.Go(func() error { return ignoreCanceled(w.Watch(ctx)) })
	}

	if cfg.HTTP.Listen != "" {
		events := hub.New(logger)
		g.Go(func() error {
			events.Run(ctx)
			return nil
		})
		g.Go(func() error {
			forwardEvents(ctx, bus, events)
			return nil
		})

		api := handler.NewTopologyHandler(svc, logger)
		api.SetDiscoverer(registry)

		mux := http.NewServeMux()
		api.Register(mux)
		mux.Handle("GET /events", events)
		if cfg.Metrics.Enabled {
			mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		}

		server := &http.Server{
			Addr:        cfg.HTTP.Listen,
			Handler:     handler.Chain(mux, handler.Logger(logger), handler.Recover(logger)),
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("server listening", "addr", cfg.HTTP.Listen)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("hwtopod stopped")
	return err
}

// forwardEvents copies service events to the SSE hub until ctx is done
func forwardEvents(ctx context.Context, bus *service.EventBus, events *hub.Hub) {
	ch := make(chan service.Event, 100)
	unsubscribe := bus.Subscribe(ch)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			events.Broadcast(e)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
