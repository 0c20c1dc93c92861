package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lanlink/pkg/config"
	"lanlink/pkg/core/netstack"
	"lanlink/pkg/discovery"
	"lanlink/pkg/observability"
	"lanlink/pkg/remote"
	"lanlink/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("lanlink started", zap.String("app", cfg.AppName), zap.String("command", opts.Command))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		zap.L().Error("failed to register metrics", zap.Error(err))
		return 1
	}
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, reg)
		defer stopMetrics()
	}

	id := transport.NewInstanceID()
	tr, err := netstack.NewFromConfig(cfg.Transport, id)
	if err != nil {
		zap.L().Error("failed to create transport", zap.Error(err))
		return 1
	}

	switch opts.Command {
	case "browse":
		err = browse(ctx, cfg, tr.Kind(), opts.Wait, stdout)
	case "listen", "connect":
		err = session(ctx, cfg, opts, tr, metrics, stdin, stdout)
	default:
		err = fmt.Errorf("unknown command %q", opts.Command)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("command failed", zap.String("command", opts.Command), zap.Error(err))
		return 1
	}
	return 0
}

func session(ctx context.Context, cfg *config.Config, opts Options, tr transport.Transport, metrics *observability.Metrics, stdin io.Reader, stdout io.Writer) error {
	sess, err := remote.NewSession(tr, remote.Options{
		Service:                 cfg.Service,
		Name:                    cfg.Name,
		Format:                  cfg.Message.Format,
		MinimumIncompleteLength: cfg.Receive.MinimumIncompleteLength,
		MaximumLength:           cfg.Receive.MaximumLength,
		HonorReceiveBounds:      cfg.Receive.HonorBounds,
		Logger:                  zap.L(),
		Metrics:                 metrics,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	sub := sess.Changes(16)
	if opts.Command == "listen" {
		sess.Listen()
	} else {
		ep, err := resolve(ctx, cfg, opts, tr.Kind())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "connecting to %s\n", ep)
		sess.Connect(ep)
	}
	return chat(ctx, sess, sub, stdin, stdout)
}

// resolve picks the endpoint for connect: a direct address, or the first
// (or named) instance found by browsing within opts.Wait.
func resolve(ctx context.Context, cfg *config.Config, opts Options, kind transport.Kind) (transport.Endpoint, error) {
	if opts.Addr != "" || kind == transport.KindMem {
		addr := opts.Addr
		if addr == "" {
			addr = cfg.Service
		}
		return transport.Endpoint{Kind: kind, Service: cfg.Service, Instance: opts.Instance, Addr: addr}, nil
	}
	if opts.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Wait)
		defer cancel()
	}
	b := discovery.NewBrowser(browserConfig(cfg))
	for ep := range b.Browse(ctx, cfg.Service, kind) {
		if opts.Instance == "" || ep.Instance == opts.Instance {
			return ep, nil
		}
		zap.L().Debug("skipping instance", zap.String("instance", ep.Instance))
	}
	if opts.Instance != "" {
		return transport.Endpoint{}, fmt.Errorf("instance %q not found within %s", opts.Instance, opts.Wait)
	}
	return transport.Endpoint{}, fmt.Errorf("no %s peer found within %s", cfg.Service, opts.Wait)
}

func browse(ctx context.Context, cfg *config.Config, kind transport.Kind, wait time.Duration, out io.Writer) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	b := discovery.NewBrowser(browserConfig(cfg))
	fmt.Fprintf(out, "browsing for %s\n", transport.ServiceType(cfg.Service, kind))
	for ep := range b.Browse(ctx, cfg.Service, kind) {
		fmt.Fprintf(out, "%s\t%s\t%s\n", ep.Instance, ep.Addr, ep.Kind)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

func browserConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		Domain:     cfg.Transport.Domain,
		Interval:   cfg.Discovery.Interval(),
		Timeout:    cfg.Discovery.Timeout(),
		CacheTTL:   cfg.Discovery.CacheTTL(),
		CacheSize:  cfg.Discovery.CacheSize,
		Interface:  cfg.Transport.Interface,
		EnableIPv6: !cfg.Discovery.DisableIPv6,
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	zap.L().Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
