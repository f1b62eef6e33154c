// poolbench drives load through a connpool pool of network connections.
//
// Each worker checks a connection out of the pool, sends a line and waits for
// the echo, then returns the connection. When the run ends the pool
// statistics are printed.
//
// Usage:
//
//	poolbench [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.connpool/poolbench.toml")
//	-addr string
//	    Backend address (overrides config)
//	-echo
//	    Start a local echo server and use it as the backend
//	-workers int
//	    Number of concurrent workers (overrides config)
//	-duration duration
//	    Length of the run (overrides config)
//	-rate float
//	    Round trips per second across all workers, 0 for unlimited (overrides config)
//	-metrics string
//	    Serve Prometheus metrics on this address
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
//
// Library debug output is controlled by the DEBUG_I2P environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-i2p/connpool/lib/config"
	apperrors "github.com/go-i2p/connpool/lib/errors"
	"github.com/go-i2p/connpool/lib/metrics"
	"github.com/go-i2p/connpool/lib/netconn"
	"github.com/go-i2p/connpool/lib/pool"
	"github.com/go-i2p/connpool/lib/resilience"
	"github.com/go-i2p/connpool/lib/testutil"
	"github.com/go-i2p/connpool/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".connpool", "poolbench.toml")

	fs := flag.NewFlagSet("poolbench", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	addr := fs.String("addr", "", "Backend address (overrides config)")
	echo := fs.Bool("echo", false, "Start a local echo server and use it as the backend")
	workers := fs.Int("workers", 0, "Number of concurrent workers (overrides config)")
	duration := fs.Duration("duration", 0, "Length of the run (overrides config)")
	rateLimit := fs.Float64("rate", -1, "Round trips per second, 0 for unlimited (overrides config)")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "poolbench - connection pool load generator\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  poolbench [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return apperrors.CodeUsage
	}

	if *showVersion {
		fmt.Println(version.Banner("poolbench"))
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Defaults, then config file, then command line
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return exitCode(err)
	}
	if *addr != "" {
		cfg.Target.Address = *addr
	}
	if *workers > 0 {
		cfg.Bench.Workers = *workers
	}
	if *duration > 0 {
		cfg.Bench.Duration = config.Duration(*duration)
	}
	if *rateLimit >= 0 {
		cfg.Bench.Rate = *rateLimit
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsAddr
	}

	if *echo {
		server, err := testutil.NewEchoServer()
		if err != nil {
			logger.Error("failed to start echo server", "error", err)
			return 1
		}
		defer server.Close()
		cfg.Target.Network = "tcp"
		cfg.Target.Address = server.Addr()
		logger.Info("echo server started", "addr", server.Addr())
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitCode(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Bench.Duration.Std())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := metrics.NewRegistry()
	handler := pool.NewMetricsHandler(reg, cfg.Metrics.Prefix)

	p, err := pool.NewBuilder[*netconn.Conn]().
		Config(cfg.Pool.ToPool()).
		EventHandler(handler).
		Build(newManager(cfg.Target, reg, cfg.Metrics.Prefix))
	if err != nil {
		logger.Error("failed to build pool", "target", cfg.Target.Address, "error", err)
		return exitCode(err)
	}
	defer p.Close()

	if cfg.Metrics.Enabled {
		srv, err := serveMetrics(cfg.Metrics.Listen, reg, p, handler)
		if err != nil {
			logger.Error("failed to start metrics server", "listen", cfg.Metrics.Listen, "error", err)
			return 1
		}
		defer srv.Close()
		logger.Info("metrics server started", "listen", cfg.Metrics.Listen)
	}

	logger.Info("poolbench started",
		"target", cfg.Target.Address,
		"workers", cfg.Bench.Workers,
		"duration", cfg.Bench.Duration,
		"version", version.Version)

	res := runBench(ctx, p, cfg.Bench, logger)
	handler.Update(p.Stats())
	printReport(os.Stdout, res, p.Stats())

	if res.RoundTrips == 0 && res.Errors > 0 {
		return exitCode(res.LastErr)
	}
	return 0
}

func newManager(t config.TargetConfig, reg *metrics.Registry, prefix string) *netconn.Manager {
	m := netconn.NewManager(t.Address)
	m.Network = t.Network
	m.DialTimeout = t.DialTimeout.Std()
	m.KeepAlive = t.KeepAlive.Std()

	if b := t.NewBreaker(); b != nil {
		state := reg.NewGauge(prefix+"_dial_breaker_state",
			"Dial circuit breaker state (0=closed, 1=open, 2=half-open)")
		trips := reg.NewCounter(prefix+"_dial_breaker_trips_total",
			"Total number of times the dial circuit breaker opened")
		b.OnStateChange(func(_, to resilience.BreakerState) {
			state.Set(int64(to))
			if to == resilience.BreakerOpen {
				trips.Inc()
			}
		})
		m.Breaker = b
	}
	return m
}

// serveMetrics exposes reg over HTTP, refreshing the pool gauges on each scrape.
func serveMetrics(addr string, reg *metrics.Registry, p *pool.Pool[*netconn.Conn], h *pool.MetricsHandler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	exposition := reg.Handler()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Update(p.Stats())
		exposition.ServeHTTP(w, r)
	}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	return srv, nil
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return apperrors.FromSentinel(err).Code
}
