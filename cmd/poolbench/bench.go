package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-i2p/connpool/lib/config"
	"github.com/go-i2p/connpool/lib/netconn"
	"github.com/go-i2p/connpool/lib/pool"
)

// roundTripsKey counts round trips on a connection across checkouts.
type roundTripsKey struct{}

var errEchoMismatch = errors.New("echo response does not match request")

// benchResult summarizes a run.
type benchResult struct {
	RoundTrips uint64
	Errors     uint64
	Elapsed    time.Duration
	// Latency is the sum of all successful round-trip latencies.
	Latency time.Duration
	LastErr error
}

// Throughput returns round trips per second.
func (r benchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.RoundTrips) / r.Elapsed.Seconds()
}

// MeanLatency returns the average successful round-trip latency.
func (r benchResult) MeanLatency() time.Duration {
	if r.RoundTrips == 0 {
		return 0
	}
	return r.Latency / time.Duration(r.RoundTrips)
}

func newLimiter(cfg config.BenchConfig) *rate.Limiter {
	if cfg.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Rate), burst)
}

// runBench runs cfg.Workers workers until ctx is done.
func runBench(ctx context.Context, p *pool.Pool[*netconn.Conn], cfg config.BenchConfig, logger *slog.Logger) benchResult {
	limiter := newLimiter(cfg)
	payload := []byte(cfg.Payload)

	var (
		roundTrips atomic.Uint64
		failures   atomic.Uint64
		latency    atomic.Int64
		lastErrMu  sync.Mutex
		lastErr    error
		wg         sync.WaitGroup
	)

	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				began := time.Now()
				err := p.With(ctx, func(pc *pool.PooledConn[*netconn.Conn]) error {
					return echoOnce(ctx, pc, payload)
				})
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					failures.Add(1)
					lastErrMu.Lock()
					lastErr = err
					lastErrMu.Unlock()
					logger.Debug("round trip failed", "worker", worker, "error", err)
					continue
				}
				roundTrips.Add(1)
				latency.Add(int64(time.Since(began)))
			}
		}(i)
	}
	wg.Wait()

	return benchResult{
		RoundTrips: roundTrips.Load(),
		Errors:     failures.Load(),
		Elapsed:    time.Since(start),
		Latency:    time.Duration(latency.Load()),
		LastErr:    lastErr,
	}
}

// echoOnce sends payload and checks the echo. A connection that returns the
// wrong bytes is out of sync and is discarded.
func echoOnce(ctx context.Context, pc *pool.PooledConn[*netconn.Conn], payload []byte) error {
	reply, err := pc.Conn().RoundTrip(ctx, payload)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply, payload) {
		pc.Discard()
		return fmt.Errorf("connection %d: %w", pc.ID(), errEchoMismatch)
	}

	ext := pc.Extensions()
	n, _ := pool.ExtensionValue[uint64](ext, roundTripsKey{})
	ext.Set(roundTripsKey{}, n+1)
	return nil
}

func printReport(w io.Writer, res benchResult, stats pool.Stats) {
	fmt.Fprintf(w, "Elapsed:        %s\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Round trips:    %d\n", res.RoundTrips)
	fmt.Fprintf(w, "Errors:         %d\n", res.Errors)
	fmt.Fprintf(w, "Throughput:     %.1f/s\n", res.Throughput())
	fmt.Fprintf(w, "Mean latency:   %s\n", res.MeanLatency())
	if res.LastErr != nil {
		fmt.Fprintf(w, "Last error:     %v\n", res.LastErr)
	}
	fmt.Fprintf(w, "\nPool:\n")
	fmt.Fprintf(w, "  Max size:     %d\n", stats.MaxSize)
	fmt.Fprintf(w, "  Open:         %d\n", stats.NumOpen)
	fmt.Fprintf(w, "  Idle:         %d\n", stats.NumIdle)
	fmt.Fprintf(w, "  Checkouts:    %d/%d\n", stats.AcquireSuccess, stats.AcquireCount)
	fmt.Fprintf(w, "  Failed:       %d\n", stats.AcquireFailed)
	fmt.Fprintf(w, "  Timeouts:     %d\n", stats.Timeouts)
	fmt.Fprintf(w, "  Released:     %d\n", stats.ReleaseCount)
}
