package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/insights-go/internal/channel"
	"github.com/szibis/insights-go/internal/config"
	"github.com/szibis/insights-go/internal/contracts"
	"github.com/szibis/insights-go/internal/health"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/sampling"
	"github.com/szibis/insights-go/internal/selfmon"
	"github.com/szibis/insights-go/internal/stats"
	"github.com/szibis/insights-go/internal/telemetry"
	"github.com/szibis/insights-go/internal/transmitter"
)

const (
	serviceName      = "insights-track"
	statsLogInterval = time.Minute
	serverShutdown   = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	cfg, err := config.Load(args, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	switch {
	case cfg.ShowHelp:
		config.PrintUsage(stdout)
		return 0
	case cfg.ShowVersion:
		config.PrintVersion(stdout)
		return 0
	case cfg.ValidateOnly:
		return validate(cfg, stdout)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    serviceName,
		"service.version": config.Version(),
	})

	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
	} else {
		logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon, err := selfmon.Init(ctx, cfg.SelfMonConfig(), serviceName, config.Version())
	if err != nil {
		logging.Warn("self-monitoring disabled", logging.F("error", err.Error()))
	}
	if mon != nil {
		logging.SetHook(mon.NewLogHook())
		defer func() {
			logging.SetHook(nil)
			sctx, cancel := context.WithTimeout(context.Background(), mon.ShutdownTimeout())
			defer cancel()
			if err := mon.Shutdown(sctx); err != nil {
				fmt.Fprintln(os.Stderr, "self-monitoring shutdown:", err)
			}
		}()
	}

	sampler, err := newSampler(cfg.SamplingFile)
	if err != nil {
		logging.Error("failed to load sampling config", logging.F("error", err.Error()))
		return 1
	}

	tx, err := transmitter.New(cfg.TransmitterConfig())
	if err != nil {
		logging.Error("failed to create transmitter", logging.F("error", err.Error()))
		return 1
	}
	defer tx.Close()

	ch, err := channel.New(cfg.ChannelConfig(), tx)
	if err != nil {
		logging.Error("failed to create channel", logging.F("error", err.Error()))
		return 1
	}

	names := stats.NewNameTracker(cfg.ExpectedNames)
	opts := []telemetry.ClientOption{telemetry.WithNameTracker(names)}
	if sampler != nil {
		opts = append(opts, telemetry.WithSampler(sampler))
	}
	client := telemetry.NewClient(cfg.InstrumentationKey, ch, opts...)
	client.Context().SetTag(contracts.TagCloudRole, cfg.CloudRole)
	roleInstance := cfg.CloudRoleInstance
	if roleInstance == "" {
		roleInstance, _ = os.Hostname()
	}
	client.Context().SetTag(contracts.TagCloudRoleInstance, roleInstance)

	checker := health.New()
	checker.AddReadiness("channel", ch.Ready)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checker.Routes(mux)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ListenAddr != "" {
		g.Go(func() error {
			logging.Info("http server started", logging.F("addr", cfg.ListenAddr, "paths", "/metrics,/live,/ready"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logStats(gctx, ch, names)
		return nil
	})

	// The reader is not part of the group: a read from stdin cannot be
	// interrupted, so shutdown does not wait for it.
	go func() {
		if err := forward(gctx, stdin, client, cfg.InputFormat); err != nil {
			logging.Error("input error", logging.F("error", err.Error()))
		}
		stop()
	}()

	logging.Info("insights-track started", logging.F(
		"endpoint", cfg.Endpoint,
		"input_format", cfg.InputFormat,
		"capacity", cfg.Capacity,
		"flush_interval", cfg.FlushInterval.String(),
		"spool", cfg.SpoolPath != "",
		"selfmon", mon.Enabled(),
	))

	<-gctx.Done()
	logging.Info("shutting down", logging.F("drain_timeout", cfg.DrainTimeout.String()))
	checker.Draining()

	res := client.Close(cfg.DrainTimeout)
	logging.Info("channel drained", logging.F(
		"delivered", res.Delivered,
		"dropped", res.Dropped,
		"abandoned", res.Abandoned,
		"spooled", res.Spooled,
		"timed_out", res.TimedOut,
	))

	sctx, cancel := context.WithTimeout(context.Background(), serverShutdown)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logging.Warn("http server shutdown", logging.F("error", err.Error()))
	}

	code := 0
	if err := g.Wait(); err != nil {
		logging.Error("shutdown with error", logging.F("error", err.Error()))
		code = 1
	}
	if res.Abandoned > 0 {
		code = 1
	}
	logging.Info("shutdown complete")
	return code
}

func validate(cfg *config.Config, stdout io.Writer) int {
	if cfg.ConfigFile != "" {
		res := config.ValidateFile(cfg.ConfigFile)
		fmt.Fprintln(stdout, res.JSON())
		if !res.Valid {
			return 1
		}
		return 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stdout, err)
		return 1
	}
	fmt.Fprintln(stdout, "configuration is valid")
	return 0
}

func newSampler(path string) (*sampling.Sampler, error) {
	if path == "" {
		return nil, nil
	}
	sc, err := sampling.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logging.Info("sampling enabled", logging.F("file", path, "rules", len(sc.Rules), "default_rate", sc.DefaultRate))
	return sampling.New(sc, nil)
}

// logStats periodically logs the channel counters until ctx is done.
func logStats(ctx context.Context, ch *channel.Channel, names *stats.NameTracker) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ch.Stats()
			logging.Info("channel stats", logging.F(
				"submitted", s.Submitted,
				"delivered", s.Delivered,
				"requeued", s.Requeued,
				"dropped", s.Dropped,
				"buffered", s.Buffered,
				"distinct_names", names.Estimate(),
			))
		}
	}
}
