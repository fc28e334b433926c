package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"

	"github.com/wolfman30/kargo-relay/internal/api/router"
	"github.com/wolfman30/kargo-relay/internal/app/bootstrap"
	"github.com/wolfman30/kargo-relay/internal/app/runner"
	"github.com/wolfman30/kargo-relay/internal/config"
	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/internal/observability/metrics"
	messagingworker "github.com/wolfman30/kargo-relay/internal/worker/messaging"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Poll for pending records and send them (default)",
	Action: func(c *cli.Context) error {
		return run(c.Context)
	},
}

var linkCmd = &cli.Command{
	Name:    "link",
	Aliases: []string{"qr"},
	Usage:   "Link this device by scanning the QR code, then exit",
	Action: func(c *cli.Context) error {
		return link(c.Context)
	},
}

func runnerOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		PollInterval:  cfg.PollInterval,
		LinkAttempts:  cfg.LinkAttempts,
		LinkInterval:  cfg.LinkInterval,
		ReadyAttempts: cfg.ReadyAttempts,
		ReadyInterval: cfg.ReadyInterval,
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(false); err != nil {
		return err
	}
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With("service", "kargo-relay", "env", cfg.Env)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	relayMetrics := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)

	session, err := bootstrap.BuildSession(ctx, cfg, logger, false)
	if err != nil {
		return err
	}

	store := messaging.NewStore(pool).WithBranch(cfg.BranchCode)
	relay := messagingworker.NewRelay(store, bootstrap.BuildDispatcher(cfg, session, logger), logger).
		WithMetrics(relayMetrics).
		WithOTPTemplate(cfg.OTPTemplate).
		WithCountryCode(cfg.CountryCode)
	if ledger := bootstrap.BuildLedger(redisClient, cfg, logger); ledger != nil {
		relay.WithLedger(ledger)
	}

	r := runner.New(session, relay, runnerOptions(cfg), logger).WithMetrics(relayMetrics)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: router.New(&router.Config{
				Logger:         logger,
				MetricsHandler: promhttp.Handler(),
				Status: func() router.Status {
					state, ready, last := r.Snapshot()
					return router.Status{State: string(state), SessionReady: ready, LastCycle: last}
				},
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("relay starting",
		"driver", cfg.Driver,
		"session_dir", cfg.SessionDir,
		"poll_interval", cfg.PollInterval.String(),
		"branch", cfg.BranchCode,
		"sms_fallback", cfg.TwilioConfigured(),
	)
	return r.Run(ctx)
}

func link(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(true); err != nil {
		return err
	}
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: "text"})

	session, err := bootstrap.BuildSession(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	if err := runner.New(session, nil, runnerOptions(cfg), logger).Link(ctx); err != nil {
		return err
	}
	fmt.Printf("Device linked; session saved in %s. Start the relay without --link.\n", cfg.SessionDir)
	return nil
}
