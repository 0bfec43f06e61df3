package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch",
	Short:        "Real-time ride dispatch server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logging.NewLogger(cfg.LogLevel))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.PGDSN == "" {
			return errors.New("PG_DSN is required")
		}
		if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsPath); err != nil {
			return err
		}
		logging.NewLogger(cfg.LogLevel).Info("migrations applied", "path", cfg.MigrationsPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_FILE)")
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type store interface {
	booking.Store
	storage.DriverStore
}

func serve(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		st     store
		checks = []httpapi.Option{httpapi.WithCORS(cfg.CORSOrigins...)}
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsPath); err != nil {
				return err
			}
			logger.Info("migrations applied", "path", cfg.MigrationsPath)
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		checks = append(checks, httpapi.WithReadyCheck("postgres", pg.Ping))
	} else {
		logger.Warn("PG_DSN not set, bookings are kept in memory")
		st = storage.NewMemoryStore()
	}

	registry := geo.NewRegistry()

	local := bus.New(cfg.Session.SendBuffer)
	var pub matcher.Publisher = local
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		relay := bus.NewRedisRelay(local, rdb, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("bus relay stopped", "error", err)
			}
		}()
		pub = relay
		checks = append(checks, httpapi.WithReadyCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	var bookingOpts []booking.Option
	matcherOpts := []matcher.Option{matcher.WithDriverStore(st)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaTransitionTopic, logger)
		defer producer.Close()
		bookingOpts = append(bookingOpts, booking.WithTransitionSink(producer))
		matcherOpts = append(matcherOpts, matcher.WithLocationSink(producer))
	}

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.ETACacheTTL)
	}
	matcherOpts = append(matcherOpts, matcher.WithETA(estimator))
	if cfg.StripeAPIKey != "" {
		settler := payments.NewSettler(payments.NewStripeClient(cfg.StripeAPIKey), cfg.PaymentCurrency, logger)
		matcherOpts = append(matcherOpts, matcher.WithPayments(settler))
	}
	if cfg.PushEndpoint != "" {
		matcherOpts = append(matcherOpts, matcher.WithPush(dispatch.NewFCMPusher(cfg.PushEndpoint, cfg.PushKey)))
	}

	bookings := booking.NewManager(st, logger, bookingOpts...)
	engine := matcher.New(matcherConfig(cfg.Dispatch), bookings, registry, pub, logger, matcherOpts...)
	defer engine.Close()

	drivers, err := st.LoadDrivers(ctx)
	if err != nil {
		return fmt.Errorf("load drivers: %w", err)
	}
	bound, err := engine.RestoreDrivers(ctx, drivers)
	if err != nil {
		return err
	}
	logger.Info("drivers loaded", "count", len(drivers), "on_trip", bound)

	sessions := dispatch.NewManager(local, dispatch.NewRouter(engine, logger), dispatch.Config{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		OfflineOnTimeout: cfg.Session.OfflineOnTimeout,
		SendBuffer:       cfg.Session.SendBuffer,
		WriteTimeout:     cfg.Session.WriteTimeout,
	}, logger)

	go reportDrivers(ctx, registry)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, bookings, registry, sessions, logger, checks...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func matcherConfig(d config.DispatchConfig) matcher.Config {
	cfg := matcher.Config{
		RadiusKm:        d.RadiusKm,
		CandidateLimit:  d.CandidateLimit,
		ResponseTimeout: d.ResponseTimeout,
		Retry:           matcher.NoRetry{},
	}
	if d.RetryAttempts > 0 {
		cfg.Retry = matcher.ExpandingRadius{
			Factor:      d.RetryRadiusFactor,
			MaxRadiusKm: d.RetryMaxRadiusKm,
			MaxRetries:  d.RetryAttempts,
		}
	}
	return cfg
}

func reportDrivers(ctx context.Context, registry *geo.Registry) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		for a, n := range registry.CountByAvailability() {
			observability.Drivers.WithLabelValues(string(a)).Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
