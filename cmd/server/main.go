package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/config"
	"github.com/example/ride-settlement/internal/dispatch"
	"github.com/example/ride-settlement/internal/eta"
	"github.com/example/ride-settlement/internal/events"
	"github.com/example/ride-settlement/internal/fareconfig"
	"github.com/example/ride-settlement/internal/geo"
	httpapi "github.com/example/ride-settlement/internal/http"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/logging"
	"github.com/example/ride-settlement/internal/matcher"
	"github.com/example/ride-settlement/internal/payments"
	"github.com/example/ride-settlement/internal/presence"
	"github.com/example/ride-settlement/internal/ride"
	"github.com/example/ride-settlement/internal/storage"
)

// backing is what the process persists through.
type backing interface {
	ride.Store
	ledger.Journal
	commission.AuditSink
	LoadCommission(ctx context.Context) (*commission.Policy, []commission.AuditEntry, error)
	Close() error
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	l := ledger.New(ledger.Options{Journal: store, Logger: logger, LockTimeout: cfg.LockTimeout})

	cs, err := commission.NewStore(cfg.CommissionMinRate, cfg.CommissionMaxRate, cfg.CommissionInitialRate, commission.Options{Sink: store})
	if err != nil {
		return err
	}
	p, audit, err := store.LoadCommission(ctx)
	if err != nil {
		return err
	}
	if p != nil {
		if err := cs.Restore(*p, audit); err != nil {
			logger.Warn("stored commission policy ignored", "rate", p.Rate, "err", err)
		} else {
			logger.Info("commission policy restored", "rate", p.Rate, "version", p.Version)
		}
	}

	fares := fareconfig.NewStore()
	if cfg.FareConfigFile != "" {
		if fares, err = fareconfig.LoadFile(cfg.FareConfigFile); err != nil {
			return err
		}
		logger.Info("fare config loaded", "file", cfg.FareConfigFile, "countries", fares.Countries())
	} else {
		logger.Warn("FARE_CONFIG_FILE not set; fares must be configured through the admin API")
	}

	pool := matcher.NewPool()
	ws := dispatch.NewWSRegistry(logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(10 * time.Minute), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	engineCfg := ride.Config{
		Rides:         ride.NewRegistry(store, cfg.LockTimeout),
		Fares:         fares,
		Ledger:        l,
		Commission:    cs,
		Matcher:       &matcher.Service{Pool: pool, Logger: logger},
		Estimator:     estimator,
		Notifier:      ws,
		Logger:        logger,
		ShareWait:     cfg.ShareWait,
		ShareRadiusKm: cfg.ShareRadiusKm,
	}
	if cfg.StripeAPIKey != "" {
		gw, err := payments.NewStripeGateway(cfg.StripeAPIKey, "")
		if err != nil {
			return err
		}
		engineCfg.Cards = gw
	} else {
		logger.Warn("STRIPE_API_KEY not set; card rides are disabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer pub.Close()
		engineCfg.Events = pub
	}
	engine := ride.NewEngine(engineCfg)

	updaters := []presence.Updater{pool}
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		updaters = append(updaters, rg)
	}
	fanout := presence.NewFanout(logger, updaters...)
	if len(cfg.KafkaBrokers) > 0 {
		consumer := presence.NewConsumer(presence.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaGroup), fanout, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("presence consumer stopped", "err", err)
			}
		}()
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:      engine,
		Ledger:     l,
		Commission: cs,
		Fares:      fares,
		Presence:   fanout,
		WS:         ws,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-settlement listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (backing, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}
