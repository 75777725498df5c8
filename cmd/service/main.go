package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/config"
	"github.com/tunaaoguzhann/sign-access/core"
	"github.com/tunaaoguzhann/sign-access/logging"
	"github.com/tunaaoguzhann/sign-access/metrics"
	"github.com/tunaaoguzhann/sign-access/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sign-access: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Init(reg); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	auditRepo := storage.NewAuditRepository(db)
	auditSvc := audit.NewService(auditRepo,
		audit.WithLogger(logger),
		audit.WithAsync(cfg.Audit.BufferSize),
	)

	manager, err := core.NewManager(core.ManagerOptions{
		Secret:       cfg.Token.Secret,
		SecretStore:  storage.NewParamStore(db),
		ExpiryDays:   expiryDays(cfg.Token.ExpiryDays),
		StrictExpiry: cfg.Token.StrictExpiry,
		Audit:        auditSvc,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	backends := buildBackends(cfg, logger)
	defer backends.Close()

	throttle, err := core.NewThrottle(core.ThrottleConfig{
		Limiter:     backends.Limiter,
		Audit:       auditSvc,
		Logger:      logger,
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		Window:      cfg.RateWindow(),
		Timeout:     cfg.RedisTimeout(),
		FailClosed:  cfg.RateLimit.FailClosed,
	})
	if err != nil {
		return fmt.Errorf("init throttle: %w", err)
	}

	if cfg.Server.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, staff routes will reject every request")
	}

	srv := &server{
		manager:       manager,
		store:         backends.Store,
		throttle:      throttle,
		audit:         auditSvc,
		events:        auditRepo,
		logger:        logger,
		now:           time.Now,
		jwtSecret:     cfg.Server.JWTSecret,
		publicBaseURL: cfg.Server.PublicBaseURL,
		retentionDays: cfg.Audit.RetentionDays,
		trustProxy:    cfg.Server.TrustProxyHeaders,
		health: map[string]pinger{
			"database": db.PingContext,
		},
	}
	if backends.Conn != nil {
		srv.health["redis"] = func(ctx context.Context) error {
			_, err := backends.Conn.Client(ctx)
			return err
		}
	}

	go housekeeping(ctx, logger, auditSvc, cfg, backends.Limiter)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.Server.ListenAddr,
			"redis", cfg.RedisEnabled(),
			"database", cfg.Database.Driver,
			"signature_secret", logging.MaskSecret(cfg.Token.Secret),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := auditSvc.Close(shutdownCtx); err != nil {
		logger.Error("audit events left unwritten", "err", err)
	}
	return nil
}

func buildBackends(cfg *config.Config, logger *slog.Logger) core.Backends {
	opts := core.BackendOptions{RateKeyPrefix: cfg.RateLimit.KeyPrefix}
	if !cfg.RedisEnabled() {
		logger.Info("using in-memory request store and rate limiter")
		return core.NewBackends(opts)
	}
	opts.Redis = &core.RedisOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
		Timeout:  cfg.RedisTimeout(),
	}
	b := core.NewBackends(opts)
	logger.Info("using redis request store and rate limiter", "addr", b.Conn.Addr())
	return b
}

func expiryDays(in map[string]int) map[core.TokenType]int {
	out := make(map[core.TokenType]int, len(in))
	for k, v := range in {
		out[core.TokenType(k)] = v
	}
	return out
}

type sweeper interface {
	Sweep(window time.Duration) int
}

// housekeeping drops idle in-process rate-limit logs and, when configured,
// purges audit events past retention.
func housekeeping(ctx context.Context, logger *slog.Logger, auditSvc *audit.Service, cfg *config.Config, limiter core.RateLimiter) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	var purgeC <-chan time.Time
	if cfg.Audit.PurgeIntervalHours > 0 {
		purge := time.NewTicker(time.Duration(cfg.Audit.PurgeIntervalHours) * time.Hour)
		defer purge.Stop()
		purgeC = purge.C
	}

	sw, canSweep := limiter.(sweeper)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if canSweep {
				if n := sw.Sweep(cfg.RateWindow()); n > 0 {
					logger.Debug("swept idle rate limit logs", "removed", n)
				}
			}
		case <-purgeC:
			if _, err := auditSvc.PurgeOlderThan(ctx, cfg.Audit.RetentionDays); err != nil {
				logger.Error("scheduled audit purge failed", "err", err)
			}
		}
	}
}
