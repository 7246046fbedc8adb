package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pixelwar/auth"
	"pixelwar/canvas"
	"pixelwar/config"
	"pixelwar/discovery"
	"pixelwar/hub"
	"pixelwar/ledger"
	"pixelwar/metrics"
	"pixelwar/pipeline"
	"pixelwar/service"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	persister, err := openPersister(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	store := canvas.NewStore(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Palette(), persister, logger)
	defer store.Close()
	if err := store.Load(ctx); err != nil {
		// a corrupt snapshot is never silently replaced
		return fmt.Errorf("load canvas: %w", err)
	}

	l, err := openLedger(cfg.Ledger, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	validator := auth.NewValidator(l, &auth.Settings{
		LedgerTimeout: cfg.Ledger.Timeout,
		OnLedgerCall:  m.LedgerCall,
	}, logger)

	h := hub.New(store, &hub.Settings{
		SendBuffer:   cfg.Client.SendBuffer,
		WriteTimeout: cfg.Client.WriteTimeout,
		ReadLimit:    hub.DefaultSettings().ReadLimit,
		MessageRate:  cfg.Client.Rate,
		MessageBurst: cfg.Client.Burst,
	}, m, logger)
	monitor := hub.NewMonitor(h, &hub.LivenessSettings{
		Interval:  cfg.Liveness.Interval,
		MaxMissed: cfg.Liveness.MaxMissed,
	}, logger)
	p := pipeline.New(store, validator, h, nil, m, logger)
	svc := service.New(store, h, p, validator, reg, nil, logger)

	var watcher *ledger.RedisWatcher
	if cfg.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		watcher = ledger.NewRedisWatcher(rdb, cfg.Redis.Channel, logger)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("pixelwar server starting", "addr", ln.Addr().String(),
			"width", cfg.Canvas.Width, "height", cfg.Canvas.Height,
			"storage", cfg.Storage.Kind, "ledger", cfg.Ledger.Kind)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx, validator.Invalidate)
		})
	}

	if cfg.MDNS.Enabled {
		port := ln.Addr().(*net.TCPAddr).Port
		txt := []string{
			fmt.Sprintf("width=%d", cfg.Canvas.Width),
			fmt.Sprintf("height=%d", cfg.Canvas.Height),
		}
		g.Go(func() error {
			if err := discovery.Advertise(gctx, discovery.InstanceName(cfg.MDNS.Instance), port, txt, logger); err != nil {
				// not worth taking the canvas down for
				logger.Warn("mdns advertisement failed", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()

	// websocket connections are hijacked, so Shutdown does not wait for
	// them; a write already past authorization still has to reach the store
	dctx, dcancel := context.WithTimeout(context.Background(), shutdownTimeout+cfg.Ledger.Timeout)
	defer dcancel()
	if derr := h.Drain(dctx); derr != nil {
		logger.Warn("clients still busy at shutdown", "error", derr)
	}

	pctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if perr := store.Persist(pctx); perr != nil {
		logger.Error("final canvas save failed", "error", perr)
	}
	logger.Info("pixelwar server stopped")
	return err
}

func openPersister(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (canvas.Persister, error) {
	switch cfg.Kind {
	case "file":
		return canvas.NewFilePersister(cfg.Path), nil
	case "bolt":
		p, err := canvas.OpenBoltPersister(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return p, nil
	case "postgres":
		pool, err := connectPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		p, err := canvas.NewPostgresPersister(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

func openLedger(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.Kind {
	case "memory":
		logger.Warn("using in-memory ledger; credits are not backed by anything", "grants", len(cfg.Grants))
		return ledger.NewMemory(cfg.Grants...), nil
	case "http":
		gw := ledger.NewGateway(cfg.GatewayURL, &http.Client{Timeout: cfg.Timeout})
		return ledger.WithRetry(gw, 100*time.Millisecond, logger), nil
	case "solana":
		payer, err := ledger.LoadKeypair(cfg.PayerKeypair)
		if err != nil {
			return nil, fmt.Errorf("load payer keypair: %w", err)
		}
		settings := ledger.DefaultSolanaSettings()
		settings.RPCURL = cfg.RPCURL
		settings.ProgramID = cfg.ProgramID
		sol, err := ledger.NewSolana(settings, payer, &http.Client{Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return ledger.WithRetry(sol, 250*time.Millisecond, logger), nil
	default:
		return nil, fmt.Errorf("unknown ledger kind %q", cfg.Kind)
	}
}

// startupBackOff retries a dependency for about a minute before giving up.
func startupBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	return backoff.WithContext(b, ctx)
}

func connectPostgres(ctx context.Context, url string, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, startupBackOff(ctx), func(err error, next time.Duration) {
		logger.Warn("postgres not reachable, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return pool, nil
}

func connectRedis(ctx context.Context, addr string, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	err := backoff.RetryNotify(func() error {
		return rdb.Ping(ctx).Err()
	}, startupBackOff(ctx), func(err error, next time.Duration) {
		logger.Warn("redis not reachable, retrying", "addr", addr, "error", err, "retry_in", next)
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	logger.Info("connected to redis", "addr", addr)
	return rdb, nil
}
