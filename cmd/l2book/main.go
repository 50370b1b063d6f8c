package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/l2book/internal/adapter"
	"github.com/caesar-terminal/l2book/internal/adapter/coinbase"
	"github.com/caesar-terminal/l2book/internal/api"
	"github.com/caesar-terminal/l2book/internal/config"
	"github.com/caesar-terminal/l2book/internal/engine"
	"github.com/caesar-terminal/l2book/internal/logging"
	"github.com/caesar-terminal/l2book/internal/metrics"
)

const (
	venue           = "coinbase"
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	log := logging.Component(logger, "main")
	log.WithFields(logrus.Fields{"env": cfg.Env, "product": cfg.Feed.ProductID}).Info("l2book starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		log.WithError(err).Error("l2book exited with error")
		os.Exit(1)
	}
	log.Info("l2book shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	eng := engine.New(engine.Config{
		ProductID:    cfg.Feed.ProductID,
		NotifyPeriod: cfg.Book.NotifyPeriod,
	}, logging.Component(logger, "engine"), m)
	defer eng.Close()

	wsCfg := adapter.DefaultWSConfig(cfg.Feed.URL)
	wsCfg.HeartbeatTimeout = cfg.Feed.HeartbeatTimeout
	wsCfg.BackoffInitial = cfg.Feed.BackoffInitial
	wsCfg.BackoffMax = cfg.Feed.BackoffMax
	ws := adapter.NewWSClient(wsCfg, logging.Component(logger, "ws"))
	ws.OnReconnect(m.ObserveReconnect)

	feed := coinbase.New(ws, eng, []string{cfg.Feed.ProductID}, cfg.Feed.Channels, logging.Component(logger, "coinbase"))

	breakerCfg := adapter.DefaultCircuitBreakerConfig()
	breakerCfg.StaleThreshold = cfg.Breaker.StaleThreshold
	breakerCfg.CoolOff = cfg.Breaker.CoolOff
	breaker := adapter.NewCircuitBreaker(breakerCfg, eng, logging.Component(logger, "breaker"))
	breaker.WatchConnection(ws)

	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	feed.Subscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		breaker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		drainDiagnostics(gctx, eng, logging.Component(logger, "diagnostics"))
		return nil
	})

	if cfg.Redis.Addr != "" {
		rc := adapter.NewGoRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rc.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := rc.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}

		rw := adapter.NewRedisWriter(rc, eng, adapter.RedisWriterConfig{
			Venue: venue,
			Depth: cfg.Book.Depth,
		}, logging.Component(logger, "redis"), m)
		sub := eng.OnChange(rw.Notify)
		logger.WithField("subscription", sub.ID()).Info("redis writer subscribed")
		g.Go(func() error {
			rw.Run(gctx)
			return nil
		})
	}

	if cfg.GRPC.Addr != "" {
		hs, err := api.NewHealthServer(cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		breaker.OnTransition(hs.Set)
		g.Go(func() error {
			if err := hs.Serve(); err != nil {
				return fmt.Errorf("grpc health: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.GracefulStop()
			return nil
		})
	}

	stream := api.NewBroadcaster(eng, cfg.Book.Depth, logging.Component(logger, "stream"))
	sub := eng.OnChange(stream.Notify)
	logger.WithField("subscription", sub.ID()).Info("stream subscribed")
	g.Go(func() error {
		stream.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewHandler(api.Config{
			Book:     eng,
			Health:   breaker,
			Feed:     feed,
			Stream:   stream,
			Gatherer: reg,
			Depth:    cfg.Book.Depth,
			Log:      logging.Component(logger, "api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := feed.Stop(); err != nil {
			logger.WithError(err).Warn("stop feed")
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// drainDiagnostics logs engine diagnostics until ctx is cancelled.
func drainDiagnostics(ctx context.Context, eng *engine.Engine, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-eng.Diagnostics():
			entry := log.WithFields(logrus.Fields{
				"kind":    d.Kind,
				"version": d.Version,
			})
			if d.Kind == engine.DiagCrossedBook {
				entry = entry.WithFields(logrus.Fields{
					"best_bid": d.BestBid.Price.String(),
					"best_ask": d.BestAsk.Price.String(),
				})
			}
			if d.Err != nil {
				entry = entry.WithError(d.Err)
			}
			entry.Debug("engine diagnostic")
		}
	}
}
