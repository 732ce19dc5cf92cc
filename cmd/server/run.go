package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/sketchchat/internal/auth"
	"github.com/Tyrowin/sketchchat/internal/config"
	"github.com/Tyrowin/sketchchat/internal/hub"
	"github.com/Tyrowin/sketchchat/internal/notify"
	"github.com/Tyrowin/sketchchat/internal/presence"
	"github.com/Tyrowin/sketchchat/internal/server"
	"github.com/Tyrowin/sketchchat/internal/store"
)

// run wires every component from cfg and serves until SIGINT or SIGTERM.
func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := server.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting SketchChat server...", zap.String("version", version))

	st, err := store.Open(ctx, cfg.StoreConfig(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			log.Warn("Store close error", zap.Error(err))
		}
	}()

	opts := hub.Options{
		Store:          st,
		Logger:         log,
		TypingDeadline: cfg.Typing.Deadline,
	}

	if cfg.Redis.Enabled {
		p := presence.NewRedisPresence(cfg.PresenceOptions(), log)
		if err := p.Ping(ctx); err != nil {
			_ = p.Close()
			return err
		}
		defer func() { _ = p.Close() }()
		opts.Presence = p
		log.Info("Tracking presence in Redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Kafka.Enabled {
		pub, err := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.BreakerConfig(), log)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("Kafka writer close error", zap.Error(err))
			}
		}()
		opts.Publisher = pub
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Metrics = hub.NewMetrics(reg)

	h, err := hub.New(opts)
	if err != nil {
		return err
	}

	authn, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.CookieName)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Hub:      h,
		Auth:     authn,
		Config:   cfg.ServerConfig(),
		Logger:   log,
		Gatherer: reg,
	})
	if err != nil {
		return err
	}
	httpServer := server.CreateServer(srv.Config().Port, srv.Routes())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(sigCtx)
	eg.Go(func() error {
		return server.StartServer(httpServer, log)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info("Received shutdown signal, shutting down gracefully...")

		// Stop accepting new sessions before closing the live ones.
		httpErr := server.ShutdownServer(httpServer, cfg.Shutdown.Timeout, log)
		if err := srv.Shutdown(cfg.Shutdown.Timeout); err != nil {
			log.Warn("Websocket shutdown incomplete", zap.Error(err))
		}
		return httpErr
	})

	if err := eg.Wait(); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		return err
	}
	log.Info("Server shutdown complete")
	return nil
}
