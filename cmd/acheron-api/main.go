package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/cocytus"
	"github.com/acheron-mq/acheron/pkg/config"
	"github.com/acheron-mq/acheron/pkg/erinyes"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/hermes/audit"
	"github.com/acheron-mq/acheron/pkg/iris"
	"github.com/acheron-mq/acheron/pkg/obol"
	"github.com/acheron-mq/acheron/pkg/olympus"
	"github.com/acheron-mq/acheron/pkg/phlegethon"
	"github.com/acheron-mq/acheron/pkg/styx"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg := config.Load()
	logger := hermes.NewSlogAdapterWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting acheron-api", map[string]any{
		"queue": cfg.QueueName,
		"port":  cfg.Port,
	})

	sub, err := styx.New(cfg.RedisAddr(), cfg.RedisDB, cfg.RedisPassword, logger)
	if err != nil {
		logger.Error(ctx, "failed to connect to substrate", map[string]any{
			"addr":  cfg.RedisAddr(),
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer sub.Close()

	layout := phlegethon.NewLayout(cfg.QueueName, cfg.PriorityLevels)
	codec := obol.New(cfg.SecretKey, cfg.EnableEncryption)
	bus := iris.NewRedisBus(sub, cfg.EventsChannel, logger)

	broker := acheron.New(sub, codec, layout, logger)
	broker.Group = cfg.ConsumerGroup
	broker.Consumer = cfg.ConsumerName
	broker.AckTimeout = cfg.AckTimeout
	broker.MaxAttempts = cfg.MaxAttempts
	broker.MaxAckHistory = int64(cfg.MaxAckHistory)
	broker.Metrics = hermes.NewPrometheusMetrics()
	broker.Events = iris.Emitter{Bus: bus, Logger: logger}

	sink := cocytus.NewStreamSink(sub, codec, layout, logger)
	reclaimer := erinyes.NewReclaimer(broker, sink, logger, cfg.ReclaimInterval)

	server := olympus.NewServer(broker, bus, logger)
	server.APIKey = cfg.APIKey
	server.RateLimit = cfg.RateLimit
	server.RateBurst = cfg.RateBurst
	server.Trail = audit.NewTrail([]byte(cfg.SecretKey), 1000)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reclaimer.Start(ctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "server failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info(context.Background(), "server exited", nil)
}
