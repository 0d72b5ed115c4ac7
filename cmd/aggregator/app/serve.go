package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/aggregator/internal/auth"
	"fleet-monitor/aggregator/internal/broker"
	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/engine"
	"fleet-monitor/aggregator/internal/identity"
	"fleet-monitor/aggregator/internal/logger"
	"fleet-monitor/aggregator/internal/pipeline"
	"fleet-monitor/aggregator/internal/relay"
	"fleet-monitor/aggregator/internal/store"
	transporthttp "fleet-monitor/aggregator/internal/transport/http"
)

const serviceName = "fleet-aggregator"

func newServeCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := serve(ctx, cfg, log); err != nil {
				log.Error("aggregator stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	eng := engine.New(engine.Options{
		Identity: identity.Options{
			IDHeader:     cfg.IdentityHeader,
			VINHeader:    cfg.VINHeader,
			SerialHeader: cfg.SerialHeader,
		},
	}, log)

	consumer, err := broker.NewConsumer(cfg, log)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()
	if err := consumer.Ping(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var redisStore *store.RedisStore
	if cfg.MirrorEnabled {
		redisStore, err = store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisStore.Close()
	}

	var archive *store.TimescaleStore
	if cfg.ArchiveEnabled {
		archive, err = store.NewTimescaleStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	if redisStore != nil || archive != nil {
		stateSize, archiveSize, alertSize := 0, 0, 0
		if redisStore != nil {
			stateSize, alertSize = cfg.StateChannelSize, cfg.AlertChannelSize
		}
		if archive != nil {
			archiveSize = cfg.ArchiveChannelSize
		}
		dispatcher := pipeline.NewDispatcher(stateSize, archiveSize, alertSize)

		if dispatcher.StateChan != nil {
			w := pipeline.NewStateWriter(dispatcher.StateChan, redisStore, cfg.StateTTL(), log)
			g.Go(func() error { w.Run(gctx); return nil })
		}
		if dispatcher.ArchiveChan != nil {
			w := pipeline.NewArchiveWriter(dispatcher.ArchiveChan, archive, cfg.ArchiveBatchSize, cfg.ArchiveFlushInterval(), log)
			g.Go(func() error { w.Run(gctx); return nil })
		}
		if dispatcher.AlertChan != nil {
			var recorder pipeline.AlertRecorder
			if archive != nil {
				recorder = archive
			}
			a := pipeline.NewAlertEvaluator(dispatcher.AlertChan, redisStore, recorder, cfg.AlertDedupTTL(), log)
			g.Go(func() error { a.Run(gctx); return nil })
		}
		eng.Subscribe(dispatcher)
	}

	if cfg.MQTTBroker != "" {
		pub, err := relay.Connect(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("mqtt relay: %w", err)
		}
		defer pub.Disconnect(context.Background())
		r := relay.New(pub, cfg.MQTTTopicRoot, cfg.StateChannelSize, log)
		eng.Subscribe(r)
		g.Go(func() error { return r.Run(gctx) })
	}

	var lookup auth.KeyLookup
	if redisStore != nil {
		lookup = redisStore
	}
	authenticator := auth.NewAuthenticator(cfg.APIKeys(), lookup, cfg.AuthCacheTTL(), nil, log)
	server := transporthttp.NewServer(cfg.HTTPAddr, eng, transporthttp.NewAuthMiddleware(authenticator), cfg.SubscriberBuffer, log)

	g.Go(func() error { return server.ListenAndServe(gctx) })
	g.Go(func() error {
		return consumer.Run(gctx, func(msg domain.Message) { eng.Ingest(msg) })
	})

	log.Info("aggregator started",
		zap.String("http", cfg.HTTPAddr),
		zap.Bool("mirror", redisStore != nil),
		zap.Bool("archive", archive != nil),
		zap.Bool("mqtt", cfg.MQTTBroker != ""))

	return g.Wait()
}
