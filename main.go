package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedivent/fedivent/activitypub"
	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/fetch"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/mention"
	"github.com/fedivent/fedivent/realtime"
	"github.com/fedivent/fedivent/util"
	"github.com/fedivent/fedivent/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		logging.Fatal().Err(err).Msg("could not read configuration")
	}

	logging.Init(logging.Config{Level: conf.Conf.LogLevel, Format: conf.Conf.LogFormat})
	logging.Info().Str("version", util.GetVersion()).Msg("starting " + util.Name)

	database := db.GetDB()
	if err := database.RunMigrations(); err != nil {
		logging.Fatal().Err(err).Msg("database migration failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := fetch.New(conf.Conf.DevMode)
	resolver := activitypub.NewResolver(fetcher, database)
	verifier := activitypub.NewVerifier(resolver, activitypub.NewKeyCache(activitypub.DefaultKeyTTL))
	outbox := activitypub.NewOutbox(database, conf, fetcher)
	mentions := mention.NewResolver(database, conf.Conf.SslDomain)

	hub := realtime.NewHub()
	go hub.Run()
	defer hub.Stop()

	inbox := &activitypub.Inbox{
		DB:            database,
		Conf:          conf,
		Verifier:      verifier,
		Resolver:      resolver,
		Outbox:        outbox,
		Mentions:      mentions,
		Realtime:      hub,
		Notifications: hub,
	}

	worker := &activitypub.DeliveryWorker{DB: database, Outbox: outbox}
	worker.Start(ctx)
	activitypub.StartDedupSweeper(ctx, database)

	server := &web.Server{
		Conf:     conf,
		DB:       database,
		Inbox:    inbox,
		Outbox:   outbox,
		Resolver: resolver,
		Mentions: mentions,
		Hub:      hub,
		Gate:     &domain.VisibilityGate{Domain: conf.Conf.SslDomain, Follows: database},
	}

	go func() {
		if err := server.Run(); err != nil {
			logging.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")
}
