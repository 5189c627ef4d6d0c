/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"feedhub/db"
	"feedhub/events"
	"feedhub/queue"
	"feedhub/refresh"
	"feedhub/server"
	"feedhub/timeline"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve hub callbacks and channel timelines and refresh feeds",
		Description: `Starts the HTTP server, the refresh workers and the poller.

		Feeds are refreshed when a hub notifies the callback endpoint, when a
		refresh is requested over HTTP and whenever they have not been
		retrieved for the poll interval. Stale refresh flags are released
		periodically.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "hostname",
				Usage:   "Public hostname used in hub callback URLs",
				EnvVars: []string{"FEEDHUB_HOSTNAME"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Address to listen on",
				EnvVars: []string{"FEEDHUB_LISTEN"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := loadedConfig(ctx)
			if ctx.IsSet("hostname") {
				cfg.Server.Hostname = ctx.String("hostname")
			}
			if ctx.IsSet("listen") {
				cfg.Server.Listen = ctx.String("listen")
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			locker, closeLocker, err := newLocker(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer closeLocker()

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			bus := events.NewBus()
			defer bus.Close()

			q := queue.New(runCtx, queue.Config{
				Workers:    cfg.Queue.Workers,
				QueueSize:  cfg.Queue.Size,
				MaxRetries: cfg.Queue.MaxRetries,
			})
			refresher := newRefresher(cfg, database, locker, q, bus)
			q.Register(refresh.TaskRefreshFeed, refresher.Handle)
			q.Start()

			entries, err := bus.SubscribeChannelEntries(runCtx)
			if err != nil {
				return err
			}
			bc := server.NewBroadcaster()

			app := server.Server(&server.ServerConfig{
				Feeds:        database,
				Verifier:     websubManager(cfg, database),
				Scheduler:    q,
				Timeline:     timeline.New(database),
				Broadcaster:  bc,
				AllowOrigins: cfg.Server.AllowOrigins,
			})

			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				bc.Run(runCtx, entries)
			}()
			go func() {
				defer wg.Done()
				refresh.Poll(runCtx, database, q, cfg.Refresh.PollInterval)
			}()
			go func() {
				defer wg.Done()
				tidyLoop(runCtx, database, cfg.Refresh.TidyInterval, cfg.Refresh.StaleAfter)
			}()

			listenErr := make(chan error, 1)
			go func() {
				log.WithFields(log.Fields{
					"listen":   cfg.Server.Listen,
					"hostname": cfg.Server.Hostname,
				}).Info("Starting server")
				listenErr <- app.Listen(cfg.Server.Listen)
			}()

			select {
			case <-ctx.Context.Done():
				log.Info("Gracefully shutting down...")
			case err := <-listenErr:
				cancel()
				wg.Wait()
				q.Shutdown()
				return fmt.Errorf("server error: %w", err)
			}

			bc.Shutdown()
			if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
				log.WithError(err).Warn("Server did not shut down cleanly")
			}
			cancel()
			wg.Wait()
			q.Shutdown()
			log.Info("Done!")
			return nil
		},
	}
}

func tidyLoop(ctx context.Context, database *db.DB, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := database.Tidy(ctx, time.Now().Add(-staleAfter))
			if err != nil {
				log.WithError(err).Error("Error tidying refresh flags")
				continue
			}
			if released > 0 {
				log.WithField("released", released).Warn("Released stale refresh flags")
			}
		}
	}
}
