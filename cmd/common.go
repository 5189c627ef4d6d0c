/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"feedhub/channels"
	"feedhub/config"
	"feedhub/db"
	"feedhub/fetch"
	"feedhub/lock"
	"feedhub/refresh"
	"feedhub/websub"
)

// openDatabase migrates the configured database before opening it
func openDatabase(cfg *config.TomlConfig) (*db.DB, error) {
	log.WithField("database", cfg.Database.Path).Debug("Opening database")
	if err := db.Migrate(cfg.Database.Path); err != nil {
		return nil, err
	}
	return db.Open(cfg.Database.Path)
}

func newFetchClient(cfg *config.TomlConfig) *fetch.Client {
	return fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		UserAgent:    cfg.Fetch.UserAgent,
		MaxRedirects: cfg.Fetch.MaxRedirects,
	})
}

// newLocker returns a Redis backed locker when one is configured. The returned
// close func is never nil.
func newLocker(ctx context.Context, cfg *config.TomlConfig) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return lock.Nop{}, func() {}, nil
	}
	locker := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.LeaseTTL)
	if err := locker.Ping(ctx); err != nil {
		locker.Close()
		return nil, nil, fmt.Errorf("error connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.WithField("addr", cfg.Redis.Addr).Info("Using redis refresh leases")
	return locker, func() { locker.Close() }, nil
}

func websubManager(cfg *config.TomlConfig, database *db.DB) *websub.Manager {
	return websub.NewManager(database, newFetchClient(cfg), cfg.Server.Hostname)
}

func newRefresher(cfg *config.TomlConfig, database *db.DB, locker lock.Locker, scheduler refresh.Scheduler, publisher channels.Publisher) *refresh.Refresher {
	return refresh.New(refresh.Config{
		Store:      database,
		Fetcher:    newFetchClient(cfg),
		Subscriber: websubManager(cfg, database),
		FanOut:     channels.NewEngine(database, publisher),
		Scheduler:  scheduler,
		Locker:     locker,
		BusyDelay:  cfg.Refresh.BusyDelay,
	})
}

// logScheduler stands in for the queue in one-shot commands
type logScheduler struct{}

func (logScheduler) ScheduleNow(task string, feedID int64) error {
	log.WithFields(log.Fields{"task": task, "feed": feedID}).Info("Not scheduling job outside of serve")
	return nil
}

func (logScheduler) ScheduleAfterDelay(task string, feedID int64, delay time.Duration) error {
	log.WithFields(log.Fields{
		"task":  task,
		"feed":  feedID,
		"delay": delay,
	}).Warn("Feed is busy, try again later")
	return nil
}
