/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
)

func refreshCmd() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Refresh one feed now",
		ArgsUsage: "<feed-id>",
		Description: `Runs a refresh of the feed in the foreground: fetches the feed,
		reconciles its hub subscription and ingests its entries. A feed that is
		already being refreshed elsewhere is left alone.`,
		Action: func(ctx *cli.Context) error {
			id, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid feed id %q", ctx.Args().First())
			}

			cfg := loadedConfig(ctx)
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

			refresher := newRefresher(cfg, database, locker, logScheduler{}, nil)
			outcome, err := refresher.Refresh(ctx.Context, id)
			if err != nil {
				return err
			}
			if outcome.Deferred {
				return nil
			}

			fmt.Printf("Feed %d: %d found, %d saved, %d skipped in %s\n",
				outcome.FeedID, outcome.EntriesFound, outcome.EntriesSaved, outcome.EntriesSkipped, outcome.Duration)
			if outcome.HubURL != "" {
				fmt.Printf("Hub: %s (%s), topic: %s (%s)\n",
					outcome.HubURL, outcome.HubSource, outcome.TopicURL, outcome.TopicSource)
			}
			return outcome.Err
		},
	}
}
